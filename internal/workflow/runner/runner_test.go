package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/lattice-flow/internal/logbook"
	"github.com/kingrea/lattice-flow/internal/workflow"
	"github.com/kingrea/lattice-flow/internal/workflow/engine"
	"github.com/kingrea/lattice-flow/internal/workflow/events"
)

func TestRunCompletesLinearWorkflow(t *testing.T) {
	machine := newMachine(t, testWorkflow(step("plan"), step("build", "plan"), step("deploy", "build")))
	r := newRunner(t, machine, DryRun{})

	state, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, engine.StatusCompleted, state.Status)
	require.Equal(t, []string{"plan", "build", "deploy"}, state.CompletedSteps)
	require.Equal(t, 100, state.Progress(3))
	for _, id := range state.CompletedSteps {
		result := state.StepResults[id]
		require.Equal(t, 1, result.Attempts)
		require.NotNil(t, result.Output)
		got, _ := result.Output.Get("step")
		require.Equal(t, id, got.Text())
	}
}

func TestRunDispatchesIndependentStepsConcurrently(t *testing.T) {
	wf := testWorkflow(step("root"), step("a", "root"), step("b", "root"), step("c", "root"))
	var entered sync.WaitGroup
	entered.Add(3)
	exec := ExecutorFunc(func(ctx context.Context, req StepRequest) (StepOutput, error) {
		if req.Step.ID == "root" {
			return StepOutput{}, nil
		}
		entered.Done()
		done := make(chan struct{})
		go func() {
			entered.Wait()
			close(done)
		}()
		select {
		case <-done:
			return StepOutput{}, nil
		case <-time.After(2 * time.Second):
			return StepOutput{}, errors.New("siblings never ran concurrently")
		}
	})
	state, err := newRunner(t, newMachine(t, wf), exec).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, engine.StatusCompleted, state.Status, state.Reason)
}

func TestRunHonorsMaxParallel(t *testing.T) {
	wf := testWorkflow(step("a"), step("b"), step("c"), step("d"), step("e"))
	wf.Config.MaxParallel = 2
	var active, peak atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, req StepRequest) (StepOutput, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return StepOutput{}, nil
	})
	r := newRunner(t, newMachine(t, wf), exec, WithMaxParallel(4))
	require.Equal(t, 2, r.MaxParallel(), "workflow config wins over the runner default")

	state, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, engine.StatusCompleted, state.Status)
	require.LessOrEqual(t, peak.Load(), int32(2))
	require.Len(t, state.CompletedSteps, 5)
}

func TestRunRetriesWithBackoff(t *testing.T) {
	flaky := step("flaky")
	flaky.OnError = workflow.ErrorPolicy{Action: workflow.ErrorActionRetry, MaxRetries: 2}
	var mu sync.Mutex
	calls := map[string]int{}
	exec := ExecutorFunc(func(ctx context.Context, req StepRequest) (StepOutput, error) {
		mu.Lock()
		calls[req.Step.ID]++
		n := calls[req.Step.ID]
		mu.Unlock()
		if n != req.Attempt {
			return StepOutput{}, fmt.Errorf("%s call %d reported attempt %d", req.Step.ID, n, req.Attempt)
		}
		if req.Step.ID == "flaky" && req.Attempt < 3 {
			return StepOutput{}, errors.New("transient")
		}
		return StepOutput{}, nil
	})
	state, err := newRunner(t, newMachine(t, testWorkflow(flaky, step("after", "flaky"))), exec).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, engine.StatusCompleted, state.Status)
	require.Equal(t, 3, state.StepResults["flaky"].Attempts)
	require.Equal(t, 1, state.StepResults["after"].Attempts)
	require.Equal(t, []string{"flaky", "after"}, state.CompletedSteps)
}

func TestRunRetryExhaustionFailsWorkflow(t *testing.T) {
	broken := step("broken")
	broken.OnError = workflow.ErrorPolicy{Action: workflow.ErrorActionRetry, MaxRetries: 1}
	exec := ExecutorFunc(func(context.Context, StepRequest) (StepOutput, error) {
		return StepOutput{}, errors.New("disk full")
	})
	state, err := newRunner(t, newMachine(t, testWorkflow(broken)), exec).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, engine.StatusFailed, state.Status)
	require.Contains(t, state.Reason, "broken")
	require.Contains(t, state.Reason, "disk full")
	require.Equal(t, 2, state.StepResults["broken"].Attempts)
	require.Equal(t, engine.StepFailed, state.StepResults["broken"].Status)
}

func TestRunContinuePolicyLeavesDependentsUnrun(t *testing.T) {
	lint := step("lint")
	lint.OnError = workflow.ErrorPolicy{Action: workflow.ErrorActionContinue}
	wf := testWorkflow(lint, step("publish-lint", "lint"), step("build"))
	exec := failing("lint")

	state, err := newRunner(t, newMachine(t, wf), exec).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, engine.StatusCompleted, state.Status)
	require.Equal(t, engine.StepFailed, state.StepResults["lint"].Status)
	require.Equal(t, []string{"build"}, state.CompletedSteps)
	_, ran := state.StepResults["publish-lint"]
	require.False(t, ran, "dependents of a failed step must not run")
}

func TestRunSkipPolicyUnblocksDependents(t *testing.T) {
	docs := step("docs")
	docs.OnError = workflow.ErrorPolicy{Action: workflow.ErrorActionSkip}
	wf := testWorkflow(docs, step("publish", "docs"))

	state, err := newRunner(t, newMachine(t, wf), failing("docs")).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, engine.StatusCompleted, state.Status)
	require.Equal(t, engine.StepSkipped, state.StepResults["docs"].Status)
	require.Contains(t, state.StepResults["docs"].Error, "boom")
	require.Equal(t, []string{"docs", "publish"}, state.CompletedSteps)
}

func TestRunFailPolicyCancelsInFlightSteps(t *testing.T) {
	wf := testWorkflow(step("fast"), step("slow"), step("later", "fast"))
	slowStarted := make(chan struct{})
	slowCancelled := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, req StepRequest) (StepOutput, error) {
		switch req.Step.ID {
		case "fast":
			<-slowStarted
			return StepOutput{}, errors.New("boom")
		case "slow":
			close(slowStarted)
			<-ctx.Done()
			close(slowCancelled)
			return StepOutput{}, ctx.Err()
		}
		return StepOutput{}, nil
	})
	state, err := newRunner(t, newMachine(t, wf), exec).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, engine.StatusFailed, state.Status)
	require.Equal(t, "step fast failed: boom", state.Reason)
	require.Equal(t, engine.StepFailed, state.StepResults["slow"].Status)
	require.Empty(t, state.CurrentStep)
	_, ran := state.StepResults["later"]
	require.False(t, ran)
	select {
	case <-slowCancelled:
	default:
		t.Fatalf("in-flight step was not cancelled")
	}
}

func TestRunApprovalGate(t *testing.T) {
	gated := func() workflow.Workflow {
		deploy := step("deploy", "build")
		deploy.ApprovalRequired = true
		return testWorkflow(step("build"), deploy)
	}

	t.Run("approved", func(t *testing.T) {
		var asked []string
		approver := ApproverFunc(func(_ context.Context, s workflow.WorkflowStep) (bool, error) {
			asked = append(asked, s.ID)
			return true, nil
		})
		state, err := newRunner(t, newMachine(t, gated()), DryRun{}, WithApprover(approver)).Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, engine.StatusCompleted, state.Status)
		require.Equal(t, []string{"deploy"}, asked)
		require.Empty(t, state.AwaitingApproval)
	})

	t.Run("rejected", func(t *testing.T) {
		approver := ApproverFunc(func(context.Context, workflow.WorkflowStep) (bool, error) { return false, nil })
		state, err := newRunner(t, newMachine(t, gated()), DryRun{}, WithApprover(approver)).Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, engine.StatusCancelled, state.Status)
		require.Contains(t, state.Reason, "approval rejected for step deploy")
		_, ran := state.StepResults["deploy"]
		require.False(t, ran)
	})

	t.Run("approver error", func(t *testing.T) {
		approver := ApproverFunc(func(context.Context, workflow.WorkflowStep) (bool, error) {
			return false, errors.New("prompt closed")
		})
		state, err := newRunner(t, newMachine(t, gated()), DryRun{}, WithApprover(approver)).Run(context.Background())
		require.ErrorContains(t, err, "prompt closed")
		require.Equal(t, engine.StatusCancelled, state.Status)
	})

	t.Run("no approver then resume", func(t *testing.T) {
		machine := newMachine(t, gated())
		state, err := newRunner(t, machine, DryRun{}).Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, engine.StatusWaitingApproval, state.Status)
		require.Equal(t, "deploy", state.AwaitingApproval)
		require.Equal(t, []string{"build"}, state.CompletedSteps)

		state, err = newRunner(t, machine, DryRun{}, WithApprover(AutoApprove)).Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, engine.StatusCompleted, state.Status)
		require.Equal(t, []string{"build", "deploy"}, state.CompletedSteps)
	})
}

func TestRunStepTimeout(t *testing.T) {
	wf := testWorkflow(step("hang"))
	wf.Config.TimeoutMS = 20
	exec := ExecutorFunc(func(ctx context.Context, req StepRequest) (StepOutput, error) {
		<-ctx.Done()
		return StepOutput{}, ctx.Err()
	})
	r := newRunner(t, newMachine(t, wf), exec, WithStepTimeout(time.Hour))
	require.Equal(t, 20*time.Millisecond, r.StepTimeout())

	state, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, engine.StatusFailed, state.Status)
	require.Contains(t, state.StepResults["hang"].Error, "timed out after 20ms")
}

func TestRunContextCancellationCancelsWorkflow(t *testing.T) {
	started := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, req StepRequest) (StepOutput, error) {
		close(started)
		<-ctx.Done()
		return StepOutput{}, ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-started
		cancel()
	}()

	state, err := newRunner(t, newMachine(t, testWorkflow(step("wait"))), exec).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, engine.StatusCancelled, state.Status)
	require.Equal(t, engine.StepFailed, state.StepResults["wait"].Status)
}

func TestRunStopsWhenPausedAndResumes(t *testing.T) {
	wf := testWorkflow(step("first"), step("second", "first"))
	var machine *engine.Machine
	exec := ExecutorFunc(func(ctx context.Context, req StepRequest) (StepOutput, error) {
		if req.Step.ID == "first" {
			if err := machine.PauseWorkflow(); err != nil {
				return StepOutput{}, err
			}
		}
		return StepOutput{}, nil
	})
	machine = newMachine(t, wf)

	state, err := newRunner(t, machine, exec).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, engine.StatusPaused, state.Status)
	require.Equal(t, []string{"first"}, state.CompletedSteps, "in-flight step lands after pause")

	require.NoError(t, machine.ResumeWorkflow())
	state, err = newRunner(t, machine, exec).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, engine.StatusCompleted, state.Status)
	require.Equal(t, []string{"first", "second"}, state.CompletedSteps)
}

func TestRunRedispatchesStepsInterruptedByCrash(t *testing.T) {
	wf := testWorkflow(step("a"), step("b", "a"))
	crashed := newMachine(t, wf)
	require.NoError(t, crashed.StartWorkflow())
	require.NoError(t, crashed.StartStep("a"))

	restored, err := engine.Restore(wf, crashed.Snapshot())
	require.NoError(t, err)
	state, err := newRunner(t, restored, DryRun{}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, engine.StatusCompleted, state.Status)
	require.Equal(t, 2, state.StepResults["a"].Attempts)
	require.Equal(t, []string{"a", "b"}, state.CompletedSteps)
}

func TestRunPersistsAndJournals(t *testing.T) {
	dir := t.TempDir()
	repo := engine.NewRepository(filepath.Join(dir, "state.yaml"), engine.EncodingYAML)
	machine, err := engine.New(testWorkflow(step("a"), step("b", "a")), engine.WithStore(repo))
	require.NoError(t, err)
	journal, err := logbook.ForInstance(dir, machine.Snapshot().InstanceID)
	require.NoError(t, err)

	_, err = newRunner(t, machine, DryRun{}, WithJournal(journal)).Run(context.Background())
	require.NoError(t, err)

	persisted, err := repo.Load()
	require.NoError(t, err)
	require.Equal(t, engine.StatusCompleted, persisted.Status)
	require.Equal(t, []string{"a", "b"}, persisted.CompletedSteps)

	lines, total := journal.Tail(20)
	require.Positive(t, total)
	joined := strings.Join(lines, "\n")
	require.Contains(t, joined, "step a started (attempt 1)")
	require.Contains(t, joined, "workflow completed")
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	flaky := step("flaky")
	flaky.OnError = workflow.ErrorPolicy{Action: workflow.ErrorActionRetry, MaxRetries: 1}
	var calls atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, req StepRequest) (StepOutput, error) {
		if req.Step.ID == "flaky" && calls.Add(1) == 1 {
			return StepOutput{}, errors.New("transient")
		}
		return StepOutput{}, nil
	})
	machine := newMachine(t, testWorkflow(flaky, step("after", "flaky")))
	router := events.NewRouter()
	sub := router.Subscribe(machine.Snapshot().InstanceID)
	defer sub.Close()

	_, err := newRunner(t, machine, exec, WithEvents(router)).Run(context.Background())
	require.NoError(t, err)

	var seen []string
	for len(sub.Events) > 0 {
		event := <-sub.Events
		seen = append(seen, string(event.Type)+":"+event.StepID)
	}
	require.Equal(t, []string{
		"workflow_started:",
		"step_started:flaky",
		"step_failed:flaky",
		"step_retrying:flaky",
		"step_started:flaky",
		"step_completed:flaky",
		"step_started:after",
		"step_completed:after",
		"workflow_finished:",
	}, seen)
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(nil, DryRun{})
	require.ErrorIs(t, err, workflow.ErrInvalid)
	_, err = New(newMachine(t, testWorkflow(step("a"))), nil)
	require.ErrorIs(t, err, workflow.ErrInvalid)
}

func newMachine(t *testing.T, wf workflow.Workflow) *engine.Machine {
	t.Helper()
	machine, err := engine.New(wf)
	require.NoError(t, err)
	return machine
}

func newRunner(t *testing.T, machine *engine.Machine, exec Executor, opts ...Option) *Runner {
	t.Helper()
	opts = append([]Option{WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })}, opts...)
	r, err := New(machine, exec, opts...)
	require.NoError(t, err)
	return r
}

func testWorkflow(steps ...workflow.WorkflowStep) workflow.Workflow {
	return workflow.Workflow{ID: "wf", Name: "wf", Steps: steps}
}

func step(id string, deps ...string) workflow.WorkflowStep {
	return workflow.WorkflowStep{
		ID:           id,
		Type:         workflow.ToolStep{Tool: "noop"},
		Dependencies: deps,
	}
}

func failing(ids ...string) Executor {
	fail := workflow.NewStepSet(ids...)
	return ExecutorFunc(func(ctx context.Context, req StepRequest) (StepOutput, error) {
		if fail.Has(req.Step.ID) {
			return StepOutput{}, errors.New("boom")
		}
		return StepOutput{}, nil
	})
}
