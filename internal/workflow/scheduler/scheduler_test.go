package scheduler

import (
	"errors"
	"strings"
	"testing"

	"github.com/kingrea/lattice-flow/internal/workflow"
	"github.com/kingrea/lattice-flow/internal/workflow/resolver"
)

func TestSchedulerReturnsConcurrentReadyNodes(t *testing.T) {
	sched := buildScheduler(t,
		step("plan"),
		step("build", "plan"),
		step("docs", "plan"),
	)
	batch, err := sched.Runnable(RunnableRequest{BatchSize: 2, Completed: workflow.NewStepSet("plan")})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if ids := batch.IDs(); len(ids) != 2 || ids[0] != "build" || ids[1] != "docs" {
		t.Fatalf("unexpected batch: %v", ids)
	}
	if len(batch.Skipped) != 0 {
		t.Fatalf("expected no skips, got %+v", batch.Skipped)
	}
}

func TestSchedulerReportsBlockedSteps(t *testing.T) {
	sched := buildScheduler(t,
		step("plan"),
		step("build", "plan"),
		step("publish", "build", "plan"),
	)
	batch, err := sched.Runnable(RunnableRequest{})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if ids := batch.IDs(); len(ids) != 1 || ids[0] != "plan" {
		t.Fatalf("only roots should be runnable, got %v", ids)
	}
	reason := batch.Skipped["publish"]
	if reason.Reason != SkipReasonNotReady || !strings.Contains(reason.Detail, "build, plan") {
		t.Fatalf("unexpected skip for publish: %+v", reason)
	}
}

func TestSchedulerHonorsManualGates(t *testing.T) {
	deploy := step("deploy", "plan")
	deploy.ApprovalRequired = true
	sched := buildScheduler(t, step("plan"), deploy)
	completed := workflow.NewStepSet("plan")

	batch, err := sched.Runnable(RunnableRequest{Completed: completed})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Steps) != 0 {
		t.Fatalf("expected no runnable nodes while gated, got %v", batch.IDs())
	}
	reason, ok := batch.Skipped["deploy"]
	if !ok || reason.Reason != SkipReasonManualGate {
		t.Fatalf("expected manual gate skip, got %+v", reason)
	}
	if gated := batch.Gated(); len(gated) != 1 || gated[0] != "deploy" {
		t.Fatalf("gated = %v", gated)
	}

	batch, err = sched.Runnable(RunnableRequest{Completed: completed, Approved: workflow.NewStepSet("deploy")})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if ids := batch.IDs(); len(ids) != 1 || ids[0] != "deploy" {
		t.Fatalf("expected deploy to run after approval, got %v", ids)
	}
}

func TestSchedulerGateWaitsForDependencies(t *testing.T) {
	deploy := step("deploy", "plan")
	deploy.ApprovalRequired = true
	sched := buildScheduler(t, step("plan"), deploy)

	batch, err := sched.Runnable(RunnableRequest{})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if reason := batch.Skipped["deploy"]; reason.Reason != SkipReasonNotReady {
		t.Fatalf("gate should not be offered before its dependencies, got %+v", reason)
	}
	if len(batch.Gated()) != 0 {
		t.Fatalf("no gate should be pending yet")
	}
}

func TestSchedulerEnforcesParallelLimit(t *testing.T) {
	sched := buildScheduler(t,
		step("plan"),
		step("build", "plan"),
		step("docs", "plan"),
	)
	completed := workflow.NewStepSet("plan")
	batch, err := sched.Runnable(RunnableRequest{BatchSize: 2, MaxParallel: 1, Completed: completed})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if ids := batch.IDs(); len(ids) != 1 || ids[0] != "build" {
		t.Fatalf("expected single runnable node respecting limit, got %v", ids)
	}
	if reason := batch.Skipped["docs"]; reason.Reason != SkipReasonConcurrency {
		t.Fatalf("expected concurrency skip for docs, got %+v", reason)
	}

	batch, err = sched.Runnable(RunnableRequest{MaxParallel: 1, Completed: completed, Running: workflow.NewStepSet("build")})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Steps) != 0 {
		t.Fatalf("expected zero runnable nodes when capacity exhausted")
	}
	if batch.Skipped["build"].Reason != SkipReasonActive {
		t.Fatalf("running step should be reported, got %+v", batch.Skipped["build"])
	}
	if batch.Skipped["docs"].Reason != SkipReasonConcurrency {
		t.Fatalf("expected concurrency skip reason when capacity exhausted, got %+v", batch.Skipped["docs"])
	}
}

func TestSchedulerDoesNotRedispatchFailedSteps(t *testing.T) {
	sched := buildScheduler(t, step("a"), step("b", "a"), step("c"))
	batch, err := sched.Runnable(RunnableRequest{Failed: workflow.NewStepSet("a")})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if ids := batch.IDs(); len(ids) != 1 || ids[0] != "c" {
		t.Fatalf("unexpected batch %v", ids)
	}
	if batch.Skipped["a"].Reason != SkipReasonFailed {
		t.Fatalf("failed step should be skipped, got %+v", batch.Skipped["a"])
	}
	if batch.Skipped["b"].Reason != SkipReasonNotReady {
		t.Fatalf("dependent of a failed step is not ready, got %+v", batch.Skipped["b"])
	}
}

func TestSchedulerTargetsLimitScope(t *testing.T) {
	sched := buildScheduler(t, step("a"), step("b", "a"), step("c"))
	batch, err := sched.Runnable(RunnableRequest{Targets: []string{"b"}})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if ids := batch.IDs(); len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("unexpected batch %v", ids)
	}
	if _, ok := batch.Skipped["c"]; ok {
		t.Fatalf("steps outside the target closure should be ignored")
	}

	_, err = sched.Runnable(RunnableRequest{Targets: []string{"ghost"}})
	if !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSchedulerNothingLeftWhenComplete(t *testing.T) {
	sched := buildScheduler(t, step("a"), step("b", "a"))
	batch, err := sched.Runnable(RunnableRequest{Completed: workflow.NewStepSet("a", "b")})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Steps) != 0 || len(batch.Skipped) != 0 {
		t.Fatalf("completed workflow should yield an empty batch, got %+v", batch)
	}
}

func TestNewRequiresResolver(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error for nil resolver")
	}
}

func buildScheduler(t *testing.T, steps ...workflow.WorkflowStep) *Scheduler {
	t.Helper()
	res := resolver.New(workflow.Workflow{ID: "test", Name: "test", Steps: steps})
	if err := res.ValidateDependencies(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	sched, err := New(res)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return sched
}

func step(id string, deps ...string) workflow.WorkflowStep {
	return workflow.WorkflowStep{
		ID:           id,
		Type:         workflow.ToolStep{Tool: "noop"},
		Dependencies: deps,
	}
}
