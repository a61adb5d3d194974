package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kingrea/lattice-flow/internal/workflow"
)

func TestRouterDispatchesByKind(t *testing.T) {
	var seen []workflow.StepKind
	record := func(kind workflow.StepKind) Executor {
		return ExecutorFunc(func(context.Context, StepRequest) (StepOutput, error) {
			seen = append(seen, kind)
			return StepOutput{}, nil
		})
	}
	router := Router{
		workflow.StepKindAgent: record(workflow.StepKindAgent),
		workflow.StepKindTool:  record(workflow.StepKindTool),
	}
	_, err := router.Execute(context.Background(), StepRequest{Step: workflow.WorkflowStep{ID: "a", Type: workflow.AgentStep{AgentID: "planner"}}})
	require.NoError(t, err)
	_, err = router.Execute(context.Background(), StepRequest{Step: workflow.WorkflowStep{ID: "t", Type: workflow.ToolStep{Tool: "lint"}}})
	require.NoError(t, err)
	require.Equal(t, []workflow.StepKind{workflow.StepKindAgent, workflow.StepKindTool}, seen)

	_, err = router.Execute(context.Background(), StepRequest{Step: workflow.WorkflowStep{ID: "c", Type: workflow.CommandStep{Command: "true"}}})
	require.ErrorContains(t, err, "no executor for command steps")
	_, err = router.Execute(context.Background(), StepRequest{Step: workflow.WorkflowStep{ID: "x"}})
	require.ErrorContains(t, err, "has no type")
}

func TestDryRunEchoesResolvedConfig(t *testing.T) {
	config := workflow.Object(map[string]workflow.Value{"image": workflow.String("app:1.2.3")})
	out, err := DryRun{}.Execute(context.Background(), StepRequest{
		Attempt: 2,
		Step:    workflow.WorkflowStep{ID: "build", Type: workflow.ToolStep{Tool: "docker"}, Config: config},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Output)
	got, ok := out.Output.Get("config")
	require.True(t, ok)
	require.True(t, config.Equal(got))
	kind, _ := out.Output.Get("kind")
	require.Equal(t, "tool", kind.Text())
	attempt, _ := out.Output.Get("attempt")
	require.Equal(t, "2", attempt.Text())
}

func TestDryRunDelayHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := DryRun{Delay: time.Hour}.Execute(ctx, StepRequest{Step: workflow.WorkflowStep{ID: "slow"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandCapturesStdoutAndEnvironment(t *testing.T) {
	config := workflow.Object(map[string]workflow.Value{
		"env":  workflow.Object(map[string]workflow.Value{"GREETING": workflow.String("hello")}),
		"args": workflow.Array(workflow.String("ignored")),
	})
	req := StepRequest{
		InstanceID: "inst-1",
		Step: workflow.WorkflowStep{
			ID:     "greet",
			Type:   workflow.CommandStep{Command: "sh", Args: []string{"-c", `printf '%s %s' "$GREETING" "$LATTICE_FLOW_STEP"`}},
			Config: config,
		},
	}
	out, err := Command{Dir: t.TempDir()}.Execute(context.Background(), req)
	require.NoError(t, err)
	stdout, _ := out.Output.Get("stdout")
	require.Equal(t, "hello greet", stdout.Text())
}

func TestCommandReportsFailureDetail(t *testing.T) {
	req := StepRequest{Step: workflow.WorkflowStep{
		ID:   "broken",
		Type: workflow.CommandStep{Command: "sh", Args: []string{"-c", "echo warming up >&2; echo disk full >&2; exit 3"}},
	}}
	_, err := Command{}.Execute(context.Background(), req)
	require.ErrorContains(t, err, "exit status 3")
	require.ErrorContains(t, err, "disk full")
	require.NotContains(t, err.Error(), "warming up")

	_, err = Command{}.Execute(context.Background(), StepRequest{Step: workflow.WorkflowStep{ID: "t", Type: workflow.ToolStep{Tool: "x"}}})
	require.ErrorContains(t, err, "not a command step")
}
