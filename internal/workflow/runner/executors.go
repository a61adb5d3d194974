package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kingrea/lattice-flow/internal/workflow"
)

// Router dispatches a request to the executor registered for its step kind.
type Router map[workflow.StepKind]Executor

// Execute implements Executor.
func (r Router) Execute(ctx context.Context, req StepRequest) (StepOutput, error) {
	if req.Step.Type == nil {
		return StepOutput{}, fmt.Errorf("step %s has no type", req.Step.ID)
	}
	kind := req.Step.Type.Kind()
	executor, ok := r[kind]
	if !ok || executor == nil {
		return StepOutput{}, fmt.Errorf("no executor for %s steps", kind)
	}
	return executor.Execute(ctx, req)
}

// DryRun pretends to execute every step. The output echoes the resolved
// configuration so substitutions can be inspected.
type DryRun struct {
	Delay time.Duration
}

// Execute implements Executor.
func (d DryRun) Execute(ctx context.Context, req StepRequest) (StepOutput, error) {
	if d.Delay > 0 {
		timer := time.NewTimer(d.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return StepOutput{}, ctx.Err()
		}
	}
	fields := map[string]workflow.Value{
		"step":    workflow.String(req.Step.ID),
		"dry_run": workflow.Bool(true),
		"attempt": workflow.Number(float64(req.Attempt)),
		"config":  req.Step.Config.Clone(),
	}
	if req.Step.Type != nil {
		fields["kind"] = workflow.String(string(req.Step.Type.Kind()))
	}
	out := workflow.Object(fields)
	return StepOutput{Output: &out}, nil
}

// Command runs command steps as local processes. The step config may set
// "dir" (working directory), "env" (extra environment variables) and "args"
// (arguments appended after the declared ones).
type Command struct {
	// Dir is the default working directory.
	Dir string
}

// Execute implements Executor.
func (c Command) Execute(ctx context.Context, req StepRequest) (StepOutput, error) {
	step, ok := req.Step.Type.(workflow.CommandStep)
	if !ok {
		return StepOutput{}, fmt.Errorf("step %s is not a command step", req.Step.ID)
	}
	args := append([]string(nil), step.Args...)
	if extra, ok := req.Step.Config.Get("args"); ok {
		for _, item := range extra.Items() {
			args = append(args, item.Text())
		}
	}

	cmd := exec.CommandContext(ctx, step.Command, args...)
	cmd.Dir = c.Dir
	if dir, ok := req.Step.Config.Get("dir"); ok {
		if s, ok := dir.AsString(); ok && strings.TrimSpace(s) != "" {
			cmd.Dir = s
		}
	}
	cmd.Env = append(os.Environ(), commandEnv(req)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if detail := lastLine(stderr.String()); detail != "" {
			return StepOutput{}, fmt.Errorf("%s: %w: %s", step.Command, err, detail)
		}
		return StepOutput{}, fmt.Errorf("%s: %w", step.Command, err)
	}
	out := workflow.Object(map[string]workflow.Value{
		"stdout":    workflow.String(strings.TrimSpace(stdout.String())),
		"exit_code": workflow.Number(0),
	})
	return StepOutput{Output: &out}, nil
}

func commandEnv(req StepRequest) []string {
	env := []string{
		"LATTICE_FLOW_INSTANCE=" + req.InstanceID,
		"LATTICE_FLOW_WORKFLOW=" + req.WorkflowID,
		"LATTICE_FLOW_STEP=" + req.Step.ID,
		fmt.Sprintf("LATTICE_FLOW_ATTEMPT=%d", req.Attempt),
	}
	extra, ok := req.Step.Config.Get("env")
	if !ok {
		return env
	}
	for _, key := range extra.Keys() {
		value, _ := extra.Get(key)
		env = append(env, key+"="+value.Text())
	}
	return env
}

func lastLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.LastIndexByte(text, '\n'); idx >= 0 {
		return strings.TrimSpace(text[idx+1:])
	}
	return text
}
