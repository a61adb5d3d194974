package runner

import (
	"context"

	"github.com/kingrea/lattice-flow/internal/workflow"
)

// StepRequest is handed to an Executor for one attempt of a step. Step.Config
// has already been through parameter substitution.
type StepRequest struct {
	InstanceID string
	WorkflowID string
	Step       workflow.WorkflowStep
	Attempt    int
}

// StepOutput is the result of a successful attempt.
type StepOutput struct {
	Output *workflow.Value
}

// Executor performs the work of a step. Implementations must return when ctx
// is done.
type Executor interface {
	Execute(ctx context.Context, req StepRequest) (StepOutput, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req StepRequest) (StepOutput, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req StepRequest) (StepOutput, error) {
	return f(ctx, req)
}

// Approver decides approval gates. A false result without error rejects the
// step and cancels the workflow.
type Approver interface {
	Approve(ctx context.Context, step workflow.WorkflowStep) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, step workflow.WorkflowStep) (bool, error)

// Approve calls f.
func (f ApproverFunc) Approve(ctx context.Context, step workflow.WorkflowStep) (bool, error) {
	return f(ctx, step)
}

// AutoApprove approves every gate.
var AutoApprove Approver = ApproverFunc(func(context.Context, workflow.WorkflowStep) (bool, error) {
	return true, nil
})
