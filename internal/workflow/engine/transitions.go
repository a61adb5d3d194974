package engine

import (
	"time"

	"github.com/kingrea/lattice-flow/internal/workflow"
)

// Transition functions mutate a working copy owned by Machine.apply. They
// return an error without partial effect visible to callers because apply
// discards the copy on failure.

func (s *WorkflowState) start(now time.Time) error {
	if s.Status != StatusPending {
		return illegal("start", s.Status)
	}
	s.Status = StatusRunning
	s.StartedAt = now
	return nil
}

func (s *WorkflowState) startStep(stepID string) error {
	if s.Status != StatusRunning {
		return workflow.StateErrorf("cannot start step %s while workflow is %s", stepID, s.Status)
	}
	prev, seen := s.StepResults[stepID]
	attempts := 1
	if seen {
		switch prev.Status {
		case StepRunning:
			return workflow.StateErrorf("step %s is already running", stepID)
		case StepCompleted, StepSkipped:
			return workflow.StateErrorf("step %s already %s", stepID, prev.Status)
		}
		attempts = prev.Attempts + 1
	}
	s.StepResults[stepID] = StepResult{Status: StepRunning, Attempts: attempts}
	s.CurrentStep = stepID
	return nil
}

func (s *WorkflowState) finishStep(stepID string, status StepStatus, output *workflow.Value, errMsg string, durationMS int64) error {
	if !s.Status.Active() {
		return workflow.StateErrorf("cannot record step %s while workflow is %s", stepID, s.Status)
	}
	result, ok := s.StepResults[stepID]
	if !ok || result.Status != StepRunning {
		return workflow.StateErrorf("step %s is not running", stepID)
	}
	result.Status = status
	result.Error = errMsg
	result.DurationMS = durationMS
	result.Output = nil
	if output != nil {
		out := output.Clone()
		result.Output = &out
	}
	s.StepResults[stepID] = result
	if status.Satisfied() {
		s.CompletedSteps = append(s.CompletedSteps, stepID)
	}
	s.releaseCurrent(stepID)
	return nil
}

func (s *WorkflowState) skipStep(stepID, reason string) error {
	if !s.Status.Active() {
		return workflow.StateErrorf("cannot skip step %s while workflow is %s", stepID, s.Status)
	}
	result := s.StepResults[stepID]
	if result.Status.Satisfied() {
		return workflow.StateErrorf("step %s already %s", stepID, result.Status)
	}
	result.Status = StepSkipped
	if reason != "" {
		result.Error = reason
	}
	s.StepResults[stepID] = result
	s.CompletedSteps = append(s.CompletedSteps, stepID)
	s.releaseCurrent(stepID)
	return nil
}

// releaseCurrent moves current_step to another running step, if any.
func (s *WorkflowState) releaseCurrent(stepID string) {
	if s.CurrentStep != stepID {
		return
	}
	s.CurrentStep = ""
	running := s.InProgress().Sorted()
	if len(running) > 0 {
		s.CurrentStep = running[0]
	}
}

func (s *WorkflowState) pause() error {
	if s.Status != StatusRunning && s.Status != StatusWaitingApproval {
		return illegal("pause", s.Status)
	}
	s.Status = StatusPaused
	return nil
}

func (s *WorkflowState) resume() error {
	if s.Status != StatusPaused {
		return illegal("resume", s.Status)
	}
	s.Status = StatusRunning
	s.AwaitingApproval = ""
	return nil
}

func (s *WorkflowState) waitForApproval(stepID string) error {
	if s.Status != StatusRunning {
		return illegal("wait for approval", s.Status)
	}
	s.Status = StatusWaitingApproval
	s.AwaitingApproval = stepID
	return nil
}

func (s *WorkflowState) approve() error {
	if s.Status != StatusWaitingApproval {
		return illegal("approve", s.Status)
	}
	s.Status = StatusRunning
	s.AwaitingApproval = ""
	return nil
}

func (s *WorkflowState) complete() error {
	if s.Status != StatusRunning {
		return illegal("complete", s.Status)
	}
	s.Status = StatusCompleted
	s.CurrentStep = ""
	return nil
}

func (s *WorkflowState) fail(reason string) error {
	if s.Status != StatusRunning {
		return illegal("fail", s.Status)
	}
	s.Status = StatusFailed
	s.Reason = reason
	s.interruptRunning("workflow failed")
	return nil
}

func (s *WorkflowState) cancel(reason string) error {
	if s.Status.Terminal() {
		return illegal("cancel", s.Status)
	}
	s.Status = StatusCancelled
	s.Reason = reason
	s.interruptRunning("workflow cancelled")
	return nil
}

// interruptRunning closes out steps still marked running once the workflow
// reaches a terminal status; their results can no longer be recorded.
func (s *WorkflowState) interruptRunning(msg string) {
	for id, result := range s.StepResults {
		if result.Status != StepRunning {
			continue
		}
		result.Status = StepFailed
		result.Error = msg
		s.StepResults[id] = result
	}
	s.CurrentStep = ""
}

func illegal(event string, from Status) error {
	return workflow.StateErrorf("cannot %s workflow in status %s", event, from)
}
