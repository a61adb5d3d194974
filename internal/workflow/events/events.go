// Package events carries workflow lifecycle notifications from the runner to
// interested readers, such as the CLI's live progress output.
package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type names a lifecycle notification.
type Type string

const (
	WorkflowStarted   Type = "workflow_started"
	WorkflowPaused    Type = "workflow_paused"
	WorkflowFinished  Type = "workflow_finished"
	StepStarted       Type = "step_started"
	StepCompleted     Type = "step_completed"
	StepFailed        Type = "step_failed"
	StepRetrying      Type = "step_retrying"
	StepSkipped       Type = "step_skipped"
	ApprovalRequested Type = "approval_requested"
	ApprovalGranted   Type = "approval_granted"
	ApprovalRejected  Type = "approval_rejected"
)

// critical events are kept when a subscriber falls behind.
func (t Type) critical() bool {
	switch t {
	case WorkflowFinished, StepFailed, ApprovalRequested, ApprovalRejected:
		return true
	}
	return false
}

// Event is one lifecycle notification for a workflow instance.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	InstanceID string    `json:"instance_id"`
	WorkflowID string    `json:"workflow_id"`
	StepID     string    `json:"step_id,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Message    string    `json:"message,omitempty"`
	Time       time.Time `json:"time"`
}

// New builds an event with a fresh id stamped at now (UTC).
func New(kind Type, instanceID, workflowID string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now()
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       kind,
		InstanceID: strings.TrimSpace(instanceID),
		WorkflowID: workflowID,
		Time:       now.UTC(),
	}
}

// ForStep sets the step the event is about.
func (e Event) ForStep(stepID string, attempt int) Event {
	e.StepID = stepID
	e.Attempt = attempt
	return e
}

// WithMessage attaches a human readable detail.
func (e Event) WithMessage(format string, args ...any) Event {
	e.Message = fmt.Sprintf(format, args...)
	return e
}

// String renders the event as a single progress line.
func (e Event) String() string {
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(string(e.Type), "_", " "))
	if e.StepID != "" {
		b.WriteString(" " + e.StepID)
		if e.Attempt > 1 {
			fmt.Fprintf(&b, " (attempt %d)", e.Attempt)
		}
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	return b.String()
}

// Publisher accepts lifecycle events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(Event)

// Publish calls f(e).
func (f PublisherFunc) Publish(e Event) {
	if f != nil {
		f(e)
	}
}

// Logger records drop diagnostics. It matches logging.Logger's Printf.
type Logger interface {
	Printf(format string, args ...any)
}
