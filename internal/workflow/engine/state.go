package engine

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/lattice-flow/internal/workflow"
)

// SchemaVersion is the persisted state format understood by this build.
const SchemaVersion = 1

// Status enumerates workflow instance phases.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusWaitingApproval Status = "waiting_approval"
	StatusPaused          Status = "paused"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether in-flight step results may still land.
func (s Status) Active() bool {
	switch s {
	case StatusRunning, StatusWaitingApproval, StatusPaused:
		return true
	}
	return false
}

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusWaitingApproval, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StepStatus is the per-step outcome recorded in StepResult.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Satisfied reports whether the outcome unblocks dependent steps.
func (s StepStatus) Satisfied() bool {
	return s == StepCompleted || s == StepSkipped
}

func (s StepStatus) valid() bool {
	switch s {
	case StepRunning, StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// StepResult records the latest attempt of a step.
type StepResult struct {
	Status     StepStatus      `json:"status" yaml:"status"`
	Output     *workflow.Value `json:"output,omitempty" yaml:"output,omitempty"`
	Error      string          `json:"error,omitempty" yaml:"error,omitempty"`
	DurationMS int64           `json:"duration_ms" yaml:"duration_ms"`
	Attempts   int             `json:"attempts,omitempty" yaml:"attempts,omitempty"`
}

func (r StepResult) clone() StepResult {
	clone := r
	if r.Output != nil {
		out := r.Output.Clone()
		clone.Output = &out
	}
	return clone
}

// A step that produced a null output is distinct from one that produced
// none, so the output is carried as a raw document on disk.
type stepResultJSON struct {
	Status     StepStatus      `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	Attempts   int             `json:"attempts,omitempty"`
}

type stepResultYAML struct {
	Status     StepStatus `yaml:"status"`
	Output     yaml.Node  `yaml:"output,omitempty"`
	Error      string     `yaml:"error,omitempty"`
	DurationMS int64      `yaml:"duration_ms"`
	Attempts   int        `yaml:"attempts,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r StepResult) MarshalJSON() ([]byte, error) {
	doc := stepResultJSON{Status: r.Status, Error: r.Error, DurationMS: r.DurationMS, Attempts: r.Attempts}
	if r.Output != nil {
		raw, err := json.Marshal(*r.Output)
		if err != nil {
			return nil, err
		}
		doc.Output = raw
	}
	return json.Marshal(doc)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *StepResult) UnmarshalJSON(data []byte) error {
	var doc stepResultJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*r = StepResult{Status: doc.Status, Error: doc.Error, DurationMS: doc.DurationMS, Attempts: doc.Attempts}
	if len(doc.Output) > 0 {
		var out workflow.Value
		if err := json.Unmarshal(doc.Output, &out); err != nil {
			return err
		}
		r.Output = &out
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (r StepResult) MarshalYAML() (any, error) {
	doc := stepResultYAML{Status: r.Status, Error: r.Error, DurationMS: r.DurationMS, Attempts: r.Attempts}
	if r.Output != nil {
		if err := doc.Output.Encode(*r.Output); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *StepResult) UnmarshalYAML(node *yaml.Node) error {
	var doc stepResultYAML
	if err := node.Decode(&doc); err != nil {
		return err
	}
	*r = StepResult{Status: doc.Status, Error: doc.Error, DurationMS: doc.DurationMS, Attempts: doc.Attempts}
	if doc.Output.Kind != 0 {
		var out workflow.Value
		if err := doc.Output.Decode(&out); err != nil {
			return err
		}
		r.Output = &out
	}
	return nil
}

// WorkflowState is the mutable run-time record of one workflow instance.
type WorkflowState struct {
	SchemaVersion    int                   `json:"schema_version" yaml:"schema_version"`
	InstanceID       string                `json:"instance_id,omitempty" yaml:"instance_id,omitempty"`
	WorkflowID       string                `json:"workflow_id" yaml:"workflow_id"`
	Status           Status                `json:"status" yaml:"status"`
	Reason           string                `json:"reason,omitempty" yaml:"reason,omitempty"`
	CurrentStep      string                `json:"current_step,omitempty" yaml:"current_step,omitempty"`
	CompletedSteps   []string              `json:"completed_steps" yaml:"completed_steps"`
	StepResults      map[string]StepResult `json:"step_results" yaml:"step_results"`
	AwaitingApproval string                `json:"awaiting_approval,omitempty" yaml:"awaiting_approval,omitempty"`
	StartedAt        time.Time             `json:"started_at,omitzero" yaml:"started_at,omitempty"`
	UpdatedAt        time.Time             `json:"updated_at" yaml:"updated_at"`
}

// NewState initializes a pending state with a fresh instance id.
func NewState(workflowID string, now time.Time) WorkflowState {
	return WorkflowState{
		SchemaVersion:  SchemaVersion,
		InstanceID:     uuid.NewString(),
		WorkflowID:     workflowID,
		Status:         StatusPending,
		CompletedSteps: []string{},
		StepResults:    map[string]StepResult{},
		UpdatedAt:      stamp(now),
	}
}

// Clone returns a deep copy of the state.
func (s WorkflowState) Clone() WorkflowState {
	clone := s
	clone.CompletedSteps = append([]string{}, s.CompletedSteps...)
	clone.StepResults = make(map[string]StepResult, len(s.StepResults))
	for id, result := range s.StepResults {
		clone.StepResults[id] = result.clone()
	}
	return clone
}

// Validate checks the state invariants: every completed step and the current
// step have a result, completed steps are unique and satisfied, and the
// status and schema version are known.
func (s WorkflowState) Validate() error {
	if s.SchemaVersion > SchemaVersion {
		return workflow.StateErrorf("state schema version %d is newer than supported version %d", s.SchemaVersion, SchemaVersion)
	}
	if s.WorkflowID == "" {
		return workflow.StateErrorf("workflow_id is required")
	}
	if !s.Status.valid() {
		return workflow.StateErrorf("unknown workflow status %q", s.Status)
	}
	seen := make(workflow.StepSet, len(s.CompletedSteps))
	for _, id := range s.CompletedSteps {
		if seen.Has(id) {
			return workflow.StateErrorf("step %s listed as completed twice", id)
		}
		seen.Add(id)
		result, ok := s.StepResults[id]
		if !ok {
			return workflow.StateErrorf("completed step %s has no result", id)
		}
		if !result.Status.Satisfied() {
			return workflow.StateErrorf("completed step %s has status %s", id, result.Status)
		}
	}
	for id, result := range s.StepResults {
		if !result.Status.valid() {
			return workflow.StateErrorf("step %s has unknown status %q", id, result.Status)
		}
		if result.Status.Satisfied() && !seen.Has(id) {
			return workflow.StateErrorf("step %s is %s but not listed as completed", id, result.Status)
		}
	}
	if s.CurrentStep != "" {
		if _, ok := s.StepResults[s.CurrentStep]; !ok {
			return workflow.StateErrorf("current step %s has no result", s.CurrentStep)
		}
	}
	return nil
}

// IsStepCompleted reports whether the step reached completed or skipped.
func (s WorkflowState) IsStepCompleted(stepID string) bool {
	for _, id := range s.CompletedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// NextStepToExecute returns the first candidate that is not completed.
func (s WorkflowState) NextStepToExecute(candidates []string) (string, bool) {
	completed := s.Completed()
	for _, id := range candidates {
		if !completed.Has(id) {
			return id, true
		}
	}
	return "", false
}

// Progress returns the completed percentage of total steps, clamped to
// 0..100. A workflow without steps is complete.
func (s WorkflowState) Progress(total int) int {
	if total <= 0 {
		return 100
	}
	pct := len(s.CompletedSteps) * 100 / total
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}

// Completed returns the completed and skipped steps as a set.
func (s WorkflowState) Completed() workflow.StepSet {
	return workflow.NewStepSet(s.CompletedSteps...)
}

// InProgress returns the steps whose latest attempt is still running.
func (s WorkflowState) InProgress() workflow.StepSet {
	return s.withStatus(StepRunning)
}

// Failed returns the steps whose latest attempt failed.
func (s WorkflowState) Failed() workflow.StepSet {
	return s.withStatus(StepFailed)
}

func (s WorkflowState) withStatus(status StepStatus) workflow.StepSet {
	set := make(workflow.StepSet)
	for id, result := range s.StepResults {
		if result.Status == status {
			set.Add(id)
		}
	}
	return set
}

// normalize fills fields older or hand-written files may omit.
func (s *WorkflowState) normalize() {
	if s.SchemaVersion == 0 {
		s.SchemaVersion = SchemaVersion
	}
	if s.CompletedSteps == nil {
		s.CompletedSteps = []string{}
	}
	if s.StepResults == nil {
		s.StepResults = map[string]StepResult{}
	}
	s.StartedAt = stamp(s.StartedAt)
	s.UpdatedAt = stamp(s.UpdatedAt)
}

// stamp drops the monotonic reading and location so persisted and in-memory
// timestamps compare equal.
func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.Round(0).UTC()
}
