package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/kingrea/lattice-flow/internal/logging"
	"github.com/kingrea/lattice-flow/internal/workflow"
	"github.com/kingrea/lattice-flow/internal/workflow/resolver"
)

// Machine owns one WorkflowState and serializes every mutation. Each
// mutation runs against a copy which is validated before it replaces the
// current state; a rejected mutation leaves the state untouched. Accepted
// snapshots are handed to the StateStore outside the state lock.
type Machine struct {
	workflow workflow.Workflow
	resolver *resolver.Resolver
	store    StateStore
	clock    func() time.Time
	logger   *logging.Logger

	mu    sync.Mutex
	state WorkflowState
	seq   uint64

	persistMu sync.Mutex
	persisted uint64
}

// Option customizes the machine instance.
type Option func(*Machine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(m *Machine) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithStore persists every accepted mutation through store.
func WithStore(store StateStore) Option {
	return func(m *Machine) {
		m.store = store
	}
}

// WithLogger routes transition records to logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New validates the workflow graph and creates a machine holding a fresh
// pending state. The initial state is persisted when a store is configured.
func New(wf workflow.Workflow, opts ...Option) (*Machine, error) {
	m, err := newMachine(wf, opts)
	if err != nil {
		return nil, err
	}
	m.state = NewState(wf.ID, m.now())
	if err := m.persist(m.seq, m.state.Clone()); err != nil {
		return nil, err
	}
	return m, nil
}

// Restore wraps previously persisted state, for example after a crash. The
// state must validate and must only reference steps of wf.
func Restore(wf workflow.Workflow, state WorkflowState, opts ...Option) (*Machine, error) {
	m, err := newMachine(wf, opts)
	if err != nil {
		return nil, err
	}
	if state.WorkflowID != wf.ID {
		return nil, workflow.StateErrorf("state belongs to workflow %s, not %s", state.WorkflowID, wf.ID)
	}
	state = state.Clone()
	state.normalize()
	if err := state.Validate(); err != nil {
		return nil, err
	}
	for id := range state.StepResults {
		if _, ok := m.resolver.Node(id); !ok {
			return nil, workflow.StateErrorf("state references unknown step %s", id)
		}
	}
	m.state = state
	return m, nil
}

func newMachine(wf workflow.Workflow, opts []Option) (*Machine, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	res := resolver.New(wf)
	if err := res.ValidateDependencies(); err != nil {
		return nil, err
	}
	m := &Machine{
		workflow: wf,
		resolver: res,
		clock:    time.Now,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("workflow", wf.ID)
	return m, nil
}

// Workflow returns the definition the machine executes.
func (m *Machine) Workflow() workflow.Workflow {
	return m.workflow
}

// Resolver returns the dependency resolver for the workflow.
func (m *Machine) Resolver() *resolver.Resolver {
	return m.resolver
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() WorkflowState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Status returns the current workflow status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Status
}

// ReadySteps returns the steps whose dependencies are satisfied and that are
// neither completed nor running, from one consistent view of the state.
func (m *Machine) ReadySteps() []string {
	m.mu.Lock()
	completed, running := m.state.Completed(), m.state.InProgress()
	m.mu.Unlock()
	return m.resolver.ReadySteps(completed, running)
}

// Progress returns the completed percentage of the workflow's steps.
func (m *Machine) Progress() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Progress(len(m.workflow.Steps))
}

// StartWorkflow moves a pending workflow to running.
func (m *Machine) StartWorkflow() error {
	return m.apply("start", func(s *WorkflowState) error {
		return s.start(m.now())
	})
}

// StartStep marks a step running. Completed steps cannot be restarted; a
// failed step may be restarted and its attempt counter grows.
func (m *Machine) StartStep(stepID string) error {
	if err := m.knownStep(stepID); err != nil {
		return err
	}
	return m.apply("start step "+stepID, func(s *WorkflowState) error {
		return s.startStep(stepID)
	})
}

// CompleteStep records a successful step outcome. The step satisfies its
// dependents from now on.
func (m *Machine) CompleteStep(stepID string, output *workflow.Value, durationMS int64) error {
	if err := m.knownStep(stepID); err != nil {
		return err
	}
	return m.apply("complete step "+stepID, func(s *WorkflowState) error {
		return s.finishStep(stepID, StepCompleted, output, "", durationMS)
	})
}

// FailStep records a failed step outcome. The workflow status is unchanged;
// the caller decides what the failure means for the workflow.
func (m *Machine) FailStep(stepID string, errMsg string, durationMS int64) error {
	if err := m.knownStep(stepID); err != nil {
		return err
	}
	return m.apply("fail step "+stepID, func(s *WorkflowState) error {
		return s.finishStep(stepID, StepFailed, nil, errMsg, durationMS)
	})
}

// SkipStep marks a step skipped. Skipped steps satisfy their dependents.
func (m *Machine) SkipStep(stepID string, reason string) error {
	if err := m.knownStep(stepID); err != nil {
		return err
	}
	return m.apply("skip step "+stepID, func(s *WorkflowState) error {
		return s.skipStep(stepID, reason)
	})
}

// PauseWorkflow pauses a running or approval-waiting workflow.
func (m *Machine) PauseWorkflow() error {
	return m.apply("pause", func(s *WorkflowState) error { return s.pause() })
}

// ResumeWorkflow resumes a paused workflow.
func (m *Machine) ResumeWorkflow() error {
	return m.apply("resume", func(s *WorkflowState) error { return s.resume() })
}

// WaitForApproval suspends dispatch until stepID is approved.
func (m *Machine) WaitForApproval(stepID string) error {
	if err := m.knownStep(stepID); err != nil {
		return err
	}
	return m.apply("wait for approval of "+stepID, func(s *WorkflowState) error {
		return s.waitForApproval(stepID)
	})
}

// Approve returns an approval-waiting workflow to running.
func (m *Machine) Approve() error {
	return m.apply("approve", func(s *WorkflowState) error { return s.approve() })
}

// CompleteWorkflow marks a running workflow completed.
func (m *Machine) CompleteWorkflow() error {
	return m.apply("complete", func(s *WorkflowState) error { return s.complete() })
}

// FailWorkflow marks a running workflow failed.
func (m *Machine) FailWorkflow(reason string) error {
	return m.apply("fail", func(s *WorkflowState) error { return s.fail(reason) })
}

// CancelWorkflow cancels any non-terminal workflow.
func (m *Machine) CancelWorkflow(reason string) error {
	return m.apply("cancel", func(s *WorkflowState) error { return s.cancel(reason) })
}

func (m *Machine) knownStep(stepID string) error {
	if _, ok := m.resolver.Node(stepID); !ok {
		return workflow.NotFound(stepID)
	}
	return nil
}

func (m *Machine) apply(event string, mutate func(*WorkflowState) error) error {
	m.mu.Lock()
	next := m.state.Clone()
	if err := mutate(&next); err != nil {
		from := m.state.Status
		m.mu.Unlock()
		m.logger.Debug("transition rejected", "event", event, "status", string(from), "error", err)
		return err
	}
	next.UpdatedAt = m.now()
	if err := next.Validate(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("workflow engine: %s: %w", event, err)
	}
	m.state = next
	m.seq++
	seq := m.seq
	snapshot := next.Clone()
	m.mu.Unlock()

	m.logger.Debug("transition", "event", event, "status", string(snapshot.Status), "instance", snapshot.InstanceID)
	return m.persist(seq, snapshot)
}

// persist writes snapshots in sequence order; a snapshot older than the last
// one written is dropped.
func (m *Machine) persist(seq uint64, snapshot WorkflowState) error {
	if m.store == nil {
		return nil
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if seq < m.persisted {
		return nil
	}
	if err := m.store.Save(snapshot); err != nil {
		m.logger.Error("persist state", "instance", snapshot.InstanceID, "error", err)
		return err
	}
	m.persisted = seq
	return nil
}

func (m *Machine) now() time.Time {
	if m.clock == nil {
		return stamp(time.Now())
	}
	return stamp(m.clock())
}
