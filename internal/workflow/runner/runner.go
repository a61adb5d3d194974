package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/lattice-flow/internal/logbook"
	"github.com/kingrea/lattice-flow/internal/logging"
	"github.com/kingrea/lattice-flow/internal/workflow"
	"github.com/kingrea/lattice-flow/internal/workflow/engine"
	"github.com/kingrea/lattice-flow/internal/workflow/events"
	"github.com/kingrea/lattice-flow/internal/workflow/scheduler"
)

// Runner executes one workflow instance held by an engine.Machine.
type Runner struct {
	machine     *engine.Machine
	executor    Executor
	approver    Approver
	selector    scheduler.Selector
	logger      *logging.Logger
	journal     *logbook.Logbook
	publisher   events.Publisher
	maxParallel int
	stepTimeout time.Duration
	newBackOff  func() backoff.BackOff
	clock       func() time.Time
}

// Option customizes a Runner.
type Option func(*Runner)

// WithApprover routes approval gates to approver. Without one, Run returns
// as soon as the workflow waits for approval.
func WithApprover(approver Approver) Option {
	return func(r *Runner) { r.approver = approver }
}

// WithSelector replaces the default scheduler.
func WithSelector(selector scheduler.Selector) Option {
	return func(r *Runner) {
		if selector != nil {
			r.selector = selector
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithJournal writes a human readable run journal.
func WithJournal(journal *logbook.Logbook) Option {
	return func(r *Runner) { r.journal = journal }
}

// WithEvents publishes lifecycle events for the instance.
func WithEvents(publisher events.Publisher) Option {
	return func(r *Runner) { r.publisher = publisher }
}

// WithMaxParallel sets the concurrency limit used when the workflow does not
// configure max_parallel.
func WithMaxParallel(n int) Option {
	return func(r *Runner) { r.maxParallel = n }
}

// WithStepTimeout sets the per-step timeout used when the workflow does not
// configure timeout_ms.
func WithStepTimeout(d time.Duration) Option {
	return func(r *Runner) { r.stepTimeout = d }
}

// WithRetryIntervals bounds the exponential delay between retries.
func WithRetryIntervals(initial, maxInterval time.Duration) Option {
	return WithBackOff(func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		if initial > 0 {
			b.InitialInterval = initial
		}
		if maxInterval > 0 {
			b.MaxInterval = maxInterval
		}
		b.MaxElapsedTime = 0
		return b
	})
}

// WithBackOff supplies the retry delay policy. A fresh policy is created for
// every retried step.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(r *Runner) {
		if factory != nil {
			r.newBackOff = factory
		}
	}
}

// New builds a runner for machine.
func New(machine *engine.Machine, executor Executor, opts ...Option) (*Runner, error) {
	if machine == nil {
		return nil, workflow.Invalidf("runner requires a machine")
	}
	if executor == nil {
		return nil, workflow.Invalidf("runner requires an executor")
	}
	r := &Runner{
		machine:  machine,
		executor: executor,
		logger:   logging.Discard(),
		clock:    time.Now,
	}
	WithRetryIntervals(0, 0)(r)
	for _, opt := range opts {
		opt(r)
	}
	if r.selector == nil {
		sched, err := scheduler.New(machine.Resolver())
		if err != nil {
			return nil, err
		}
		r.selector = sched
	}
	return r, nil
}

// MaxParallel returns the effective concurrency limit; zero means unlimited.
func (r *Runner) MaxParallel() int {
	if n := r.machine.Workflow().Config.MaxParallel; n > 0 {
		return n
	}
	if r.maxParallel > 0 {
		return r.maxParallel
	}
	return 0
}

// StepTimeout returns the effective per-step timeout; zero means none.
func (r *Runner) StepTimeout() time.Duration {
	if d := r.machine.Workflow().Config.Timeout(); d > 0 {
		return d
	}
	if r.stepTimeout > 0 {
		return r.stepTimeout
	}
	return 0
}

type attemptResult struct {
	stepID   string
	output   StepOutput
	err      error
	duration time.Duration
}

// run is the bookkeeping of one Run call. Only the dispatch loop touches it.
type run struct {
	*Runner
	ctx      context.Context
	steps    context.Context
	abort    context.CancelFunc
	group    errgroup.Group
	results  chan attemptResult
	retries  chan string
	running  int
	pending  int
	halted   workflow.StepSet
	retrying workflow.StepSet
	approved workflow.StepSet
	backoffs map[string]backoff.BackOff
}

// Run drives the workflow until it is terminal, paused, or waiting for an
// approval nobody can give. It returns the final snapshot. A failed or
// cancelled workflow is reported through the snapshot; the error is reserved
// for context cancellation, approver failures and state machine errors.
func (r *Runner) Run(ctx context.Context) (engine.WorkflowState, error) {
	steps, abort := context.WithCancel(ctx)
	size := r.machine.Resolver().Len() + 1
	rn := &run{
		Runner:   r,
		ctx:      ctx,
		steps:    steps,
		abort:    abort,
		results:  make(chan attemptResult, size),
		retries:  make(chan string, size),
		halted:   workflow.NewStepSet(),
		retrying: workflow.NewStepSet(),
		approved: workflow.NewStepSet(),
		backoffs: make(map[string]backoff.BackOff),
	}
	defer func() {
		abort()
		_ = rn.group.Wait()
	}()
	err := rn.loop()
	return r.machine.Snapshot(), err
}

func (rn *run) loop() error {
	if err := rn.interruptOrphans(); err != nil {
		return err
	}
	for {
		state := rn.machine.Snapshot()
		if state.Status.Terminal() {
			rn.finished(state)
			return nil
		}
		if err := rn.ctx.Err(); err != nil {
			rn.cancel("run interrupted: " + err.Error())
			return err
		}
		switch state.Status {
		case engine.StatusPending:
			if err := rn.machine.StartWorkflow(); err != nil {
				return err
			}
			rn.journal.Info("workflow %s started (instance %s)", state.WorkflowID, state.InstanceID)
			rn.emit(events.WorkflowStarted, "", 0, "")
			rn.logger.Info("workflow started", "instance", state.InstanceID)
			continue
		case engine.StatusPaused:
			if rn.running == 0 {
				rn.journal.Info("workflow paused")
				rn.emit(events.WorkflowPaused, "", 0, "")
				return nil
			}
			if err := rn.wait(); err != nil {
				return err
			}
			continue
		case engine.StatusWaitingApproval:
			stop, err := rn.awaitApproval(state.AwaitingApproval)
			if err != nil || stop {
				return err
			}
			continue
		}

		batch, err := rn.selector.Runnable(scheduler.RunnableRequest{
			Completed:   state.Completed(),
			Running:     state.InProgress(),
			Failed:      rn.blocked(),
			Approved:    rn.approved,
			MaxParallel: rn.MaxParallel(),
		})
		if err != nil {
			return err
		}
		for _, node := range batch.Steps {
			if err := rn.dispatch(node.Step); err != nil {
				if rn.tolerable(err) {
					break
				}
				return err
			}
		}
		if gated := batch.Gated(); len(gated) > 0 {
			if err := rn.machine.WaitForApproval(gated[0]); err != nil && !rn.tolerable(err) {
				return err
			}
			rn.journal.Info("step %s is waiting for approval", gated[0])
			rn.emit(events.ApprovalRequested, gated[0], 0, "")
			continue
		}
		if len(batch.Steps) > 0 {
			continue
		}
		if rn.running == 0 && rn.pending == 0 {
			if err := rn.complete(); err != nil {
				return err
			}
			continue
		}
		if err := rn.wait(); err != nil {
			return err
		}
	}
}

// interruptOrphans fails steps a previous process left running so they are
// dispatched again.
func (rn *run) interruptOrphans() error {
	state := rn.machine.Snapshot()
	if !state.Status.Active() {
		return nil
	}
	for _, id := range state.InProgress().Sorted() {
		if err := rn.machine.FailStep(id, "interrupted before completion", 0); err != nil {
			return err
		}
		rn.journal.Warn("step %s was interrupted by a previous run", id)
	}
	return nil
}

func (rn *run) blocked() workflow.StepSet {
	set := rn.halted.Clone()
	for id := range rn.retrying {
		set.Add(id)
	}
	return set
}

func (rn *run) dispatch(step workflow.WorkflowStep) error {
	if err := rn.machine.StartStep(step.ID); err != nil {
		return err
	}
	state := rn.machine.Snapshot()
	req := StepRequest{
		InstanceID: state.InstanceID,
		WorkflowID: state.WorkflowID,
		Step:       step.Clone(),
		Attempt:    state.StepResults[step.ID].Attempts,
	}
	rn.running++
	rn.journal.Info("step %s started (attempt %d)", step.ID, req.Attempt)
	rn.emit(events.StepStarted, step.ID, req.Attempt, "")
	rn.logger.Debug("dispatch step", "step", step.ID, "attempt", req.Attempt)

	timeout := rn.StepTimeout()
	rn.group.Go(func() error {
		ctx := rn.steps
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		started := rn.clock()
		out, err := rn.executor.Execute(ctx, req)
		if timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s", timeout)
		}
		res := attemptResult{stepID: req.Step.ID, output: out, err: err, duration: rn.clock().Sub(started)}
		select {
		case rn.results <- res:
		case <-rn.steps.Done():
		}
		return nil
	})
	return nil
}

// wait blocks until a step reports, a retry delay elapses, or ctx is done.
func (rn *run) wait() error {
	select {
	case res := <-rn.results:
		rn.running--
		return rn.record(res)
	case id := <-rn.retries:
		rn.pending--
		rn.retrying.Remove(id)
		return nil
	case <-rn.ctx.Done():
		return nil
	}
}

func (rn *run) record(res attemptResult) error {
	if rn.ctx.Err() != nil {
		// The loop cancels the workflow; the attempt is closed out there.
		return nil
	}
	ms := res.duration.Milliseconds()
	if res.err == nil {
		if err := rn.machine.CompleteStep(res.stepID, res.output.Output, ms); err != nil {
			return rn.late(res.stepID, err)
		}
		delete(rn.backoffs, res.stepID)
		rn.journal.Info("step %s completed in %s", res.stepID, res.duration.Round(time.Millisecond))
		rn.emit(events.StepCompleted, res.stepID, 0, "%s", res.duration.Round(time.Millisecond))
		rn.logger.Info("step completed", "step", res.stepID, "duration_ms", ms)
		return nil
	}

	msg := res.err.Error()
	if err := rn.machine.FailStep(res.stepID, msg, ms); err != nil {
		return rn.late(res.stepID, err)
	}
	rn.journal.Warn("step %s failed: %s", res.stepID, msg)
	rn.emit(events.StepFailed, res.stepID, 0, "%s", msg)
	rn.logger.Warn("step failed", "step", res.stepID, "error", msg)

	step, _ := rn.machine.Workflow().Step(res.stepID)
	action := step.OnError.EffectiveAction()
	if action == workflow.ErrorActionRetry {
		if delay, ok := rn.nextRetry(res.stepID, step.OnError); ok {
			rn.scheduleRetry(res.stepID, delay)
			return nil
		}
		rn.journal.Warn("step %s exhausted %d retries", res.stepID, step.OnError.MaxRetries)
		action = workflow.ErrorActionFail
	}
	switch action {
	case workflow.ErrorActionContinue:
		rn.halted.Add(res.stepID)
		return nil
	case workflow.ErrorActionSkip:
		if err := rn.machine.SkipStep(res.stepID, "skipped after failure: "+msg); err != nil {
			return rn.late(res.stepID, err)
		}
		rn.journal.Info("step %s skipped after failure", res.stepID)
		rn.emit(events.StepSkipped, res.stepID, 0, "after failure")
		return nil
	default:
		return rn.failWorkflow(fmt.Sprintf("step %s failed: %s", res.stepID, msg))
	}
}

// late handles a result that can no longer be recorded because the workflow
// ended while the step was in flight.
func (rn *run) late(stepID string, err error) error {
	if rn.tolerable(err) {
		rn.logger.Debug("dropped late step result", "step", stepID, "error", err)
		return nil
	}
	return err
}

// tolerable reports whether err is a state conflict caused by a concurrent
// status change, such as a pause or cancel from outside the loop.
func (rn *run) tolerable(err error) bool {
	return errors.Is(err, workflow.ErrState) && rn.machine.Status() != engine.StatusRunning
}

func (rn *run) nextRetry(stepID string, policy workflow.ErrorPolicy) (time.Duration, bool) {
	attempts := rn.machine.Snapshot().StepResults[stepID].Attempts
	if attempts > policy.MaxRetries {
		return 0, false
	}
	b, ok := rn.backoffs[stepID]
	if !ok {
		b = rn.newBackOff()
		b.Reset()
		rn.backoffs[stepID] = b
	}
	delay := b.NextBackOff()
	if delay == backoff.Stop {
		return 0, false
	}
	return delay, true
}

func (rn *run) scheduleRetry(stepID string, delay time.Duration) {
	rn.pending++
	rn.retrying.Add(stepID)
	rn.journal.Info("step %s will retry in %s", stepID, delay.Round(time.Millisecond))
	rn.emit(events.StepRetrying, stepID, 0, "in %s", delay.Round(time.Millisecond))
	rn.group.Go(func() error {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-rn.steps.Done():
			return nil
		}
		select {
		case rn.retries <- stepID:
		case <-rn.steps.Done():
		}
		return nil
	})
}

func (rn *run) awaitApproval(stepID string) (bool, error) {
	if rn.approver == nil {
		if rn.running > 0 {
			return false, rn.wait()
		}
		rn.logger.Info("waiting for approval", "step", stepID)
		return true, nil
	}
	step, _ := rn.machine.Workflow().Step(stepID)
	ok, err := rn.approver.Approve(rn.ctx, step)
	if err != nil {
		if rn.ctx.Err() != nil {
			return false, nil
		}
		rn.cancel(fmt.Sprintf("approval of step %s failed: %v", stepID, err))
		return true, fmt.Errorf("runner: approve %s: %w", stepID, err)
	}
	if !ok {
		rn.journal.Warn("approval rejected for step %s", stepID)
		rn.emit(events.ApprovalRejected, stepID, 0, "")
		rn.cancel("approval rejected for step " + stepID)
		return false, nil
	}
	if err := rn.machine.Approve(); err != nil && !rn.tolerable(err) {
		return true, err
	}
	rn.approved.Add(stepID)
	rn.journal.Info("step %s approved", stepID)
	rn.emit(events.ApprovalGranted, stepID, 0, "")
	return false, nil
}

func (rn *run) complete() error {
	if rn.halted.Len() > 0 {
		rn.journal.Warn("completing with failed steps: %s", rn.halted)
	}
	if err := rn.machine.CompleteWorkflow(); err != nil && !rn.tolerable(err) {
		return err
	}
	return nil
}

func (rn *run) failWorkflow(reason string) error {
	err := rn.machine.FailWorkflow(reason)
	if errors.Is(err, workflow.ErrState) {
		err = rn.machine.CancelWorkflow(reason)
	}
	rn.abort()
	if err != nil && !errors.Is(err, workflow.ErrState) {
		return err
	}
	return nil
}

func (rn *run) cancel(reason string) {
	rn.abort()
	if err := rn.machine.CancelWorkflow(reason); err != nil {
		rn.logger.Debug("cancel rejected", "error", err)
	}
}

func (rn *run) finished(state engine.WorkflowState) {
	switch state.Status {
	case engine.StatusCompleted:
		rn.journal.Info("workflow completed")
	default:
		rn.journal.Error("workflow %s: %s", state.Status, state.Reason)
	}
	rn.logger.Info("workflow finished", "instance", state.InstanceID, "status", string(state.Status), "reason", state.Reason)
	if state.Reason != "" {
		rn.emit(events.WorkflowFinished, "", 0, "%s (%s)", state.Status, state.Reason)
	} else {
		rn.emit(events.WorkflowFinished, "", 0, "%s", state.Status)
	}
}

func (rn *run) emit(kind events.Type, stepID string, attempt int, format string, args ...any) {
	if rn.publisher == nil {
		return
	}
	state := rn.machine.Snapshot()
	event := events.New(kind, state.InstanceID, state.WorkflowID, rn.clock()).ForStep(stepID, attempt)
	if format != "" {
		event = event.WithMessage(format, args...)
	}
	rn.publisher.Publish(event)
}
