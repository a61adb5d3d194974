package scheduler

import (
	"fmt"
	"strings"

	"github.com/kingrea/lattice-flow/internal/workflow"
	"github.com/kingrea/lattice-flow/internal/workflow/resolver"
)

// Selector exposes the minimal contract an execution driver needs to request
// runnable step batches.
type Selector interface {
	Runnable(RunnableRequest) (RunnableBatch, error)
}

// Scheduler implements Selector on top of a dependency resolver. It walks the
// dependency-first queue, filters steps that are truly runnable, and enforces
// any configured constraints.
type Scheduler struct {
	resolver *resolver.Resolver
}

// New wires a Scheduler to a resolver.
func New(res *resolver.Resolver) (*Scheduler, error) {
	if res == nil {
		return nil, fmt.Errorf("workflow: scheduler requires a resolver")
	}
	return &Scheduler{resolver: res}, nil
}

// RunnableRequest captures a consistent snapshot of the runtime state plus
// any scheduling constraints.
type RunnableRequest struct {
	// Targets optionally narrows scheduling to the listed steps and their
	// dependencies. When empty, every incomplete step is considered.
	Targets []string
	// Completed holds completed and skipped steps.
	Completed workflow.StepSet
	// Running holds steps that are currently executing so the scheduler won't
	// dispatch them twice.
	Running workflow.StepSet
	// Failed holds steps whose latest attempt failed. The driver decides when
	// to retry them, so they are never handed out again here.
	Failed workflow.StepSet
	// Approved holds approval-gated steps that have been approved.
	Approved workflow.StepSet
	// BatchSize limits how many runnable steps are returned at once. Values <= 0
	// are treated as "no limit" (subject to MaxParallel enforcement).
	BatchSize int
	// MaxParallel caps how many steps may be active at once, including the
	// steps listed in Running. Values <= 0 disable the limit.
	MaxParallel int
}

// RunnableBatch describes the scheduler's decision.
type RunnableBatch struct {
	Steps   []*resolver.Node
	Skipped map[string]SkipReason
}

// IDs returns the ids of the runnable steps in dispatch order.
func (b RunnableBatch) IDs() []string {
	if len(b.Steps) == 0 {
		return nil
	}
	ids := make([]string, len(b.Steps))
	for i, node := range b.Steps {
		ids[i] = node.ID
	}
	return ids
}

// Gated returns the skipped steps waiting for approval whose dependencies
// are satisfied.
func (b RunnableBatch) Gated() []string {
	var ids []string
	for id, reason := range b.Skipped {
		if reason.Reason == SkipReasonManualGate {
			ids = append(ids, id)
		}
	}
	return workflow.NewStepSet(ids...).Sorted()
}

// SkipReason explains why a step was excluded from the runnable set.
type SkipReason struct {
	Reason SkipReasonCode
	Detail string
}

// SkipReasonCode enumerates scheduler skip reasons.
type SkipReasonCode string

const (
	SkipReasonNotReady    SkipReasonCode = "not-ready"
	SkipReasonManualGate  SkipReasonCode = "manual-gate"
	SkipReasonConcurrency SkipReasonCode = "concurrency"
	SkipReasonActive      SkipReasonCode = "already-running"
	SkipReasonFailed      SkipReasonCode = "failed"
)

// Runnable returns a batch of runnable steps constrained by the request.
func (s *Scheduler) Runnable(req RunnableRequest) (RunnableBatch, error) {
	queue, err := s.resolver.Queue(req.Completed, req.Targets...)
	if err != nil {
		return RunnableBatch{}, err
	}
	maxBatch := req.batchLimit(len(queue), req.Running.Len())
	result := RunnableBatch{}
	for _, id := range queue {
		node, _ := s.resolver.Node(id)
		if req.Running.Has(id) {
			result.addSkip(id, SkipReason{Reason: SkipReasonActive, Detail: "step already running"})
			continue
		}
		if req.Failed.Has(id) {
			result.addSkip(id, SkipReason{Reason: SkipReasonFailed, Detail: "last attempt failed"})
			continue
		}
		if blockers := s.resolver.Blockers(req.Completed, id); len(blockers) > 0 {
			result.addSkip(id, SkipReason{Reason: SkipReasonNotReady, Detail: "waiting on " + strings.Join(blockers, ", ")})
			continue
		}
		if node.Step.ApprovalRequired && !req.Approved.Has(id) {
			result.addSkip(id, SkipReason{Reason: SkipReasonManualGate, Detail: "awaiting manual approval"})
			continue
		}
		if len(result.Steps) >= maxBatch {
			result.addSkip(id, SkipReason{Reason: SkipReasonConcurrency, Detail: req.limitDetail()})
			continue
		}
		result.Steps = append(result.Steps, node)
	}
	return result, nil
}

func (req RunnableRequest) batchLimit(queueLen int, runningCount int) int {
	limit := req.BatchSize
	if limit <= 0 || limit > queueLen {
		limit = queueLen
	}
	if req.MaxParallel > 0 {
		remaining := req.MaxParallel - runningCount
		if remaining <= 0 {
			return 0
		}
		if limit > remaining {
			limit = remaining
		}
	}
	return limit
}

func (req RunnableRequest) limitDetail() string {
	if req.MaxParallel > 0 && (req.BatchSize <= 0 || req.BatchSize >= req.MaxParallel) {
		return fmt.Sprintf("max parallel %d reached", req.MaxParallel)
	}
	return fmt.Sprintf("batch size %d reached", req.BatchSize)
}

func (b *RunnableBatch) addSkip(id string, reason SkipReason) {
	if id == "" {
		return
	}
	if b.Skipped == nil {
		b.Skipped = make(map[string]SkipReason)
	}
	b.Skipped[id] = reason
}
