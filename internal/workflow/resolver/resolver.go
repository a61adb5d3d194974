package resolver

import (
	"sort"

	"github.com/kingrea/lattice-flow/internal/workflow"
)

// Node captures a workflow step plus its dependency metadata.
type Node struct {
	ID           string
	Step         workflow.WorkflowStep
	Dependencies []string
	Dependents   []string
}

// Resolver indexes a workflow definition once and answers read-only graph
// queries over it. It holds no execution state.
type Resolver struct {
	workflow   workflow.Workflow
	nodes      map[string]*Node
	orderedIDs []string
	duplicates []string
}

// New indexes the workflow's steps. Duplicate ids keep their first
// declaration and are reported by ValidateDependencies.
func New(wf workflow.Workflow) *Resolver {
	nodes := make(map[string]*Node, len(wf.Steps))
	ordered := make([]string, 0, len(wf.Steps))
	var duplicates []string
	for _, step := range wf.Steps {
		if _, exists := nodes[step.ID]; exists {
			duplicates = append(duplicates, step.ID)
			continue
		}
		nodes[step.ID] = &Node{
			ID:           step.ID,
			Step:         step,
			Dependencies: append([]string(nil), step.Dependencies...),
		}
		ordered = append(ordered, step.ID)
	}
	for _, id := range ordered {
		node := nodes[id]
		for _, depID := range node.Dependencies {
			if dep, ok := nodes[depID]; ok {
				dep.Dependents = appendUnique(dep.Dependents, node.ID)
			}
		}
	}
	return &Resolver{
		workflow:   wf,
		nodes:      nodes,
		orderedIDs: ordered,
		duplicates: duplicates,
	}
}

// Workflow returns the indexed workflow definition.
func (r *Resolver) Workflow() workflow.Workflow {
	return r.workflow
}

// Len returns the number of distinct steps.
func (r *Resolver) Len() int {
	return len(r.orderedIDs)
}

// Nodes returns the nodes in workflow declaration order.
func (r *Resolver) Nodes() []*Node {
	out := make([]*Node, 0, len(r.orderedIDs))
	for _, id := range r.orderedIDs {
		out = append(out, r.nodes[id])
	}
	return out
}

// Node retrieves a specific step node by id.
func (r *Resolver) Node(id string) (*Node, bool) {
	node, ok := r.nodes[id]
	return node, ok
}

// ExecutionOrder computes a breadth-first topological order. Steps without
// dependencies seed the queue; a popped step whose dependencies are all
// resolved is appended and its dependents are queued, otherwise it is
// re-queued. When a full pass over the queue makes no progress the
// remaining steps sit on a cycle or behind a dangling reference, and the
// order is rejected.
func (r *Resolver) ExecutionOrder() ([]string, error) {
	total := len(r.workflow.Steps)
	order := make([]string, 0, len(r.orderedIDs))
	completed := make(workflow.StepSet, len(r.orderedIDs))
	queued := make(workflow.StepSet, len(r.orderedIDs))
	queue := make([]string, 0, len(r.orderedIDs))
	for _, id := range r.orderedIDs {
		if len(r.nodes[id].Dependencies) == 0 {
			queue = append(queue, id)
			queued.Add(id)
		}
	}
	stalled := 0
	for len(queue) > 0 && stalled <= len(queue) {
		id := queue[0]
		queue = queue[1:]
		node := r.nodes[id]
		if !dependenciesMet(node, completed) {
			queue = append(queue, id)
			stalled++
			continue
		}
		stalled = 0
		queued.Remove(id)
		completed.Add(id)
		order = append(order, id)
		for _, dependent := range node.Dependents {
			if completed.Has(dependent) || queued.Has(dependent) {
				continue
			}
			queue = append(queue, dependent)
			queued.Add(dependent)
		}
	}
	if len(order) != total {
		return order, workflow.Invalidf("cannot resolve execution order: resolved %d of %d steps (circular or unreachable dependencies)", len(order), total)
	}
	return order, nil
}

// DetectCircularDependencies runs a depth-first search from every step and
// reports the first back edge it meets. Which edge gets reported depends on
// traversal order; only the existence of a cycle is guaranteed.
func (r *Resolver) DetectCircularDependencies() error {
	visited := make(workflow.StepSet, len(r.orderedIDs))
	onStack := make(workflow.StepSet, len(r.orderedIDs))
	var visit func(string) error
	visit = func(id string) error {
		visited.Add(id)
		onStack.Add(id)
		for _, depID := range r.nodes[id].Dependencies {
			if _, known := r.nodes[depID]; !known {
				continue
			}
			if onStack.Has(depID) {
				return workflow.Invalidf("circular dependency: %s -> %s", id, depID)
			}
			if visited.Has(depID) {
				continue
			}
			if err := visit(depID); err != nil {
				return err
			}
		}
		onStack.Remove(id)
		return nil
	}
	for _, id := range r.orderedIDs {
		if visited.Has(id) {
			continue
		}
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// AllDependencies returns the transitive closure of a step's dependencies.
func (r *Resolver) AllDependencies(stepID string) (workflow.StepSet, error) {
	node, ok := r.nodes[stepID]
	if !ok {
		return nil, workflow.NotFound(stepID)
	}
	result := make(workflow.StepSet)
	queue := append([]string(nil), node.Dependencies...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if result.Has(id) {
			continue
		}
		result.Add(id)
		if dep, ok := r.nodes[id]; ok {
			queue = append(queue, dep.Dependencies...)
		}
	}
	return result, nil
}

// DependentSteps returns every step that directly or indirectly depends on
// stepID. Unknown ids have no dependents.
func (r *Resolver) DependentSteps(stepID string) workflow.StepSet {
	result := make(workflow.StepSet)
	node, ok := r.nodes[stepID]
	if !ok {
		return result
	}
	queue := append([]string(nil), node.Dependents...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if result.Has(id) {
			continue
		}
		result.Add(id)
		queue = append(queue, r.nodes[id].Dependents...)
	}
	return result
}

// CanExecuteStep reports whether every dependency of stepID is completed.
func (r *Resolver) CanExecuteStep(completed workflow.StepSet, stepID string) (bool, error) {
	node, ok := r.nodes[stepID]
	if !ok {
		return false, workflow.NotFound(stepID)
	}
	return dependenciesMet(node, completed), nil
}

// ReadySteps returns, in declaration order, the steps that are neither
// completed nor in progress and whose dependencies are all completed.
func (r *Resolver) ReadySteps(completed, inProgress workflow.StepSet) []string {
	var ready []string
	for _, id := range r.orderedIDs {
		if completed.Has(id) || inProgress.Has(id) {
			continue
		}
		if dependenciesMet(r.nodes[id], completed) {
			ready = append(ready, id)
		}
	}
	return ready
}

// ValidateDependencies rejects duplicate step ids, dangling dependency
// references and cycles. Loaders call it before creating workflow state.
func (r *Resolver) ValidateDependencies() error {
	if len(r.duplicates) > 0 {
		return workflow.Invalidf("duplicate step id %s", r.duplicates[0])
	}
	for _, id := range r.orderedIDs {
		for _, depID := range r.nodes[id].Dependencies {
			if _, ok := r.nodes[depID]; !ok {
				return workflow.Invalidf("step %s depends on unknown step %s", id, depID)
			}
		}
	}
	return r.DetectCircularDependencies()
}

// Queue returns the steps that must run to satisfy the requested targets,
// dependencies before the steps that require them, skipping completed
// steps. Without targets every step is considered.
func (r *Resolver) Queue(completed workflow.StepSet, targets ...string) ([]string, error) {
	if len(targets) == 0 {
		targets = append([]string{}, r.orderedIDs...)
	}
	visited := make(map[string]bool, len(r.nodes))
	ordered := make([]string, 0, len(r.nodes))
	var visit func(string) error
	visit = func(id string) error {
		if visited[id] {
			return nil
		}
		node, ok := r.nodes[id]
		if !ok {
			return workflow.NotFound(id)
		}
		visited[id] = true
		for _, dep := range node.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		if !completed.Has(node.ID) {
			ordered = append(ordered, node.ID)
		}
		return nil
	}
	for _, id := range targets {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// Blockers lists the dependencies of stepID that are not yet completed.
func (r *Resolver) Blockers(completed workflow.StepSet, stepID string) []string {
	node, ok := r.nodes[stepID]
	if !ok || len(node.Dependencies) == 0 {
		return nil
	}
	var blockers []string
	for _, depID := range node.Dependencies {
		if !completed.Has(depID) {
			blockers = append(blockers, depID)
		}
	}
	return blockers
}

func dependenciesMet(node *Node, completed workflow.StepSet) bool {
	for _, depID := range node.Dependencies {
		if !completed.Has(depID) {
			return false
		}
	}
	return true
}

func appendUnique(values []string, id string) []string {
	for _, existing := range values {
		if existing == id {
			return values
		}
	}
	values = append(values, id)
	sort.Strings(values)
	return values
}
