package workflow

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Workflow is an immutable workflow definition: parameters, steps and their
// dependency edges. It is loaded once and never mutated during execution.
type Workflow struct {
	ID          string              `json:"id" yaml:"id"`
	Name        string              `json:"name" yaml:"name"`
	Description string              `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  []WorkflowParameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Steps       []WorkflowStep      `json:"steps" yaml:"steps"`
	Config      WorkflowConfig      `json:"config,omitzero" yaml:"config,omitempty"`
}

// ParameterType declares the expected kind of a parameter value. The empty
// type accepts any value.
type ParameterType string

const (
	ParameterAny     ParameterType = ""
	ParameterString  ParameterType = "string"
	ParameterNumber  ParameterType = "number"
	ParameterBoolean ParameterType = "boolean"
	ParameterArray   ParameterType = "array"
	ParameterObject  ParameterType = "object"
)

// Accepts reports whether a value of the given kind satisfies the type.
func (t ParameterType) Accepts(kind ValueKind) bool {
	switch t {
	case ParameterAny:
		return true
	case ParameterString:
		return kind == StringKind
	case ParameterNumber:
		return kind == NumberKind
	case ParameterBoolean:
		return kind == BoolKind
	case ParameterArray:
		return kind == ArrayKind
	case ParameterObject:
		return kind == ObjectKind
	default:
		return false
	}
}

func (t ParameterType) valid() bool {
	switch t {
	case ParameterAny, ParameterString, ParameterNumber, ParameterBoolean, ParameterArray, ParameterObject:
		return true
	}
	return false
}

// WorkflowParameter declares a value that can be substituted into step
// configuration through ${name} placeholders.
type WorkflowParameter struct {
	Name        string        `json:"name" yaml:"name"`
	Type        ParameterType `json:"type,omitempty" yaml:"type,omitempty"`
	Default     *Value        `json:"default,omitempty" yaml:"default,omitempty"`
	Required    bool          `json:"required,omitempty" yaml:"required,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
}

// WorkflowConfig carries workflow-level execution limits. Zero means unset.
type WorkflowConfig struct {
	TimeoutMS   int64 `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	MaxParallel int   `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
}

// Timeout returns the per-step timeout, or zero when none is configured.
func (cfg WorkflowConfig) Timeout() time.Duration {
	if cfg.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(cfg.TimeoutMS) * time.Millisecond
}

// WorkflowStep is a unit of work plus its dependency edges.
type WorkflowStep struct {
	ID               string
	Name             string
	Type             StepType
	Config           Value
	Dependencies     []string
	ApprovalRequired bool
	OnError          ErrorPolicy
	RiskScore        *float64
	RiskFactors      []string
}

// Label returns the display name for the step.
func (s WorkflowStep) Label() string {
	if strings.TrimSpace(s.Name) != "" {
		return s.Name
	}
	return s.ID
}

// Clone returns a deep copy of the step.
func (s WorkflowStep) Clone() WorkflowStep {
	clone := s
	clone.Config = s.Config.Clone()
	clone.Dependencies = cloneStringSlice(s.Dependencies)
	clone.RiskFactors = cloneStringSlice(s.RiskFactors)
	if s.RiskScore != nil {
		score := *s.RiskScore
		clone.RiskScore = &score
	}
	if s.Type != nil {
		clone.Type = s.Type.clone()
	}
	return clone
}

// Clone returns a deep copy of the workflow definition.
func (wf Workflow) Clone() Workflow {
	clone := Workflow{
		ID:          wf.ID,
		Name:        wf.Name,
		Description: wf.Description,
		Config:      wf.Config,
	}
	if len(wf.Parameters) > 0 {
		clone.Parameters = make([]WorkflowParameter, len(wf.Parameters))
		for i, param := range wf.Parameters {
			clone.Parameters[i] = param
			if param.Default != nil {
				def := param.Default.Clone()
				clone.Parameters[i].Default = &def
			}
		}
	}
	if len(wf.Steps) > 0 {
		clone.Steps = make([]WorkflowStep, len(wf.Steps))
		for i, step := range wf.Steps {
			clone.Steps[i] = step.Clone()
		}
	}
	return clone
}

// Validate checks the structural fields the loader is responsible for.
// Dependency graph checks live in the resolver package.
func (wf Workflow) Validate() error {
	if strings.TrimSpace(wf.ID) == "" {
		return Invalidf("workflow id is required")
	}
	seen := make(map[string]struct{}, len(wf.Parameters))
	for idx, param := range wf.Parameters {
		name := strings.TrimSpace(param.Name)
		if name == "" {
			return Invalidf("workflow %s parameter[%d]: name is required", wf.ID, idx)
		}
		if _, dup := seen[name]; dup {
			return Invalidf("workflow %s: duplicate parameter %s", wf.ID, name)
		}
		seen[name] = struct{}{}
		if !param.Type.valid() {
			return Invalidf("workflow %s parameter %s: unknown type %q", wf.ID, name, param.Type)
		}
	}
	for idx, step := range wf.Steps {
		if strings.TrimSpace(step.ID) == "" {
			return Invalidf("workflow %s step[%d]: id is required", wf.ID, idx)
		}
		if err := step.OnError.validate(); err != nil {
			return Invalidf("workflow %s step %s: %v", wf.ID, step.ID, err)
		}
		if step.Type == nil {
			return Invalidf("workflow %s step %s: type is required", wf.ID, step.ID)
		}
	}
	if wf.Config.MaxParallel < 0 {
		return Invalidf("workflow %s: max_parallel must be >= 0", wf.ID)
	}
	if wf.Config.TimeoutMS < 0 {
		return Invalidf("workflow %s: timeout_ms must be >= 0", wf.ID)
	}
	return nil
}

// StepIDs returns the step ids in declaration order.
func (wf Workflow) StepIDs() []string {
	ids := make([]string, 0, len(wf.Steps))
	for _, step := range wf.Steps {
		ids = append(ids, step.ID)
	}
	return ids
}

// Step looks up a step by id. The first declaration wins for duplicate ids.
func (wf Workflow) Step(id string) (WorkflowStep, bool) {
	for _, step := range wf.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return WorkflowStep{}, false
}

// Parameter looks up a declared parameter by name.
func (wf Workflow) Parameter(name string) (WorkflowParameter, bool) {
	for _, param := range wf.Parameters {
		if param.Name == name {
			return param, true
		}
	}
	return WorkflowParameter{}, false
}

// StepSet is a set of step ids.
type StepSet map[string]struct{}

// NewStepSet builds a set from ids.
func NewStepSet(ids ...string) StepSet {
	set := make(StepSet, len(ids))
	set.Add(ids...)
	return set
}

// Has reports membership. A nil set is empty.
func (s StepSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add inserts ids, ignoring empty strings.
func (s StepSet) Add(ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		s[id] = struct{}{}
	}
}

// Remove deletes ids from the set.
func (s StepSet) Remove(ids ...string) {
	for _, id := range ids {
		delete(s, id)
	}
}

// Len returns the set size.
func (s StepSet) Len() int { return len(s) }

// Sorted returns the members in lexical order.
func (s StepSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clone returns a copy of the set.
func (s StepSet) Clone() StepSet {
	out := make(StepSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

func (s StepSet) String() string {
	return fmt.Sprintf("{%s}", strings.Join(s.Sorted(), ", "))
}

func cloneStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clone := make([]string, len(values))
	copy(clone, values)
	return clone
}
