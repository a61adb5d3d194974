package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// StepKind names a step type case.
type StepKind string

const (
	StepKindAgent   StepKind = "agent"
	StepKindTool    StepKind = "tool"
	StepKindCommand StepKind = "command"
)

// StepType is a closed set of step kinds. Only the types in this package
// implement it, so drivers can switch over them exhaustively.
type StepType interface {
	Kind() StepKind
	clone() StepType
}

// AgentStep delegates the step to an agent.
type AgentStep struct {
	AgentID string
	Task    string
}

// ToolStep invokes a named tool with the step config as arguments.
type ToolStep struct {
	Tool string
}

// CommandStep runs a command line.
type CommandStep struct {
	Command string
	Args    []string
}

func (AgentStep) Kind() StepKind   { return StepKindAgent }
func (ToolStep) Kind() StepKind    { return StepKindTool }
func (CommandStep) Kind() StepKind { return StepKindCommand }

func (s AgentStep) clone() StepType { return s }
func (s ToolStep) clone() StepType  { return s }
func (s CommandStep) clone() StepType {
	s.Args = cloneStringSlice(s.Args)
	return s
}

// stepTypeDocument is the serialized form of a StepType. It accepts either a
// bare kind ("agent") or a mapping with the kind-specific fields.
type stepTypeDocument struct {
	Kind    StepKind `json:"kind" yaml:"kind"`
	AgentID string   `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Task    string   `json:"task,omitempty" yaml:"task,omitempty"`
	Tool    string   `json:"tool,omitempty" yaml:"tool,omitempty"`
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
}

func (doc *stepTypeDocument) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		doc.Kind = StepKind(strings.TrimSpace(node.Value))
		return nil
	}
	type plain stepTypeDocument
	return node.Decode((*plain)(doc))
}

func (doc *stepTypeDocument) UnmarshalJSON(data []byte) error {
	var kind string
	if err := json.Unmarshal(data, &kind); err == nil {
		doc.Kind = StepKind(strings.TrimSpace(kind))
		return nil
	}
	type plain stepTypeDocument
	return json.Unmarshal(data, (*plain)(doc))
}

func (doc stepTypeDocument) stepType() (StepType, error) {
	switch doc.Kind {
	case "":
		return nil, nil
	case StepKindAgent:
		return AgentStep{AgentID: doc.AgentID, Task: doc.Task}, nil
	case StepKindTool:
		return ToolStep{Tool: doc.Tool}, nil
	case StepKindCommand:
		return CommandStep{Command: doc.Command, Args: cloneStringSlice(doc.Args)}, nil
	default:
		return nil, fmt.Errorf("unknown step kind %q", doc.Kind)
	}
}

func stepTypeDoc(t StepType) *stepTypeDocument {
	switch typed := t.(type) {
	case AgentStep:
		return &stepTypeDocument{Kind: StepKindAgent, AgentID: typed.AgentID, Task: typed.Task}
	case ToolStep:
		return &stepTypeDocument{Kind: StepKindTool, Tool: typed.Tool}
	case CommandStep:
		return &stepTypeDocument{Kind: StepKindCommand, Command: typed.Command, Args: cloneStringSlice(typed.Args)}
	default:
		return nil
	}
}

// ErrorAction is the driver's reaction to a failed step.
type ErrorAction string

const (
	ErrorActionFail     ErrorAction = "fail"
	ErrorActionContinue ErrorAction = "continue"
	ErrorActionRetry    ErrorAction = "retry"
	ErrorActionSkip     ErrorAction = "skip"
)

// ErrorPolicy is a step's on_error setting. The zero value means fail.
type ErrorPolicy struct {
	Action     ErrorAction `json:"action" yaml:"action"`
	MaxRetries int         `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// EffectiveAction returns the action with the fail default applied.
func (p ErrorPolicy) EffectiveAction() ErrorAction {
	if p.Action == "" {
		return ErrorActionFail
	}
	return p.Action
}

// IsZero lets omitempty drop the default policy.
func (p ErrorPolicy) IsZero() bool {
	return p.Action == "" && p.MaxRetries == 0
}

func (p ErrorPolicy) validate() error {
	switch p.EffectiveAction() {
	case ErrorActionFail, ErrorActionContinue, ErrorActionRetry, ErrorActionSkip:
	default:
		return fmt.Errorf("unknown on_error action %q", p.Action)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("on_error max_retries must be >= 0")
	}
	return nil
}

func (p *ErrorPolicy) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		p.Action = ErrorAction(strings.ToLower(strings.TrimSpace(node.Value)))
		return nil
	}
	type plain ErrorPolicy
	if err := node.Decode((*plain)(p)); err != nil {
		return err
	}
	p.Action = ErrorAction(strings.ToLower(string(p.Action)))
	return nil
}

func (p ErrorPolicy) MarshalYAML() (any, error) {
	if p.MaxRetries == 0 {
		return string(p.EffectiveAction()), nil
	}
	type plain ErrorPolicy
	return plain(p), nil
}

func (p ErrorPolicy) MarshalJSON() ([]byte, error) {
	if p.MaxRetries == 0 {
		return json.Marshal(string(p.EffectiveAction()))
	}
	type plain ErrorPolicy
	return json.Marshal(plain(p))
}

func (p *ErrorPolicy) UnmarshalJSON(data []byte) error {
	var action string
	if err := json.Unmarshal(data, &action); err == nil {
		p.Action = ErrorAction(strings.ToLower(strings.TrimSpace(action)))
		return nil
	}
	type plain ErrorPolicy
	if err := json.Unmarshal(data, (*plain)(p)); err != nil {
		return err
	}
	p.Action = ErrorAction(strings.ToLower(string(p.Action)))
	return nil
}

// stepDocument is the serialized form of WorkflowStep. depends_on is
// accepted as an alias for dependencies and merged into it.
type stepDocument struct {
	ID               string            `json:"id" yaml:"id"`
	Name             string            `json:"name,omitempty" yaml:"name,omitempty"`
	Type             *stepTypeDocument `json:"type,omitempty" yaml:"type,omitempty"`
	Config           Value             `json:"config,omitzero" yaml:"config,omitempty"`
	Dependencies     []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	DependsOn        []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	ApprovalRequired bool              `json:"approval_required,omitempty" yaml:"approval_required,omitempty"`
	OnError          ErrorPolicy       `json:"on_error,omitzero" yaml:"on_error,omitempty"`
	RiskScore        *float64          `json:"risk_score,omitempty" yaml:"risk_score,omitempty"`
	RiskFactors      []string          `json:"risk_factors,omitempty" yaml:"risk_factors,omitempty"`
}

func (s WorkflowStep) document() stepDocument {
	return stepDocument{
		ID:               s.ID,
		Name:             s.Name,
		Type:             stepTypeDoc(s.Type),
		Config:           s.Config,
		Dependencies:     s.Dependencies,
		ApprovalRequired: s.ApprovalRequired,
		OnError:          s.OnError,
		RiskScore:        s.RiskScore,
		RiskFactors:      s.RiskFactors,
	}
}

func (doc stepDocument) step() (WorkflowStep, error) {
	step := WorkflowStep{
		ID:               strings.TrimSpace(doc.ID),
		Name:             doc.Name,
		Config:           doc.Config,
		Dependencies:     mergeDependencies(doc.Dependencies, doc.DependsOn),
		ApprovalRequired: doc.ApprovalRequired,
		OnError:          doc.OnError,
		RiskScore:        doc.RiskScore,
		RiskFactors:      doc.RiskFactors,
	}
	if doc.Type != nil {
		stepType, err := doc.Type.stepType()
		if err != nil {
			return WorkflowStep{}, fmt.Errorf("step %s: %w", step.ID, err)
		}
		step.Type = stepType
	}
	return step, nil
}

func (s WorkflowStep) MarshalYAML() (any, error) {
	return s.document(), nil
}

func (s *WorkflowStep) UnmarshalYAML(node *yaml.Node) error {
	var doc stepDocument
	if err := node.Decode(&doc); err != nil {
		return err
	}
	step, err := doc.step()
	if err != nil {
		return err
	}
	*s = step
	return nil
}

func (s WorkflowStep) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.document())
}

func (s *WorkflowStep) UnmarshalJSON(data []byte) error {
	var doc stepDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	step, err := doc.step()
	if err != nil {
		return err
	}
	*s = step
	return nil
}

// mergeDependencies joins the two dependency lists, keeping first-seen
// order and dropping blanks and repeats.
func mergeDependencies(existing, adds []string) []string {
	if len(existing) == 0 && len(adds) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(existing)+len(adds))
	out := make([]string, 0, len(existing)+len(adds))
	for _, list := range [][]string{existing, adds} {
		for _, id := range list {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
