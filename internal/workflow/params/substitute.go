// Package params resolves declared workflow parameters and substitutes their
// values into step configuration before execution begins.
package params

import (
	"sort"
	"strings"

	"github.com/kingrea/lattice-flow/internal/workflow"
)

const (
	openToken  = "${"
	closeToken = "}"
)

// Resolved maps parameter names to their effective values.
type Resolved map[string]workflow.Value

// ResolveParameters computes the effective value of each declared parameter:
// the supplied value, else the declared default, else a validation error when
// the parameter is required. Optional parameters without a value or default
// stay unresolved and their placeholders are left untouched. Keys in values
// that match no declared parameter are rejected.
func ResolveParameters(declared []workflow.WorkflowParameter, values map[string]workflow.Value) (Resolved, error) {
	known := make(map[string]struct{}, len(declared))
	for _, param := range declared {
		known[param.Name] = struct{}{}
	}
	var unknown []string
	for key := range values {
		if _, ok := known[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, workflow.Validationf("unknown parameter %s", strings.Join(unknown, ", "))
	}

	resolved := make(Resolved, len(declared))
	for _, param := range declared {
		value, supplied := values[param.Name]
		switch {
		case supplied:
		case param.Default != nil:
			value = param.Default.Clone()
		case param.Required:
			return nil, workflow.Validationf("missing required parameter %s", param.Name)
		default:
			continue
		}
		if !param.Type.Accepts(value.Kind()) {
			return nil, workflow.Validationf("parameter %s: expected %s, got %s", param.Name, param.Type, value.Kind())
		}
		resolved[param.Name] = value
	}
	return resolved, nil
}

// Substitute returns a copy of value with every ${name} placeholder for a
// resolved parameter replaced by the parameter's text form. Objects and
// arrays are walked recursively; other kinds are returned unchanged.
func Substitute(value workflow.Value, resolved Resolved) workflow.Value {
	switch value.Kind() {
	case workflow.StringKind:
		s, _ := value.AsString()
		return workflow.String(substituteString(s, resolved))
	case workflow.ArrayKind:
		items := value.Items()
		for i, item := range items {
			items[i] = Substitute(item, resolved)
		}
		return workflow.Array(items...)
	case workflow.ObjectKind:
		fields := make(map[string]workflow.Value, value.Len())
		for _, key := range value.Keys() {
			field, _ := value.Get(key)
			fields[key] = Substitute(field, resolved)
		}
		return workflow.Object(fields)
	default:
		return value.Clone()
	}
}

// substituteString scans left to right once. Replacement text is appended to
// the output and never rescanned, so a value containing ${...} stays literal.
func substituteString(s string, resolved Resolved) string {
	if !strings.Contains(s, openToken) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	rest := s
	for {
		start := strings.Index(rest, openToken)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start+len(openToken):], closeToken)
		if end < 0 {
			b.WriteString(rest)
			break
		}
		nameEnd := start + len(openToken) + end
		name := rest[start+len(openToken) : nameEnd]
		if strings.Contains(name, openToken) {
			// A stray ${ is literal; rescan from the next opener.
			b.WriteString(rest[:start+len(openToken)])
			rest = rest[start+len(openToken):]
			continue
		}
		b.WriteString(rest[:start])
		if value, ok := resolved[name]; ok {
			b.WriteString(value.Text())
		} else {
			b.WriteString(rest[start : nameEnd+len(closeToken)])
		}
		rest = rest[nameEnd+len(closeToken):]
	}
	return b.String()
}

// SubstituteInWorkflow resolves parameters and rewrites every step config in
// place. New configs are computed before any step is touched, so on error the
// workflow is left exactly as it was.
func SubstituteInWorkflow(wf *workflow.Workflow, values map[string]workflow.Value) error {
	if wf == nil {
		return workflow.Invalidf("workflow is nil")
	}
	resolved, err := ResolveParameters(wf.Parameters, values)
	if err != nil {
		return err
	}
	configs := make([]workflow.Value, len(wf.Steps))
	for i, step := range wf.Steps {
		configs[i] = Substitute(step.Config, resolved)
	}
	for i := range wf.Steps {
		wf.Steps[i].Config = configs[i]
	}
	return nil
}

// Placeholders lists the distinct placeholder names still present in value,
// sorted.
func Placeholders(value workflow.Value) []string {
	found := make(map[string]struct{})
	collectPlaceholders(value, found)
	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func collectPlaceholders(value workflow.Value, found map[string]struct{}) {
	switch value.Kind() {
	case workflow.StringKind:
		s, _ := value.AsString()
		for {
			start := strings.Index(s, openToken)
			if start < 0 {
				return
			}
			s = s[start+len(openToken):]
			end := strings.Index(s, closeToken)
			if end < 0 {
				return
			}
			if strings.Contains(s[:end], openToken) {
				continue
			}
			found[s[:end]] = struct{}{}
			s = s[end+len(closeToken):]
		}
	case workflow.ArrayKind:
		for _, item := range value.Items() {
			collectPlaceholders(item, found)
		}
	case workflow.ObjectKind:
		for _, key := range value.Keys() {
			field, _ := value.Get(key)
			collectPlaceholders(field, found)
		}
	}
}

// ParseAssignments converts key=value strings into parameter values. The
// value is decoded as YAML so numbers, booleans and lists keep their kinds;
// anything that does not decode is kept as a plain string.
func ParseAssignments(assignments []string) (map[string]workflow.Value, error) {
	values := make(map[string]workflow.Value, len(assignments))
	for _, raw := range assignments {
		key, text, ok := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, workflow.Validationf("parameter assignment %q must be key=value", raw)
		}
		values[key] = parseScalar(text)
	}
	return values, nil
}
