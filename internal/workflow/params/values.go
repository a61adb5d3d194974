package params

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/lattice-flow/internal/workflow"
)

// LoadValuesFile reads a YAML or JSON mapping of parameter values.
func LoadValuesFile(path string) (map[string]workflow.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, workflow.IOError("read parameter file", err)
	}
	return ParseValues(data)
}

// ParseValues decodes a YAML or JSON mapping of parameter values.
func ParseValues(data []byte) (map[string]workflow.Value, error) {
	if strings.TrimSpace(string(data)) == "" {
		return map[string]workflow.Value{}, nil
	}
	var doc workflow.Value
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("params: decode values: %w", err)
	}
	if doc.IsNull() {
		return map[string]workflow.Value{}, nil
	}
	if doc.Kind() != workflow.ObjectKind {
		return nil, workflow.Validationf("parameter values must be a mapping, got %s", doc.Kind())
	}
	values := make(map[string]workflow.Value, doc.Len())
	for _, key := range doc.Keys() {
		values[key], _ = doc.Get(key)
	}
	return values, nil
}

// Merge overlays later maps onto earlier ones.
func Merge(sets ...map[string]workflow.Value) map[string]workflow.Value {
	merged := make(map[string]workflow.Value)
	for _, set := range sets {
		for key, value := range set {
			merged[key] = value
		}
	}
	return merged
}

func parseScalar(text string) workflow.Value {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return workflow.String(text)
	}
	var v workflow.Value
	if err := yaml.Unmarshal([]byte(trimmed), &v); err != nil || v.Kind() == workflow.ObjectKind {
		return workflow.String(text)
	}
	if v.IsNull() && trimmed != "null" && trimmed != "~" {
		return workflow.String(text)
	}
	return v
}
