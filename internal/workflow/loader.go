package workflow

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultWorkflowDir points to the conventional location for workflow
// documents when loading from disk.
const DefaultWorkflowDir = "workflows"

// ParseWorkflowYAML decodes a workflow from YAML/JSON bytes and validates its
// structural fields.
func ParseWorkflowYAML(data []byte) (Workflow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Workflow{}, fmt.Errorf("workflow: definition payload is empty")
	}
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return Workflow{}, fmt.Errorf("workflow: decode definition: %w", err)
	}
	wf.ID = strings.TrimSpace(wf.ID)
	if err := wf.Validate(); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// LoadWorkflowReader reads workflow data from an io.Reader.
func LoadWorkflowReader(r io.Reader) (Workflow, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return Workflow{}, fmt.Errorf("workflow: read definition: %w", err)
	}
	return ParseWorkflowYAML(content)
}

// LoadWorkflowFile loads a workflow from an explicit file path.
func LoadWorkflowFile(path string) (Workflow, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Workflow{}, IOError(fmt.Sprintf("read %s", path), err)
	}
	wf, parseErr := ParseWorkflowYAML(content)
	if parseErr != nil {
		return Workflow{}, fmt.Errorf("workflow: %s: %w", path, parseErr)
	}
	return wf, nil
}

// LoadWorkflowRelative loads a workflow from the workflows directory (or a
// custom baseDir if provided). A name without an extension tries .yaml,
// .yml and .json in that order.
func LoadWorkflowRelative(baseDir, name string) (Workflow, error) {
	if baseDir == "" {
		baseDir = DefaultWorkflowDir
	}
	path := filepath.Join(baseDir, name)
	if filepath.Ext(name) != "" {
		return LoadWorkflowFile(path)
	}
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		candidate := path + ext
		if _, err := os.Stat(candidate); err == nil {
			return LoadWorkflowFile(candidate)
		}
	}
	return LoadWorkflowFile(path)
}
