package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/lattice-flow/internal/workflow"
)

// ErrStateNotFound is returned when no persisted state exists yet. It also
// matches workflow.ErrIO and fs.ErrNotExist.
var ErrStateNotFound = &workflow.Error{Kind: workflow.ErrIO, Msg: "state not found", Err: fs.ErrNotExist}

// StateStore persists workflow state snapshots.
type StateStore interface {
	Load() (WorkflowState, error)
	Save(WorkflowState) error
}

// Encoding selects the on-disk state format.
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingYAML Encoding = "yaml"
)

// ParseEncoding accepts json or yaml (yml), case-insensitively.
func ParseEncoding(name string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return EncodingJSON, nil
	case "yaml", "yml":
		return EncodingYAML, nil
	}
	return "", workflow.Invalidf("unknown state encoding %q", name)
}

// Ext returns the file extension used for the encoding.
func (e Encoding) Ext() string {
	if e == EncodingYAML {
		return ".yaml"
	}
	return ".json"
}

// StatePath returns the state file location for an instance.
func StatePath(dir, instanceID string, enc Encoding) string {
	return filepath.Join(dir, instanceID+enc.Ext())
}

// FindState locates an instance's state file in dir regardless of encoding.
func FindState(dir, instanceID string) (string, error) {
	for _, enc := range []Encoding{EncodingJSON, EncodingYAML} {
		path := StatePath(dir, instanceID, enc)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: instance %s in %s", ErrStateNotFound, instanceID, dir)
}

// ListInstances returns the instance ids with a state file in dir, sorted.
func ListInstances(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, workflow.IOError("list states", err)
	}
	seen := make(workflow.StepSet)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		ext := filepath.Ext(name)
		if ext != ".json" && ext != ".yaml" {
			continue
		}
		seen.Add(strings.TrimSuffix(name, ext))
	}
	return seen.Sorted(), nil
}

// MarshalState encodes state in a human readable form.
func MarshalState(state WorkflowState, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingYAML:
		var buf bytes.Buffer
		encoder := yaml.NewEncoder(&buf)
		encoder.SetIndent(2)
		if err := encoder.Encode(state); err != nil {
			return nil, fmt.Errorf("workflow engine: encode state: %w", err)
		}
		if err := encoder.Close(); err != nil {
			return nil, fmt.Errorf("workflow engine: encode state: %w", err)
		}
		return buf.Bytes(), nil
	case EncodingJSON, "":
		data, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("workflow engine: encode state: %w", err)
		}
		return append(data, '\n'), nil
	}
	return nil, workflow.Invalidf("unknown state encoding %q", enc)
}

// UnmarshalState decodes a state document, trying JSON first and falling
// back to YAML. It reports which encoding matched.
func UnmarshalState(data []byte) (WorkflowState, Encoding, error) {
	var state WorkflowState
	jsonErr := json.Unmarshal(data, &state)
	if jsonErr == nil {
		state.normalize()
		return state, EncodingJSON, nil
	}
	state = WorkflowState{}
	yamlErr := yaml.Unmarshal(data, &state)
	if yamlErr == nil && len(bytes.TrimSpace(data)) > 0 {
		state.normalize()
		return state, EncodingYAML, nil
	}
	if yamlErr == nil {
		yamlErr = errors.New("empty document")
	}
	return WorkflowState{}, "", &workflow.Error{
		Kind: workflow.ErrState,
		Msg:  "decode state",
		Err:  errors.Join(fmt.Errorf("as json: %w", jsonErr), fmt.Errorf("as yaml: %w", yamlErr)),
	}
}

// PersistState validates state, then atomically replaces path with its
// encoding: the document is written to a temporary file in the same
// directory, synced and renamed over the target while holding path.lock.
func PersistState(state WorkflowState, path string, enc Encoding) error {
	if err := state.Validate(); err != nil {
		return err
	}
	data, err := MarshalState(state, enc)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return workflow.IOError("ensure state dir", err)
	}
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return workflow.IOError("lock state", err)
	}
	defer lock.Unlock()

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return workflow.IOError("create temp state", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return workflow.IOError("write state", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return workflow.IOError("sync state", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return workflow.IOError("close state", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return workflow.IOError("replace state", err)
	}
	return nil
}

// LoadState reads and decodes a state file without validating it.
func LoadState(path string) (WorkflowState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return WorkflowState{}, fmt.Errorf("%w: %s", ErrStateNotFound, path)
		}
		return WorkflowState{}, workflow.IOError("read state", err)
	}
	state, _, err := UnmarshalState(data)
	if err != nil {
		return WorkflowState{}, fmt.Errorf("%s: %w", path, err)
	}
	return state, nil
}

// LoadStateValidated reads a state file and rejects it if any invariant is
// violated.
func LoadStateValidated(path string) (WorkflowState, error) {
	state, err := LoadState(path)
	if err != nil {
		return WorkflowState{}, err
	}
	if err := state.Validate(); err != nil {
		return WorkflowState{}, fmt.Errorf("%s: %w", path, err)
	}
	return state, nil
}

// Recovery is the outcome of RecoverState.
type Recovery struct {
	State    WorkflowState
	Encoding Encoding
	// Problem is the invariant violation found in State, if any. The state
	// is returned as decoded; nothing is repaired.
	Problem error
}

// Valid reports whether the recovered state passed validation.
func (r Recovery) Valid() bool {
	return r.Problem == nil
}

// RecoverState decodes a state file and reports validation problems next to
// the decoded state instead of failing, so callers can show exactly what is
// wrong. Read and decode failures are still returned as errors.
func RecoverState(path string) (Recovery, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Recovery{}, fmt.Errorf("%w: %s", ErrStateNotFound, path)
		}
		return Recovery{}, workflow.IOError("read state", err)
	}
	state, enc, err := UnmarshalState(data)
	if err != nil {
		return Recovery{}, fmt.Errorf("%s: %w", path, err)
	}
	return Recovery{State: state, Encoding: enc, Problem: state.Validate()}, nil
}

// Repository stores one instance's state at a fixed path.
type Repository struct {
	path     string
	encoding Encoding
}

// NewRepository creates a repository writing path with the given encoding.
func NewRepository(path string, enc Encoding) *Repository {
	if enc == "" {
		enc = EncodingJSON
	}
	return &Repository{path: path, encoding: enc}
}

// Path returns the state file location.
func (r *Repository) Path() string {
	return r.path
}

// Load reads and validates the persisted state.
func (r *Repository) Load() (WorkflowState, error) {
	return LoadStateValidated(r.path)
}

// Save atomically replaces the persisted state.
func (r *Repository) Save(state WorkflowState) error {
	return PersistState(state, r.path, r.encoding)
}

// DirectoryStore keeps one state file per instance under dir, named after
// the instance id of the snapshot being saved. Load returns the instance
// saved last.
type DirectoryStore struct {
	dir      string
	encoding Encoding

	mu         sync.Mutex
	instanceID string
}

// NewDirectoryStore creates a store writing into dir with the given encoding.
func NewDirectoryStore(dir string, enc Encoding) *DirectoryStore {
	if enc == "" {
		enc = EncodingJSON
	}
	return &DirectoryStore{dir: dir, encoding: enc}
}

// Path returns the state file of the last saved instance, or "" before the
// first save.
func (s *DirectoryStore) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instanceID == "" {
		return ""
	}
	return StatePath(s.dir, s.instanceID, s.encoding)
}

// Load reads and validates the last saved instance.
func (s *DirectoryStore) Load() (WorkflowState, error) {
	s.mu.Lock()
	id := s.instanceID
	s.mu.Unlock()
	if id == "" {
		return WorkflowState{}, fmt.Errorf("%w: nothing saved in %s", ErrStateNotFound, s.dir)
	}
	return LoadStateValidated(StatePath(s.dir, id, s.encoding))
}

// Save atomically replaces the state file of the snapshot's instance.
func (s *DirectoryStore) Save(state WorkflowState) error {
	if state.InstanceID == "" {
		return workflow.StateErrorf("state has no instance id")
	}
	if err := PersistState(state, StatePath(s.dir, state.InstanceID, s.encoding), s.encoding); err != nil {
		return err
	}
	s.mu.Lock()
	s.instanceID = state.InstanceID
	s.mu.Unlock()
	return nil
}

// SortByUpdated orders states most recently updated first.
func SortByUpdated(states []WorkflowState) {
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].UpdatedAt.After(states[j].UpdatedAt)
	})
}
