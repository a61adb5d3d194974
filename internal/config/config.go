// Package config handles project configuration and the .lattice directory
// structure. Every project that runs lattice-flow gets a .lattice/ folder in
// its root holding config.yaml, persisted workflow state, run journals and
// logs.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// LatticeDir is the name of the directory we create in each project
	LatticeDir = ".lattice"

	// StateDirEnv overrides state.dir from config.yaml.
	StateDirEnv = "LATTICE_FLOW_STATE_DIR"

	defaultWorkflowID     = "release"
	defaultWorkflowsDir   = "workflows"
	defaultStateEncoding  = "json"
	defaultMaxParallel    = 4
	defaultLogLevel       = "info"
	defaultRetryInitial   = time.Second
	defaultRetryMaxPeriod = 30 * time.Second
)

const defaultProjectConfigYAML = `# lattice-flow project configuration
version: 1

# Where workflow instance state is persisted. Encoding is json or yaml.
state:
  dir: .lattice/state
  encoding: json

# Execution limits applied when a workflow does not set its own.
runtime:
  max_parallel: 4
  step_timeout: 0s
  retry:
    initial_interval: 1s
    max_interval: 30s

workflows:
  dir: workflows
  default: release

logging:
  level: info
`

// StateConfig controls where and how workflow state is persisted.
type StateConfig struct {
	Dir      string `yaml:"dir"`
	Encoding string `yaml:"encoding"`
}

// RetryConfig bounds the exponential backoff between step retries.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// RuntimeConfig holds defaults for the execution driver.
type RuntimeConfig struct {
	MaxParallel int           `yaml:"max_parallel"`
	StepTimeout time.Duration `yaml:"step_timeout"`
	Retry       RetryConfig   `yaml:"retry"`
}

// WorkflowConfig captures workflow preferences.
type WorkflowConfig struct {
	Dir       string   `yaml:"dir"`
	Default   string   `yaml:"default"`
	Available []string `yaml:"available,omitempty"`
}

// LoggingConfig sets the log level for .lattice/logs.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ProjectConfig models .lattice/config.yaml.
type ProjectConfig struct {
	Version   int            `yaml:"version"`
	State     StateConfig    `yaml:"state"`
	Runtime   RuntimeConfig  `yaml:"runtime"`
	Workflows WorkflowConfig `yaml:"workflows"`
	Logging   LoggingConfig  `yaml:"logging"`
}

// Config holds the runtime configuration for lattice-flow.
type Config struct {
	// ProjectDir is the directory lattice-flow was started from.
	ProjectDir string

	// LatticeProjectDir is ProjectDir/.lattice
	LatticeProjectDir string

	Project ProjectConfig
}

// InitLatticeDir creates the .lattice directory structure in the given
// project directory.
//
// Structure created:
// .lattice/
// ├── config.yaml
// ├── logs/      <- lattice-flow.log
// ├── state/     <- one state file per workflow instance
// └── journal/   <- human readable run journals
func InitLatticeDir(projectDir string) error {
	latticeDir := filepath.Join(projectDir, LatticeDir)
	dirs := []string{
		filepath.Join(latticeDir, "logs"),
		filepath.Join(latticeDir, "state"),
		filepath.Join(latticeDir, "journal"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return ensureProjectConfig(filepath.Join(latticeDir, "config.yaml"))
}

// NewConfig creates a new Config instance populated with project settings.
func NewConfig(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	cfg := &Config{
		ProjectDir:        abs,
		LatticeProjectDir: filepath.Join(abs, LatticeDir),
		Project:           defaultProjectConfig(),
	}
	cfg.Project.normalize(abs)
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.LatticeProjectDir, "logs")
}

// JournalDir returns the directory holding per-instance run journals.
func (c *Config) JournalDir() string {
	return filepath.Join(c.LatticeProjectDir, "journal")
}

// StateDir returns the directory holding persisted workflow state. The
// LATTICE_FLOW_STATE_DIR environment variable takes precedence.
func (c *Config) StateDir() string {
	if override := strings.TrimSpace(os.Getenv(StateDirEnv)); override != "" {
		return resolvePath(c.ProjectDir, override)
	}
	return c.Project.State.Dir
}

// StateEncoding returns the encoding used for new state files.
func (c *Config) StateEncoding() string {
	return c.Project.State.Encoding
}

// WorkflowsDir returns the directory workflow definitions are loaded from.
func (c *Config) WorkflowsDir() string {
	return c.Project.Workflows.Dir
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.LatticeProjectDir, "config.yaml")
}

// Runtime returns execution defaults.
func (c *Config) Runtime() RuntimeConfig {
	return c.Project.Runtime
}

// LogLevel returns the configured log level name.
func (c *Config) LogLevel() string {
	return c.Project.Logging.Level
}

// DefaultWorkflow returns the configured default workflow identifier.
func (c *Config) DefaultWorkflow() string {
	return c.Project.Workflows.Default
}

// SetDefaultWorkflow updates the default workflow identifier and persists the
// value back to .lattice/config.yaml. The workflow ID is also appended to the
// available list.
func (c *Config) SetDefaultWorkflow(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("config: workflow id is required")
	}
	c.Project.Workflows.Default = id
	if !contains(c.Project.Workflows.Available, id) {
		c.Project.Workflows.Available = append(c.Project.Workflows.Available, id)
	}
	return c.saveProjectConfig()
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := defaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize(c.ProjectDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version: 1,
		State: StateConfig{
			Dir:      filepath.Join(LatticeDir, "state"),
			Encoding: defaultStateEncoding,
		},
		Runtime: RuntimeConfig{
			MaxParallel: defaultMaxParallel,
			Retry: RetryConfig{
				InitialInterval: defaultRetryInitial,
				MaxInterval:     defaultRetryMaxPeriod,
			},
		},
		Workflows: WorkflowConfig{
			Dir:     defaultWorkflowsDir,
			Default: defaultWorkflowID,
		},
		Logging: LoggingConfig{Level: defaultLogLevel},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	defaults := defaultProjectConfig()
	if pc.Version == 0 {
		pc.Version = 1
	}
	if strings.TrimSpace(pc.State.Dir) == "" {
		pc.State.Dir = defaults.State.Dir
	}
	if strings.TrimSpace(pc.State.Encoding) == "" {
		pc.State.Encoding = defaults.State.Encoding
	}
	if pc.Runtime.Retry.InitialInterval <= 0 {
		pc.Runtime.Retry.InitialInterval = defaults.Runtime.Retry.InitialInterval
	}
	if pc.Runtime.Retry.MaxInterval <= 0 {
		pc.Runtime.Retry.MaxInterval = defaults.Runtime.Retry.MaxInterval
	}
	if strings.TrimSpace(pc.Workflows.Dir) == "" {
		pc.Workflows.Dir = defaults.Workflows.Dir
	}
	if strings.TrimSpace(pc.Logging.Level) == "" {
		pc.Logging.Level = defaults.Logging.Level
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.State.Dir = resolvePath(base, pc.State.Dir)
	pc.State.Encoding = strings.ToLower(strings.TrimSpace(pc.State.Encoding))
	pc.Workflows.Dir = resolvePath(base, pc.Workflows.Dir)
	pc.Logging.Level = strings.ToLower(strings.TrimSpace(pc.Logging.Level))
	pc.Workflows.Default = strings.TrimSpace(pc.Workflows.Default)
	if pc.Workflows.Default == "" {
		pc.Workflows.Default = defaultWorkflowID
	}
	if len(pc.Workflows.Available) > 0 && !contains(pc.Workflows.Available, pc.Workflows.Default) {
		pc.Workflows.Available = append(pc.Workflows.Available, pc.Workflows.Default)
	}
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	switch pc.State.Encoding {
	case "json", "yaml":
	default:
		return fmt.Errorf("state.encoding must be 'json' or 'yaml'")
	}
	if pc.Runtime.MaxParallel < 0 {
		return fmt.Errorf("runtime.max_parallel must be >= 0")
	}
	if pc.Runtime.StepTimeout < 0 {
		return fmt.Errorf("runtime.step_timeout must be >= 0")
	}
	if pc.Runtime.Retry.MaxInterval < pc.Runtime.Retry.InitialInterval {
		return fmt.Errorf("runtime.retry.max_interval must be >= initial_interval")
	}
	switch pc.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	if strings.TrimSpace(pc.Workflows.Default) == "" {
		return fmt.Errorf("workflows.default is required")
	}
	return nil
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), target) {
			return true
		}
	}
	return false
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}

func (c *Config) saveProjectConfig() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults()
	c.Project.normalize(c.ProjectDir)
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.LatticeProjectDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure lattice dir: %w", err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}
