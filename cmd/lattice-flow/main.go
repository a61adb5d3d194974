package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-flow/internal/config"
	"github.com/kingrea/lattice-flow/internal/workflow"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	project string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "lattice-flow",
		Short:         "Run dependency-ordered workflows with persisted state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.project, "project", "", "path to the project directory (defaults to cwd)")

	root.AddCommand(
		newInitCmd(opts),
		newValidateCmd(opts),
		newOrderCmd(opts),
		newRunCmd(opts),
		newStatusCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the .lattice directory and default config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", cfg.LatticeProjectDir)
			return nil
		},
	}
}

// config resolves the project directory, makes sure .lattice exists and
// loads its config.
func (o *rootOptions) config() (*config.Config, error) {
	project := o.project
	if project == "" {
		var err error
		project, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("determine working directory: %w", err)
		}
	}
	absoluteProject, err := filepath.Abs(project)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}
	if err := config.InitLatticeDir(absoluteProject); err != nil {
		return nil, fmt.Errorf("init .lattice: %w", err)
	}
	cfg, err := config.NewConfig(absoluteProject)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// loadWorkflow accepts a file path, or a workflow name looked up in the
// configured workflows directory. An empty ref uses the default workflow.
func loadWorkflow(cfg *config.Config, ref string) (workflow.Workflow, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		ref = cfg.DefaultWorkflow()
	}
	for _, candidate := range []string{ref, filepath.Join(cfg.ProjectDir, ref)} {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return workflow.LoadWorkflowFile(candidate)
		}
	}
	wf, err := workflow.LoadWorkflowRelative(cfg.WorkflowsDir(), ref)
	if errors.Is(err, fs.ErrNotExist) {
		return workflow.Workflow{}, fmt.Errorf("workflow %q not found as a file or in %s", ref, cfg.WorkflowsDir())
	}
	return wf, err
}

type keyValueFlag map[string]string

func (kv *keyValueFlag) String() string {
	if kv == nil || len(*kv) == 0 {
		return ""
	}
	return strings.Join(kv.assignments(), ", ")
}

func (kv *keyValueFlag) Set(value string) error {
	parts := strings.SplitN(value, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	key := strings.TrimSpace(parts[0])
	if key == "" {
		return fmt.Errorf("parameter name is empty in %q", value)
	}
	if *kv == nil {
		*kv = keyValueFlag{}
	}
	(*kv)[key] = parts[1]
	return nil
}

func (kv *keyValueFlag) Type() string {
	return "key=value"
}

// assignments returns the pairs as sorted key=value strings.
func (kv *keyValueFlag) assignments() []string {
	if kv == nil {
		return nil
	}
	pairs := make([]string, 0, len(*kv))
	for key, value := range *kv {
		pairs = append(pairs, key+"="+value)
	}
	sort.Strings(pairs)
	return pairs
}
