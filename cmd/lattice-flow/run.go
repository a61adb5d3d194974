package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-flow/internal/config"
	"github.com/kingrea/lattice-flow/internal/logbook"
	"github.com/kingrea/lattice-flow/internal/logging"
	"github.com/kingrea/lattice-flow/internal/tui"
	"github.com/kingrea/lattice-flow/internal/workflow"
	"github.com/kingrea/lattice-flow/internal/workflow/engine"
	"github.com/kingrea/lattice-flow/internal/workflow/events"
	"github.com/kingrea/lattice-flow/internal/workflow/params"
	"github.com/kingrea/lattice-flow/internal/workflow/runner"
)

type runOptions struct {
	sets        keyValueFlag
	paramsFile  string
	autoApprove bool
	dryRun      bool
	resume      string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [workflow]",
		Short: "Execute a workflow, or resume a persisted instance",
		Long: `Execute a workflow until it completes, fails, is cancelled or stops at an
approval gate. Command steps run in the project directory; agent and tool
steps are recorded as dry runs. --resume continues a stopped instance and
unpauses a paused one; pass the same parameters again.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, root, opts, firstArg(args))
		},
	}
	flags := cmd.Flags()
	flags.Var(&opts.sets, "set", "workflow parameter (key=value, repeatable)")
	flags.StringVar(&opts.paramsFile, "params-file", "", "YAML/JSON file with workflow parameters")
	flags.BoolVar(&opts.autoApprove, "auto-approve", false, "approve every approval gate")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "record command steps instead of running them")
	flags.StringVar(&opts.resume, "resume", "", "instance id to resume")
	return cmd
}

func runWorkflow(cmd *cobra.Command, root *rootOptions, opts *runOptions, ref string) error {
	cfg, err := root.config()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.ProjectDir, cfg.LogLevel())
	if err != nil {
		return err
	}
	defer logger.Close()

	wf, err := loadWorkflow(cfg, ref)
	if err != nil {
		return err
	}
	values, err := opts.parameterValues()
	if err != nil {
		return err
	}
	if err := params.SubstituteInWorkflow(&wf, values); err != nil {
		return fmt.Errorf("workflow %s: %w", wf.ID, err)
	}

	machine, err := openMachine(cfg, wf, opts.resume, logger)
	if err != nil {
		return err
	}
	instanceID := machine.Snapshot().InstanceID
	journal, err := logbook.ForInstance(cfg.JournalDir(), instanceID)
	if err != nil {
		return err
	}

	router := events.NewRouter(events.RouterWithLogger(logger))
	runOpts := []runner.Option{
		runner.WithLogger(logger),
		runner.WithJournal(journal),
		runner.WithEvents(router),
		runner.WithMaxParallel(cfg.Runtime().MaxParallel),
		runner.WithStepTimeout(cfg.Runtime().StepTimeout),
		runner.WithRetryIntervals(cfg.Runtime().Retry.InitialInterval, cfg.Runtime().Retry.MaxInterval),
	}
	if approver := opts.approver(cmd.InOrStdin(), cmd.OutOrStdout()); approver != nil {
		runOpts = append(runOpts, runner.WithApprover(approver))
	}
	r, err := runner.New(machine, stepExecutor(cfg, opts.dryRun), runOpts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "workflow %s · instance %s\n", wf.ID, instanceID)
	sub := router.Subscribe(instanceID)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for event := range sub.Events {
			fmt.Fprintf(out, "  · %s\n", event)
		}
	}()
	state, runErr := r.Run(ctx)
	sub.Close()
	<-printed
	printSummary(out, wf, state)
	if runErr != nil {
		return runErr
	}
	switch state.Status {
	case engine.StatusFailed, engine.StatusCancelled:
		return fmt.Errorf("workflow %s %s: %s", wf.ID, state.Status, state.Reason)
	case engine.StatusWaitingApproval, engine.StatusPaused:
		fmt.Fprintf(out, "resume with: lattice-flow run %s --resume %s\n", wf.ID, instanceID)
	}
	return nil
}

func (o *runOptions) parameterValues() (map[string]workflow.Value, error) {
	var fromFile map[string]workflow.Value
	if path := strings.TrimSpace(o.paramsFile); path != "" {
		var err error
		fromFile, err = params.LoadValuesFile(path)
		if err != nil {
			return nil, err
		}
	}
	fromFlags, err := params.ParseAssignments(o.sets.assignments())
	if err != nil {
		return nil, err
	}
	return params.Merge(fromFile, fromFlags), nil
}

// approver picks how gates are decided: --auto-approve, an interactive
// prompt when stdin is a terminal, or none (the run stops at the gate).
func (o *runOptions) approver(in io.Reader, out io.Writer) runner.Approver {
	if o.autoApprove {
		return runner.AutoApprove
	}
	if f, ok := in.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return promptApprover(in, out)
	}
	return nil
}

func promptApprover(in io.Reader, out io.Writer) runner.Approver {
	reader := bufio.NewReader(in)
	return runner.ApproverFunc(func(ctx context.Context, step workflow.WorkflowStep) (bool, error) {
		fmt.Fprintf(out, "Approve step %s? [y/N] ", step.Label())
		line, err := reader.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			return false, fmt.Errorf("read approval for %s: %w", step.ID, err)
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	})
}

// openMachine creates a fresh instance persisted under the state dir, or
// restores the named instance in place, unpausing it if it was paused.
func openMachine(cfg *config.Config, wf workflow.Workflow, instanceID string, logger *logging.Logger) (*engine.Machine, error) {
	if strings.TrimSpace(instanceID) == "" {
		enc, err := engine.ParseEncoding(cfg.StateEncoding())
		if err != nil {
			return nil, err
		}
		store := engine.NewDirectoryStore(cfg.StateDir(), enc)
		return engine.New(wf, engine.WithStore(store), engine.WithLogger(logger))
	}
	path, err := engine.FindState(cfg.StateDir(), instanceID)
	if err != nil {
		return nil, err
	}
	state, err := engine.LoadStateValidated(path)
	if err != nil {
		return nil, err
	}
	enc, err := engine.ParseEncoding(strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return nil, err
	}
	machine, err := engine.Restore(wf, state, engine.WithStore(engine.NewRepository(path, enc)), engine.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	// Resuming a paused instance is the operator's way to unpause it.
	if state.Status == engine.StatusPaused {
		if err := machine.ResumeWorkflow(); err != nil {
			return nil, err
		}
	}
	return machine, nil
}

func stepExecutor(cfg *config.Config, dryRun bool) runner.Executor {
	var command runner.Executor = runner.Command{Dir: cfg.ProjectDir}
	if dryRun {
		command = runner.DryRun{}
	}
	return runner.Router{
		workflow.StepKindAgent:   runner.DryRun{},
		workflow.StepKindTool:    runner.DryRun{},
		workflow.StepKindCommand: command,
	}
}

func printSummary(out io.Writer, wf workflow.Workflow, state engine.WorkflowState) {
	fmt.Fprintf(out, "status: %s (%d%%)\n", tui.StatusLabel(state.Status), state.Progress(len(wf.Steps)))
	if state.Reason != "" {
		fmt.Fprintf(out, "reason: %s\n", state.Reason)
	}
	for _, id := range wf.StepIDs() {
		result, ok := state.StepResults[id]
		if !ok {
			continue
		}
		line := fmt.Sprintf("  %-16s %-9s attempt %d · %dms", id, result.Status, result.Attempts, result.DurationMS)
		if result.Error != "" {
			line += " · " + result.Error
		}
		fmt.Fprintln(out, line)
	}
	if state.AwaitingApproval != "" {
		fmt.Fprintf(out, "awaiting approval: %s\n", state.AwaitingApproval)
	}
}
