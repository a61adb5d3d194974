package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-flow/internal/config"
	"github.com/kingrea/lattice-flow/internal/logbook"
	"github.com/kingrea/lattice-flow/internal/tui"
	"github.com/kingrea/lattice-flow/internal/workflow"
	"github.com/kingrea/lattice-flow/internal/workflow/engine"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "status [instance]",
		Short: "List workflow instances, or show one in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				return listInstances(cmd.OutOrStdout(), cfg)
			}
			return showInstance(cmd.OutOrStdout(), cfg, args[0], lines)
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 10, "journal lines to show")
	return cmd
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <instance>",
		Short: "Follow a workflow instance in a terminal view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			app, err := watchApp(cfg, args[0], interval)
			if err != nil {
				return err
			}
			p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "state refresh interval")
	return cmd
}

// watchApp builds the watch model for an instance. The workflow definition
// is looked up by id in the workflows directory; without it the view only
// lists steps the state has seen.
func watchApp(cfg *config.Config, instanceID string, interval time.Duration) (*tui.App, error) {
	path, err := engine.FindState(cfg.StateDir(), instanceID)
	if err != nil {
		return nil, err
	}
	appOpts := []tui.AppOption{
		tui.WithJournal(logbook.PathFor(cfg.JournalDir(), instanceID)),
		tui.WithRefreshInterval(interval),
	}
	if state, err := engine.LoadState(path); err == nil {
		if wf, err := workflow.LoadWorkflowRelative(cfg.WorkflowsDir(), state.WorkflowID); err == nil {
			appOpts = append(appOpts, tui.WithWorkflow(wf))
		}
	}
	return tui.NewApp(path, appOpts...), nil
}

func listInstances(out io.Writer, cfg *config.Config) error {
	ids, err := engine.ListInstances(cfg.StateDir())
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintf(out, "no workflow instances in %s\n", cfg.StateDir())
		return nil
	}
	states := make([]engine.WorkflowState, 0, len(ids))
	flagged := make(workflow.StepSet)
	for _, id := range ids {
		path, err := engine.FindState(cfg.StateDir(), id)
		if err != nil {
			return err
		}
		rec, err := engine.RecoverState(path)
		if err != nil {
			flagged.Add(id)
			states = append(states, engine.WorkflowState{InstanceID: id})
			continue
		}
		if !rec.Valid() {
			flagged.Add(id)
		}
		if rec.State.InstanceID == "" {
			rec.State.InstanceID = id
		}
		states = append(states, rec.State)
	}
	engine.SortByUpdated(states)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tWORKFLOW\tSTATUS\tDONE\tUPDATED")
	for _, state := range states {
		status := string(state.Status)
		if flagged.Has(state.InstanceID) {
			status = "unreadable"
			if state.Status != "" {
				status = string(state.Status) + " (invalid)"
			}
		}
		updated := "-"
		if !state.UpdatedAt.IsZero() {
			updated = state.UpdatedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", state.InstanceID, state.WorkflowID, status, len(state.CompletedSteps), updated)
	}
	return w.Flush()
}

func showInstance(out io.Writer, cfg *config.Config, instanceID string, lines int) error {
	path, err := engine.FindState(cfg.StateDir(), instanceID)
	if err != nil {
		return err
	}
	rec, err := engine.RecoverState(path)
	if err != nil {
		return err
	}
	state := rec.State
	fmt.Fprintf(out, "Instance: %s\n", state.InstanceID)
	fmt.Fprintf(out, "Workflow: %s\n", state.WorkflowID)
	fmt.Fprintf(out, "Status:   %s\n", tui.StatusLabel(state.Status))
	if state.Reason != "" {
		fmt.Fprintf(out, "Reason:   %s\n", state.Reason)
	}
	if state.AwaitingApproval != "" {
		fmt.Fprintf(out, "Awaiting: %s\n", state.AwaitingApproval)
	}
	if !state.StartedAt.IsZero() {
		fmt.Fprintf(out, "Started:  %s\n", state.StartedAt.Local().Format(time.DateTime))
	}
	fmt.Fprintf(out, "Updated:  %s\n", state.UpdatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(out, "File:     %s (%s)\n", path, rec.Encoding)
	if !rec.Valid() {
		fmt.Fprintf(out, "warning: state does not validate: %v\n", rec.Problem)
	}

	ids := make([]string, 0, len(state.StepResults))
	for id := range state.StepResults {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > 0 {
		fmt.Fprintln(out, "\nSteps:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, id := range ids {
			result := state.StepResults[id]
			fmt.Fprintf(w, "  %s\t%s\tattempt %d\t%dms\t%s\n", id, result.Status, result.Attempts, result.DurationMS, result.Error)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if lines > 0 {
		tail, total := logbook.TailFile(logbook.PathFor(cfg.JournalDir(), state.InstanceID), lines)
		if len(tail) > 0 {
			fmt.Fprintf(out, "\nJournal (last %d of %d lines):\n", len(tail), total)
			for _, line := range tail {
				fmt.Fprintf(out, "  %s\n", line)
			}
		}
	}
	return nil
}
