package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-flow/internal/workflow"
	"github.com/kingrea/lattice-flow/internal/workflow/params"
	"github.com/kingrea/lattice-flow/internal/workflow/resolver"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [workflow]",
		Short: "Check a workflow's dependency graph and parameter references",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			wf, err := loadWorkflow(cfg, firstArg(args))
			if err != nil {
				return err
			}
			res := resolver.New(wf)
			if err := res.ValidateDependencies(); err != nil {
				return fmt.Errorf("workflow %s: %w", wf.ID, err)
			}
			if _, err := res.ExecutionOrder(); err != nil {
				return fmt.Errorf("workflow %s: %w", wf.ID, err)
			}
			if undeclared := undeclaredPlaceholders(wf); len(undeclared) > 0 {
				return workflow.Validationf("workflow %s references undeclared parameters: %s", wf.ID, strings.Join(undeclared, "; "))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workflow %s is valid: %d steps, %d parameters\n", wf.ID, len(wf.Steps), len(wf.Parameters))
			return nil
		},
	}
}

func newOrderCmd(opts *rootOptions) *cobra.Command {
	var targets []string
	cmd := &cobra.Command{
		Use:   "order [workflow]",
		Short: "Print the order steps would execute in",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			wf, err := loadWorkflow(cfg, firstArg(args))
			if err != nil {
				return err
			}
			res := resolver.New(wf)
			if err := res.ValidateDependencies(); err != nil {
				return fmt.Errorf("workflow %s: %w", wf.ID, err)
			}
			var order []string
			if len(targets) > 0 {
				order, err = res.Queue(nil, targets...)
			} else {
				order, err = res.ExecutionOrder()
			}
			if err != nil {
				return fmt.Errorf("workflow %s: %w", wf.ID, err)
			}
			out := cmd.OutOrStdout()
			for i, id := range order {
				node, _ := res.Node(id)
				line := fmt.Sprintf("%2d. %s", i+1, id)
				if deps := node.Step.Dependencies; len(deps) > 0 {
					line += fmt.Sprintf(" (after %s)", strings.Join(deps, ", "))
				}
				if node.Step.ApprovalRequired {
					line += " [approval]"
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&targets, "target", nil, "only list the steps needed to reach these steps")
	return cmd
}

// undeclaredPlaceholders lists step config placeholders that no workflow
// parameter declares, as "step: name" entries.
func undeclaredPlaceholders(wf workflow.Workflow) []string {
	declared := make(workflow.StepSet, len(wf.Parameters))
	for _, param := range wf.Parameters {
		declared.Add(param.Name)
	}
	var found []string
	for _, step := range wf.Steps {
		for _, name := range params.Placeholders(step.Config) {
			if !declared.Has(name) {
				found = append(found, fmt.Sprintf("%s: ${%s}", step.ID, name))
			}
		}
	}
	return found
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
