package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openconverge/openconverge/pkg/engine"
)

func newDriftCommand() *cobra.Command {
	var fix bool

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Detect out-of-band changes to managed resources",
		Long: `Drift re-reads live state through the providers and diffs it against
both the stored state and the declared manifests. By default it only
reports what drifted; with --fix it runs a full drift-remediation cycle
that converges live state back to the declaration.`,
		Example: `  # Report drift without changing anything
  converge drift

  # Remediate detected drift
  converge drift --fix`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			if fix {
				cycle, err := rt.loop.RunOnce(ctx, engine.TriggerDrift)
				if err != nil {
					return err
				}
				if cycle == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "Cycle skipped.")
					return nil
				}
				if jsonOutput {
					return json.NewEncoder(cmd.OutOrStdout()).Encode(cycle)
				}
				printCycle(cmd, cycle)
				if cycle.Outcome != engine.OutcomeSucceeded {
					return fmt.Errorf("cycle %s: %s", cycle.ID, cycle.Outcome)
				}
				return nil
			}

			plan, err := computePlan(cmd, rt, true)
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(plan)
			}
			if len(plan.Warnings) == 0 && plan.Empty() {
				fmt.Fprintln(cmd.OutOrStdout(), "No drift detected.")
				return nil
			}
			printPlan(cmd.OutOrStdout(), plan)
			return nil
		},
	}

	cmd.Flags().BoolVar(&fix, "fix", false, "apply the remediation instead of only reporting")

	return cmd
}
