package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openconverge/openconverge/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Run one reconciliation cycle",
		Long: `Apply runs a single manually triggered reconciliation cycle: fetch the
source tree, plan, gate through policy and apply the operations. The
cycle takes the scope lease, writes through the state store and is
recorded in the cycle history like any loop-driven cycle.`,
		Example: `  # Converge once and exit
  converge apply

  # Machine-readable cycle record
  converge apply --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			cycle, err := rt.loop.RunOnce(ctx, engine.TriggerManual)
			if err != nil {
				return err
			}
			if cycle == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Cycle skipped.")
				return nil
			}

			if jsonOutput {
				if err := json.NewEncoder(cmd.OutOrStdout()).Encode(cycle); err != nil {
					return err
				}
			} else {
				printCycle(cmd, cycle)
			}

			if cycle.Outcome != engine.OutcomeSucceeded {
				return fmt.Errorf("cycle %s: %s", cycle.ID, cycle.Outcome)
			}
			return nil
		},
	}
	return cmd
}

func printCycle(cmd *cobra.Command, cycle *engine.SyncCycle) {
	out := cmd.OutOrStdout()
	for _, op := range cycle.Operations {
		line := fmt.Sprintf("%s %s: %s", op.Kind, op.Resource, op.Status)
		if op.Error != "" {
			line += " (" + op.Error + ")"
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "Cycle %s %s: %d created, %d updated, %d deleted\n",
		cycle.ID, cycle.Outcome,
		cycle.Summary.ToCreate, cycle.Summary.ToUpdate, cycle.Summary.ToDelete)
}
