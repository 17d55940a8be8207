package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var history int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stored resource state and recent cycles",
		Long: `Status reads the state store and prints every managed resource with its
lifecycle status and provider identifier, followed by the most recent
sync cycles for the configured scope.`,
		Example: `  # Current state and the last five cycles
  converge status

  # More history
  converge status --history 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			states, err := rt.store.ListResourceStates(ctx)
			if err != nil {
				return err
			}
			cycles, err := rt.store.ListSyncCycles(ctx, rt.cfg.Scope, history)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"resources": states,
					"cycles":    cycles,
				})
			}

			out := cmd.OutOrStdout()
			if len(states) == 0 {
				fmt.Fprintln(out, "No managed resources.")
			} else {
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "RESOURCE\tSTATUS\tPROVIDER ID\tLAST TRANSITION")
				for _, state := range states {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						state.ID, state.Status, state.ProviderID,
						state.LastTransition.Format("2006-01-02 15:04:05"))
				}
				w.Flush()
			}

			if len(cycles) > 0 {
				fmt.Fprintln(out)
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CYCLE\tTRIGGER\tOUTCOME\tCOMMIT\tSTARTED")
				for _, cycle := range cycles {
					fmt.Fprintf(w, "%.8s\t%s\t%s\t%.12s\t%s\n",
						cycle.ID, cycle.Trigger, cycle.Outcome, cycle.CommitID,
						cycle.StartedAt.Format("2006-01-02 15:04:05"))
				}
				w.Flush()
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&history, "history", 5, "number of recent cycles to show")

	return cmd
}
