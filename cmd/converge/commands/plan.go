package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openconverge/openconverge/pkg/config"
	"github.com/openconverge/openconverge/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		outFile string
		drift   bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute the operations that converge live state",
		Long: `Plan diffs the declared manifests against stored state and prints the
create, update and delete operations a sync cycle would apply, without
applying anything. With --drift the planner re-reads live state through
the providers first, so out-of-band changes surface in the diff.`,
		Example: `  # Show the pending operations
  converge plan

  # Save the plan as JSON
  converge plan --out plan.json

  # Include out-of-band changes in the diff
  converge plan --drift`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			plan, err := computePlan(cmd, rt, drift)
			if err != nil {
				return err
			}

			if rt.gate != nil {
				result, err := rt.gate.EvaluatePlan(ctx, rt.cfg.Scope, plan)
				if err != nil {
					return err
				}
				for _, v := range result.Violations {
					fmt.Fprintf(cmd.ErrOrStderr(), "policy %s: %s\n", v.Policy, v.Message)
				}
			}

			if outFile != "" {
				data, err := json.MarshalIndent(plan, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(outFile, data, 0o644); err != nil {
					return fmt.Errorf("write plan: %w", err)
				}
			}

			if jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(plan)
			}
			printPlan(cmd.OutOrStdout(), plan)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the plan as JSON to a file")
	cmd.Flags().BoolVar(&drift, "drift", false, "re-read live state before diffing")

	return cmd
}

// computePlan builds the graph from the current source tree and plans
// against it.
func computePlan(cmd *cobra.Command, rt *runtime, drift bool) (*engine.Plan, error) {
	ctx := cmd.Context()
	commit, err := rt.src.LatestCommit(ctx)
	if err != nil {
		return nil, err
	}
	files, err := rt.src.Tree(ctx, commit)
	if err != nil {
		return nil, err
	}
	specs, err := config.NewManifestParser().Parse(files)
	if err != nil {
		return nil, err
	}
	graph, err := engine.BuildGraph(specs)
	if err != nil {
		return nil, err
	}
	return rt.planner.Plan(ctx, graph, engine.PlanOptions{
		CommitID:   commit,
		DriftCheck: drift,
	})
}

func printPlan(out io.Writer, plan *engine.Plan) {
	for _, warning := range plan.Warnings {
		fmt.Fprintf(out, "warning: %s\n", warning)
	}

	if plan.Empty() {
		fmt.Fprintln(out, "No changes. Live state matches the declared manifests.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LEVEL\tOPERATION\tRESOURCE\tCHANGES")
	for _, op := range plan.Operations {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", op.Level, op.Kind, op.Resource, describeDiff(op))
	}
	w.Flush()

	fmt.Fprintf(out, "\nPlan: %d to create, %d to update, %d to delete (%d unchanged)\n",
		plan.Summary.ToCreate, plan.Summary.ToUpdate, plan.Summary.ToDelete, plan.Summary.NoChange)
}

func describeDiff(op engine.Operation) string {
	if op.Kind == engine.OperationDelete {
		return "-"
	}
	if op.Reason != "" {
		return fmt.Sprintf("%d (%s)", len(op.Diff), op.Reason)
	}
	return fmt.Sprintf("%d", len(op.Diff))
}
