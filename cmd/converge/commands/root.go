package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "converge",
		Short: "OpenConverge - Declarative Infrastructure Reconciliation Engine",
		Long: `OpenConverge continuously reconciles declared infrastructure with live
state. It reads YAML manifests from a source tree, builds a dependency
graph, plans the operations that close the gap and applies them level by
level with partial-failure containment.

Features:
  - Dependency graphs with ${type.name.attr} interpolation
  - Deterministic plans with create/update/delete diffs
  - Level-parallel apply with retry and skip propagation
  - GitOps sync loop with drift detection and scoped leases
  - Rego policy gating of destructive plans
  - SQLite-backed state, cycle history and events`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "converge.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newDriftCommand())
	rootCmd.AddCommand(newStatusCommand())

	return rootCmd
}
