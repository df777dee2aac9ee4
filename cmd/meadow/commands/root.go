package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	dbPath     string
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
		Use:   "meadow",
		Short: "Meadow - Ephemeral Environment Orchestrator",
		Long: `Meadow provisions and tears down ephemeral environments from declarative
manifests: review apps, preview stacks, and integration sandboxes.

Features:
  - Deterministic dependency-ordered plans (create/update/delete/noop)
  - Parallel apply across independent branches
  - Lease-based environment locks with automatic renewal
  - Optimistically versioned state with resume after partial failure
  - TTL-based lifecycle reaping
  - OPA policy gating of plans before any mutation`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "meadow.db", "state database path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newEnvsCommand())
	rootCmd.AddCommand(newReapCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}
