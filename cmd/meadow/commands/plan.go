package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meadowops/meadow/pkg/engine"
	"github.com/meadowops/meadow/pkg/manifest"
)

func newPlanCommand() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute the change set for an environment",
		Long: `Compare a manifest's desired resource set with the stored state and print
the resulting plan: creates, updates, deletes, and noops in dependency
order. Planning never takes the environment lock and never mutates state.`,
		Example: `  # Plan from a manifest
  meadow plan -f env.yaml

  # Machine-readable output
  meadow plan -f env.yaml --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.Load(manifestPath)
			if err != nil {
				return err
			}

			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			plan, err := app.orchestrator.Plan(cmd.Context(), m.Environment, m.Descriptors())
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(plan)
			}
			printPlan(plan)
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "file", "f", "env.yaml", "environment manifest path")
	return cmd
}

func printPlan(plan *engine.Plan) {
	summary := plan.Summary()
	fmt.Printf("Plan %s for environment %s\n", plan.ID, plan.Environment)
	fmt.Printf("  %d to create, %d to update, %d to delete, %d unchanged\n\n",
		summary.ToCreate, summary.ToUpdate, summary.ToDelete, summary.NoChange)

	for _, step := range plan.Steps {
		marker := map[engine.Operation]string{
			engine.OperationCreate: "+",
			engine.OperationUpdate: "~",
			engine.OperationDelete: "-",
			engine.OperationNoop:   " ",
		}[step.Op]
		fmt.Printf("  %s %-8s %s (%s, level %d)\n",
			marker, step.Op, step.Descriptor.ID, step.Descriptor.Kind, step.Level)
	}
	if !plan.HasChanges() {
		fmt.Println("\nNo changes. Environment matches the manifest.")
	}
}
