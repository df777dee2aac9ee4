package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/meadowops/meadow/pkg/engine"
	"github.com/meadowops/meadow/pkg/manifest"
	"github.com/meadowops/meadow/pkg/telemetry"
)

func newApplyCommand() *cobra.Command {
	var (
		manifestPath string
		ttlOverride  string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a manifest to an environment",
		Long: `Acquire the environment lock, re-plan against fresh state, gate the plan
through policy, and execute it. Independent resources apply in parallel;
the TTL is refreshed only when the run completes cleanly.`,
		Example: `  # Apply a manifest
  meadow apply -f env.yaml

  # Apply with an explicit TTL
  meadow apply -f env.yaml --ttl 8h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.Load(manifestPath)
			if err != nil {
				return err
			}
			req := m.ApplyRequest()
			if ttlOverride != "" {
				ttl, err := time.ParseDuration(ttlOverride)
				if err != nil {
					return fmt.Errorf("invalid --ttl: %w", err)
				}
				req.TTL = ttl
			}

			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			ctx, span := app.tracer.StartApplySpan(cmd.Context(), req.Environment, "")
			defer span.End()

			report, err := app.orchestrator.Apply(ctx, req)
			telemetry.RecordError(span, err)
			if report != nil {
				span.SetAttributes(
					telemetry.AttrPlanID.String(report.PlanID),
					telemetry.AttrRunID.String(report.RunID),
				)
				printReport(report)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "file", "f", "env.yaml", "environment manifest path")
	cmd.Flags().StringVar(&ttlOverride, "ttl", "", "override the manifest TTL, e.g. 8h")
	return cmd
}

func printReport(report *engine.Report) {
	if jsonOutput {
		_ = json.NewEncoder(os.Stdout).Encode(report)
		return
	}

	fmt.Printf("Run %s (%s): %s\n", report.RunID, report.Environment, report.Status)
	for _, res := range report.Results {
		line := fmt.Sprintf("  %-8s %-20s %s", res.Op, res.ResourceID, res.Status)
		if res.Attempts > 1 {
			line += fmt.Sprintf(" (attempts: %d)", res.Attempts)
		}
		if res.Error != nil {
			line += fmt.Sprintf(" - %s", res.Error.Message)
		}
		fmt.Println(line)
	}
	if report.FirstError != nil {
		fmt.Printf("\nFirst error: %s\n", report.FirstError.Error())
	}
}
