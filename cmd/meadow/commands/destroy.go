package commands

import (
	"github.com/spf13/cobra"

	"github.com/meadowops/meadow/pkg/telemetry"
)

func newDestroyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy NAME",
		Short: "Tear down an environment",
		Long: `Destroy every tracked resource of an environment in reverse dependency
order and remove the environment record once teardown completes.`,
		Example: `  meadow destroy review-42`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			ctx, span := app.tracer.Start(cmd.Context(), "environment.destroy",
				telemetry.AttrEnvironment.String(args[0]))
			defer span.End()

			report, err := app.orchestrator.Destroy(ctx, args[0])
			telemetry.RecordError(span, err)
			if report != nil {
				printReport(report)
			}
			return err
		},
	}
}
