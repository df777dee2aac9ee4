package commands

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func newReapCommand() *cobra.Command {
	var (
		once        bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Destroy environments whose TTL has expired",
		Long: `Run the lifecycle reaper. Each pass lists tracked environments, builds a
destroy plan for every expired one, and executes it under the environment
lock. Locked environments are skipped and retried on the next pass.`,
		Example: `  # One pass, then exit
  meadow reap --once

  # Run continuously until interrupted
  meadow reap`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			if once {
				result, err := app.reaper.Pass(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("Examined %d environments: %d reaped, %d skipped, %d failed\n",
					result.Examined, len(result.Reaped), len(result.Skipped), len(result.Failed))
				return nil
			}

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", app.metrics.Handler())
				go func() {
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						app.logger.Error().Err(err).Msg("Metrics endpoint failed")
					}
				}()
				app.logger.Info().Str("addr", metricsAddr).Msg("Serving metrics")
			}
			return app.reaper.Run(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	return cmd
}
