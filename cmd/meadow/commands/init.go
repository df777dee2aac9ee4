package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the state database",
		Long:  `Create the state database and apply schema migrations.`,
		Example: `  # Initialize with the default database path
  meadow init

  # Initialize a specific database
  meadow init --db /var/lib/meadow/state.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			if err := app.store.HealthCheck(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("State database ready at %s\n", dbPath)
			return nil
		},
	}
}
