package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newEnvsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "envs",
		Short: "List tracked environments",
		Example: `  meadow envs
  meadow envs --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			envs, err := app.store.ListEnvironments(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(envs)
			}

			if len(envs) == 0 {
				fmt.Println("No environments tracked.")
				return nil
			}

			now := app.clock.Now().UTC()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tOWNER\tEXPIRES\tSTATE")
			for _, env := range envs {
				state := "active"
				switch {
				case env.DestroyFailed:
					state = "destroy-failed"
				case env.Expired(now):
					state = "expired"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					env.Name, env.Owner, env.ExpiresAt.Format("2006-01-02 15:04"), state)
			}
			return w.Flush()
		},
	}
}
