package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status NAME",
		Short: "Show an environment's resources, lock, and TTL",
		Example: `  meadow status review-42
  meadow status review-42 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			status, err := app.orchestrator.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(status)
			}

			env := status.Environment
			fmt.Printf("Environment %s (owner: %s)\n", env.Name, env.Owner)
			fmt.Printf("  Created:  %s\n", env.CreatedAt.Format("2006-01-02 15:04:05 MST"))
			fmt.Printf("  Expires:  %s", env.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
			if status.TTLRemain > 0 {
				fmt.Printf(" (%s remaining)", status.TTLRemain.Round(0))
			} else {
				fmt.Print(" (expired)")
			}
			fmt.Println()
			if env.DestroyFailed {
				fmt.Println("  Warning:  last destroy attempt failed; the reaper will retry")
			}
			if status.Lock != nil {
				fmt.Printf("  Locked:   until %s\n", status.Lock.ExpiresAt.Format("15:04:05"))
			}

			ids := make([]string, 0, len(status.Resources))
			for id := range status.Resources {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			fmt.Printf("\nResources (%d):\n", len(ids))
			for _, id := range ids {
				res := status.Resources[id]
				fmt.Printf("  %-20s %-10s %-10s v%d  %s\n",
					id, res.Kind, res.Status, res.Version, res.ExternalID)
			}
			return nil
		},
	}
}
