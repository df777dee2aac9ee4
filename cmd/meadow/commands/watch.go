package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/meadowops/meadow/pkg/manifest"
)

func newWatchCommand() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-plan whenever the manifest changes",
		Long: `Watch a manifest file and print a fresh plan on every change. Useful while
iterating on an environment definition; nothing is applied.`,
		Example: `  meadow watch -f env.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("failed to create watcher: %w", err)
			}
			defer watcher.Close()

			// Watch the directory: editors replace files on save, which
			// drops a watch registered on the file itself.
			dir := filepath.Dir(manifestPath)
			if err := watcher.Add(dir); err != nil {
				return fmt.Errorf("failed to watch %s: %w", dir, err)
			}

			replan := func() {
				m, err := manifest.Load(manifestPath)
				if err != nil {
					app.logger.Error().Err(err).Msg("Manifest rejected")
					return
				}
				plan, err := app.orchestrator.Plan(cmd.Context(), m.Environment, m.Descriptors())
				if err != nil {
					app.logger.Error().Err(err).Msg("Planning failed")
					return
				}
				printPlan(plan)
			}

			replan()
			app.logger.Info().Str("manifest", manifestPath).Msg("Watching for changes")

			target, err := filepath.Abs(manifestPath)
			if err != nil {
				return err
			}

			// Editors fire several events per save; debounce them.
			var debounce *time.Timer
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					path, err := filepath.Abs(event.Name)
					if err != nil || path != target {
						continue
					}
					if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
						continue
					}
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(250*time.Millisecond, replan)
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					app.logger.Error().Err(err).Msg("Watcher error")
				}
			}
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "file", "f", "env.yaml", "environment manifest path")
	return cmd
}
