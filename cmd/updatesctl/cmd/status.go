package cmd

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the engine's current state-machine snapshot and launch decision",
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cobraCmd.Context(), 30*time.Second)
			defer cancel()

			engine, err := buildEngine(ctx, *configPath)
			if err != nil {
				return err
			}
			defer engine.Close()

			path, ok := engine.LaunchAssetFile(ctx)
			snap := engine.StateMachine().Snapshot()

			out := map[string]any{
				"launch_asset_path": path,
				"launched_from_remote_or_cache": ok,
				"state_machine": snap,
			}
			enc := json.NewEncoder(cobraCmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
