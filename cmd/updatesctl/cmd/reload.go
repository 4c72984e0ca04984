package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newReloadCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Rebuild the launchable update and point the host at it",
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cobraCmd.Context(), 30*time.Second)
			defer cancel()

			engine, err := buildEngine(ctx, *configPath)
			if err != nil {
				return err
			}
			defer engine.Close()

			if err := engine.Reload(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cobraCmd.OutOrStdout(), "reload complete")
			return nil
		},
	}
}
