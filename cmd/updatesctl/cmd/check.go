package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run a one-shot remote check for an update without downloading assets",
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cobraCmd.Context(), 30*time.Second)
			defer cancel()

			engine, err := buildEngine(ctx, *configPath)
			if err != nil {
				return err
			}
			defer engine.Close()

			result := engine.CheckForUpdate(ctx)
			if result.Err != nil {
				return result.Err
			}
			fmt.Fprintf(cobraCmd.OutOrStdout(), "check result: %s\n", result.Kind)
			return nil
		},
	}
}
