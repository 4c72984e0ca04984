package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newFetchCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Run a one-shot Loader invocation, downloading and committing any new update",
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cobraCmd.Context(), 2*time.Minute)
			defer cancel()

			engine, err := buildEngine(ctx, *configPath)
			if err != nil {
				return err
			}
			defer engine.Close()

			result := engine.FetchUpdate(ctx)
			if result.Err != nil {
				return result.Err
			}
			fmt.Fprintf(cobraCmd.OutOrStdout(), "fetch result: %s\n", result.Kind)
			if result.Update != nil {
				fmt.Fprintf(cobraCmd.OutOrStdout(), "update id: %s, commit time: %s\n", result.Update.ID, result.Update.CommitTime)
			}
			return nil
		},
	}
}
