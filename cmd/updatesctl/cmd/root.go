package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the updatesctl command tree.
func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "updatesctl",
		Short:         "Inspect and drive an expo-updates-engine instance",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")

	root.AddCommand(
		newStatusCmd(&configPath),
		newCheckCmd(&configPath),
		newFetchCmd(&configPath),
		newReloadCmd(&configPath),
		newServeDevBridgeCmd(&configPath),
	)
	return root
}
