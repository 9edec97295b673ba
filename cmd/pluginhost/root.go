package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the plugin host CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pluginhost",
		Short: "pluginhost - a runtime host for independently deployed plugins",
		Long: `pluginhost loads independently deployed plugins into one host,
shares host-owned singletons with them through an import map, and
hot-reloads a single plugin without disturbing the others.`,
		SilenceUsage: true,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/pluginhost/config.yaml)")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewPluginsCmd())
	cmd.AddCommand(NewReloadCmd())
	cmd.AddCommand(NewStatusCmd())

	return cmd
}
