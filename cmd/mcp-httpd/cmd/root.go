package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	return newRootCmd(viper.New())
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "mcp-httpd",
		SilenceUsage: true,
		Short:        "mcp-httpd serves MCP servers speaking stdio over HTTP and Server-Sent Events.",
	}

	cmd.PersistentFlags().String("config", "", "Path of a configuration file (YAML, JSON or TOML).")
	cmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn or error.")
	cmd.PersistentFlags().String("log-format", "text", "Log format: text or json.")

	cmd.AddCommand(
		serveCmd(v),
		callCmd(v),
		listenCmd(v),
	)

	return cmd
}
