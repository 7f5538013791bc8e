package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that runs the bots.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run every enabled chat bot",
		Long: `Run every enabled chat bot against the configured LLM provider.

The server will:
1. Load and validate the configuration file
2. Open the message and usage stores
3. Start the enabled bots and the metrics endpoint

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with the default config
  chatbridge serve

  # Start with debug logging
  chatbridge serve --config /etc/chatbridge/prod.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	return cmd
}

// buildToolsCmd creates the "tools" command that prints the tool catalog.
func buildToolsCmd() *cobra.Command {
	var (
		configPath string
		userID     string
	)

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Connect to the configured MCP servers and print their tools",
		Long: `Connect to the MCP servers a user would get and print the tool catalog
in the shape sent to the configured LLM provider.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd, configPath, userID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().StringVarP(&userID, "user", "u", "",
		"Resolve per-user servers for this platform:user key")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatbridge %s\n", versionString())
		},
	}
}
