// Package main provides the CLI entry point for chatbridge.
//
// chatbridge connects chat platforms (Discord, Slack, WhatsApp and a web
// endpoint) to an LLM that can call tools exposed by MCP servers.
//
// # Basic Usage
//
// Start every enabled bot:
//
//	chatbridge serve --config chatbridge.yaml
//
// Inspect the tool catalog the model would see:
//
//	chatbridge tools --config chatbridge.yaml
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: used when llm.api_key is empty and the provider is anthropic
//   - OPENAI_API_KEY: used when llm.api_key is empty and the provider is openai
//
// Any ${VAR} reference inside the configuration file is expanded as well.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "chatbridge.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chatbridge",
		Short: "chatbridge - chat platforms to LLM with MCP tools",
		Long: `chatbridge relays chat messages to an LLM and streams the reply back,
running the tools the model asks for on MCP servers along the way.

Supported channels: Discord, Slack, WhatsApp, Web
Supported LLM providers: Anthropic, OpenAI`,
		Version:      versionString(),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildToolsCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func versionString() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}
