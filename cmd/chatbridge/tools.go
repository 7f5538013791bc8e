package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ttexan1/klavis-sub000/internal/config"
	"github.com/ttexan1/klavis-sub000/internal/mcp"
	"github.com/ttexan1/klavis-sub000/internal/storage"
	"github.com/ttexan1/klavis-sub000/pkg/models"
)

// runTools connects to the servers a user would get and prints the tool
// catalog in the configured provider's shape.
func runTools(cmd *cobra.Command, configPath, userKey string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	tc := turnContextFor(userKey)
	source := storage.StaticServerSource{Default: cfg.MCP.Servers, PerUser: cfg.MCP.UserServers}
	targets, err := source.ServerURLs(cmd.Context(), tc)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	if len(targets) == 0 {
		fmt.Fprintln(out, "No MCP servers configured.")
		return nil
	}

	registry := mcp.NewRegistry(mcp.Config{
		Logger:  slog.Default(),
		Timeout: cfg.MCP.CallTimeout,
		Headers: cfg.MCP.Headers,
	})
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 10*time.Second)
		defer cancel()
		registry.Cleanup(cleanupCtx)
	}()

	for _, target := range targets {
		opt := cfg.MCP.Options[target]
		status, _ := registry.Connect(cmd.Context(), target, opt.Args, opt.Env)
		fmt.Fprintln(errOut, status)
	}

	catalog := registry.ListAllTools(cmd.Context(), toolFormat(cfg.LLM.Provider))
	data, err := json.MarshalIndent(catalog, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tools: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}

// turnContextFor turns a "platform:user" key into a TurnContext.
func turnContextFor(key string) storage.TurnContext {
	platform, user, ok := strings.Cut(key, ":")
	if !ok {
		return storage.TurnContext{UserID: key}
	}
	return storage.TurnContext{Platform: models.ChannelType(platform), UserID: user}
}

func toolFormat(provider string) mcp.ToolFormat {
	if provider == "openai" {
		return mcp.FormatOpenAI
	}
	return mcp.FormatAnthropic
}
