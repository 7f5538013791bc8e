package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// maxPages bounds cursor pagination against servers that never stop.
const maxPages = 64

// Session is one live connection to a tool server together with its cached
// tool catalog.
type Session struct {
	ID        string
	config    ServerConfig
	transport Transport
	logger    *slog.Logger

	mu         sync.RWMutex
	tools      []Tool
	cached     bool
	serverInfo ServerInfo
}

func newSession(cfg ServerConfig, transport Transport, logger *slog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:        id,
		config:    cfg,
		transport: transport,
		logger:    logger.With("mcp_server", id, "target", cfg.Target),
	}
}

// initialize runs the MCP handshake.
func (s *Session) initialize(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := s.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "chatbridge",
			"version": "1.0.0",
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}

	s.mu.Lock()
	s.serverInfo = initResult.ServerInfo
	s.mu.Unlock()
	s.logger.Info("connected to MCP server",
		"name", initResult.ServerInfo.Name,
		"version", initResult.ServerInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := s.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		s.logger.Warn("failed to send initialized notification", "error", err)
	}
	return nil
}

// ServerInfo returns what the server reported during initialize.
func (s *Session) ServerInfo() ServerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverInfo
}

// Tools returns the cached catalog and whether it has been filled.
func (s *Session) Tools() ([]Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tools, s.cached
}

func (s *Session) tool(name string) (Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// listTools fetches every page of tools/list and replaces the cache.
func (s *Session) listTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	cursor := ""
	for page := 0; page < maxPages; page++ {
		result, err := s.transport.Call(ctx, "tools/list", cursorParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		var resp ListToolsResult
		if err := json.Unmarshal(result, &resp); err != nil {
			return nil, fmt.Errorf("parse tools/list: %w", err)
		}
		tools = append(tools, resp.Tools...)
		if resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}

	s.mu.Lock()
	s.tools = tools
	s.cached = true
	s.mu.Unlock()
	s.logger.Debug("refreshed tools", "count", len(tools))
	return tools, nil
}

func (s *Session) listResources(ctx context.Context) ([]Resource, error) {
	var resources []Resource
	cursor := ""
	for page := 0; page < maxPages; page++ {
		result, err := s.transport.Call(ctx, "resources/list", cursorParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		var resp ListResourcesResult
		if err := json.Unmarshal(result, &resp); err != nil {
			return nil, fmt.Errorf("parse resources/list: %w", err)
		}
		resources = append(resources, resp.Resources...)
		if resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}
	return resources, nil
}

func (s *Session) readResource(ctx context.Context, uri string) ([]ResourceContent, error) {
	result, err := s.transport.Call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	var resp ReadResourceResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parse resources/read: %w", err)
	}
	return resp.Contents, nil
}

func (s *Session) callTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	result, err := s.transport.Call(ctx, "tools/call", CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var callResult CallToolResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse tools/call: %w", err)
	}
	return &callResult, nil
}

func (s *Session) close() error {
	return s.transport.Close()
}
