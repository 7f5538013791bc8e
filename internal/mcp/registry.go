package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrServerNotFound is returned for an unknown server id.
	ErrServerNotFound = errors.New("mcp: server not found")
	// ErrToolNotFound is returned when no connected server provides a tool.
	ErrToolNotFound = errors.New("mcp: tool not found")
)

// failedConnectCloseTimeout bounds the release of a transport whose
// handshake failed.
var failedConnectCloseTimeout = 5 * time.Second

// Config holds registry settings.
type Config struct {
	Logger *slog.Logger
	// Timeout bounds each request to a server. Zero means no bound.
	Timeout time.Duration
	// Headers are sent with every HTTP transport request.
	Headers map[string]string
	// Dial overrides transport construction.
	Dial func(cfg ServerConfig, logger *slog.Logger) Transport
}

// Registry owns the sessions of one conversation turn. It is safe for
// concurrent use.
type Registry struct {
	config Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dial == nil {
		cfg.Dial = NewTransport
	}
	return &Registry{
		config:   cfg,
		logger:   cfg.Logger.With("component", "mcp"),
		sessions: make(map[string]*Session),
	}
}

// Connect opens a session to target. Targets with an http(s) scheme use the
// streamable HTTP transport; anything else is spawned as a stdio subprocess.
// On failure the partially opened transport is released and serverID is
// empty.
func (r *Registry) Connect(ctx context.Context, target string, args []string, env map[string]string) (status string, serverID string) {
	cfg := ServerConfig{
		Target:  target,
		Args:    args,
		Env:     env,
		Headers: r.config.Headers,
		Timeout: r.config.Timeout,
	}
	session := newSession(cfg, r.config.Dial(cfg, r.logger), r.logger)

	if err := session.initialize(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failedConnectCloseTimeout)
		r.closeSessions(closeCtx, session)
		cancel()
		r.logger.Error("failed to connect to MCP server", "target", target, "error", err)
		return fmt.Sprintf("Error connecting to %s: %v", target, err), ""
	}

	r.mu.Lock()
	r.sessions[session.ID] = session
	r.order = append(r.order, session.ID)
	r.mu.Unlock()

	tools := r.RefreshToolCache(ctx, session.ID)
	return fmt.Sprintf("Connected to %s with %d tools", target, len(tools)), session.ID
}

// Sessions returns the live sessions in connection order.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id])
	}
	return out
}

func (r *Registry) session(serverID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[serverID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
	}
	return s, nil
}

// RefreshToolCache refetches a server's catalog. Failures are logged and
// yield an empty list.
func (r *Registry) RefreshToolCache(ctx context.Context, serverID string) []Tool {
	s, err := r.session(serverID)
	if err != nil {
		r.logger.Warn("refresh tool cache", "error", err)
		return nil
	}
	tools, err := s.listTools(ctx)
	if err != nil {
		r.logger.Warn("failed to list tools", "server", serverID, "error", err)
		return nil
	}
	return tools
}

// FindServerForTool returns the id of the first server whose catalog has the
// tool. Servers without a filled cache are refreshed before giving up.
func (r *Registry) FindServerForTool(ctx context.Context, name string) (string, bool) {
	var uncached []*Session
	for _, s := range r.Sessions() {
		if _, ok := s.tool(name); ok {
			return s.ID, true
		}
		if _, cached := s.Tools(); !cached {
			uncached = append(uncached, s)
		}
	}
	for _, s := range uncached {
		r.RefreshToolCache(ctx, s.ID)
		if _, ok := s.tool(name); ok {
			return s.ID, true
		}
	}
	return "", false
}

// ListAllTools returns every cached tool across servers in vendor shape.
func (r *Registry) ListAllTools(ctx context.Context, format ToolFormat) []VendorTool {
	var out []VendorTool
	for _, s := range r.Sessions() {
		tools, cached := s.Tools()
		if !cached {
			tools = r.RefreshToolCache(ctx, s.ID)
		}
		for _, t := range tools {
			out = append(out, EncodeTool(t, format))
		}
	}
	return out
}

// ListAllResources enumerates resources on every server. Servers that fail
// or expose none are skipped.
func (r *Registry) ListAllResources(ctx context.Context) []ServerResource {
	var out []ServerResource
	for _, s := range r.Sessions() {
		resources, err := s.listResources(ctx)
		if err != nil {
			r.logger.Debug("list resources", "server", s.ID, "error", err)
			continue
		}
		for _, res := range resources {
			out = append(out, ServerResource{ServerID: s.ID, Resource: res})
		}
	}
	return out
}

// ReadResource fetches one resource as text. Binary content that cannot be
// shown as text returns an empty string.
func (r *Registry) ReadResource(ctx context.Context, serverID, uri string) (string, error) {
	s, err := r.session(serverID)
	if err != nil {
		return "", err
	}
	contents, err := s.readResource(ctx, uri)
	if err != nil {
		return "", fmt.Errorf("read resource %s: %w", uri, err)
	}
	text, _ := contentText(contents)
	return text, nil
}

// ResourceTexts reads every resource on every server and returns the ones
// that convert to text.
func (r *Registry) ResourceTexts(ctx context.Context) []string {
	var out []string
	for _, res := range r.ListAllResources(ctx) {
		text, err := r.ReadResource(ctx, res.ServerID, res.URI)
		if err != nil {
			r.logger.Warn("failed to read resource", "server", res.ServerID, "uri", res.URI, "error", err)
			continue
		}
		if text == "" {
			continue
		}
		out = append(out, text)
	}
	return out
}

// CallTool routes a call to the server that provides name and returns the
// flattened result. Results flagged isError are returned as errors.
func (r *Registry) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	serverID, ok := r.FindServerForTool(ctx, name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	s, err := r.session(serverID)
	if err != nil {
		return "", err
	}

	if tool, ok := s.tool(name); ok && hasSchema(tool.InputSchema) {
		schema, err := compileSchema(tool.InputSchema)
		if err != nil {
			r.logger.Warn("tool schema does not compile, skipping validation", "tool", name, "error", err)
		} else if err := validateArguments(schema, name, args); err != nil {
			return "", err
		}
	}

	result, err := s.callTool(ctx, name, args)
	if err != nil {
		return "", err
	}
	text := FormatToolResult(result)
	if result.IsError {
		return "", fmt.Errorf("tool reported error: %s", text)
	}
	return text, nil
}

// Cleanup closes every session concurrently. A failure on one server is
// logged and does not stop the others from closing. Cleanup returns once all
// sessions are closed or ctx ends, whichever comes first; sessions still
// closing at that point finish in the background.
func (r *Registry) Cleanup(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		sessions = append(sessions, r.sessions[id])
	}
	r.sessions = make(map[string]*Session)
	r.order = nil
	r.mu.Unlock()

	r.closeSessions(ctx, sessions...)
}

func (r *Registry) closeSessions(ctx context.Context, sessions ...*Session) {
	if len(sessions) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			r.closeSession(s)
		}(s)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("gave up waiting for MCP sessions to close", "sessions", len(sessions), "error", ctx.Err())
	}
}

func (r *Registry) closeSession(s *Session) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic closing MCP session", "server", s.ID, "panic", rec)
		}
	}()
	if err := s.close(); err != nil {
		r.logger.Warn("failed to close MCP session", "server", s.ID, "error", err)
	}
}
