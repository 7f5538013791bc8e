// Package gateway runs conversation turns: it admits the request, checks
// identity and quota, connects the user's tool servers, loads history and
// drives the orchestration loop under one wall-clock budget.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ttexan1/klavis-sub000/internal/channels"
	"github.com/ttexan1/klavis-sub000/internal/mcp"
	"github.com/ttexan1/klavis-sub000/internal/observability"
	"github.com/ttexan1/klavis-sub000/internal/orchestrator"
	"github.com/ttexan1/klavis-sub000/internal/providers"
	"github.com/ttexan1/klavis-sub000/internal/sessions"
	"github.com/ttexan1/klavis-sub000/internal/storage"
	"github.com/ttexan1/klavis-sub000/pkg/models"
)

// User-facing messages for turns that do not reach the model.
const (
	TimeoutMessage      = "Sorry, the request took too long to process. Please try again."
	BusyMessage         = "I'm still processing your previous message. Please wait..."
	QuotaMessage        = "You have reached your usage limit for today. Please try again tomorrow."
	NotConnectedMessage = "Your account is not connected yet. Please link it before chatting."
)

// ErrTurnTimeout marks a turn that ran out of time.
var ErrTurnTimeout = errors.New("turn timed out")

const (
	defaultTurnTimeout  = 200 * time.Second
	cleanupTimeout      = 10 * time.Second
	defaultHistoryLimit = 20
)

// ToolRegistry is the per-turn tool server session set. *mcp.Registry
// satisfies it.
type ToolRegistry interface {
	orchestrator.ToolSource
	Connect(ctx context.Context, target string, args []string, env map[string]string) (status string, serverID string)
	Cleanup(ctx context.Context)
}

// ServerOptions are launch options for a stdio tool server.
type ServerOptions struct {
	Args []string
	Env  map[string]string
}

// Config configures a Gateway.
type Config struct {
	Adapter providers.Adapter
	Stores  storage.StoreSet
	Locks   *sessions.UserLocks

	// NewRegistry creates the tool registry for one turn.
	NewRegistry func() ToolRegistry
	// ServerOptions holds stdio launch options keyed by server target.
	ServerOptions map[string]ServerOptions
	// CallTimeout and Headers configure the default registry.
	CallTimeout time.Duration
	Headers     map[string]string

	TurnTimeout       time.Duration
	HeartbeatInterval time.Duration
	HistoryLimit      int

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Gateway runs turns. It implements channels.TurnRunner.
type Gateway struct {
	cfg Config
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Gateway, error) {
	if cfg.Adapter == nil {
		return nil, errors.New("gateway: adapter is required")
	}
	if cfg.Stores.Verifier == nil || cfg.Stores.Servers == nil || cfg.Stores.Usage == nil || cfg.Stores.Messages == nil {
		return nil, errors.New("gateway: verifier, server source, usage limiter and message store are required")
	}
	if cfg.Locks == nil {
		cfg.Locks = sessions.NewUserLocks()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewRegistry == nil {
		registryConfig := mcp.Config{Logger: cfg.Logger, Timeout: cfg.CallTimeout, Headers: cfg.Headers}
		cfg.NewRegistry = func() ToolRegistry {
			return mcp.NewRegistry(registryConfig)
		}
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	return &Gateway{cfg: cfg}, nil
}

// RunTurn starts a turn for msg and returns its output stream, which closes
// when the turn is over. Refusals, failures and timeouts arrive as text.
func (g *Gateway) RunTurn(ctx context.Context, msg *models.InboundMessage, p channels.Platform) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		g.runTurn(ctx, msg, p, out)
	}()
	return out
}

func (g *Gateway) runTurn(ctx context.Context, msg *models.InboundMessage, p channels.Platform, out chan<- string) {
	turnID := uuid.NewString()
	channel := string(p.Name)
	ctx = observability.WithTurn(ctx, turnID, channel, msg.UserID)
	ctx, span := g.cfg.Tracer.TraceTurn(ctx, channel, msg.UserID)
	defer span.End()

	started := time.Now()
	outcome := "ok"
	defer func() {
		if rec := recover(); rec != nil {
			outcome = "error"
			g.cfg.Logger.ErrorContext(ctx, "turn panicked", "panic", rec)
			emit(ctx, out, fmt.Sprintf("%s%v", channels.ErrorPrefix, rec))
		}
		g.cfg.Metrics.RecordTurn(channel, outcome, time.Since(started).Seconds())
	}()

	reject := func(reason, text string) {
		outcome = "rejected"
		g.cfg.Metrics.RecordRejected(channel, reason)
		emit(ctx, out, text)
	}
	fail := func(step string, err error) {
		outcome = "error"
		observability.RecordError(span, err)
		g.cfg.Logger.ErrorContext(ctx, "turn failed", "step", step, "error", err)
		emit(ctx, out, channels.ErrorPrefix+err.Error())
	}

	userMsg, err := msg.ChatMessage()
	if err != nil {
		fail("message", err)
		return
	}

	release, err := g.cfg.Locks.TryAcquire(sessions.Key(channel, msg.UserID), turnID)
	if err != nil {
		reject("busy", BusyMessage)
		return
	}
	unlock := sync.OnceFunc(release)
	defer unlock()

	turnCtx, cancel := context.WithTimeout(ctx, g.cfg.TurnTimeout)
	defer cancel()

	tc := storage.TurnContext{
		Platform:       p.Name,
		UserID:         msg.UserID,
		UserName:       msg.UserName,
		ChannelID:      msg.ChannelID,
		ThreadID:       msg.ThreadID,
		ConversationID: msg.ConversationID(),
		Metadata:       msg.Metadata,
	}

	verification, err := g.cfg.Stores.Verifier.VerifyUser(turnCtx, tc)
	switch {
	case err != nil:
		fail("verify", err)
		return
	case verification.Error != "":
		reject("unverified", verification.Error)
		return
	case !verification.Connected:
		reject("unverified", NotConnectedMessage)
		return
	}

	allowed, err := g.cfg.Stores.Usage.CheckAndUpdateUsageLimit(turnCtx, tc)
	if err != nil {
		fail("quota", err)
		return
	}
	if !allowed {
		reject("quota", QuotaMessage)
		return
	}

	registry := g.cfg.NewRegistry()
	defer func() {
		// The user may start the next turn while tool servers shut down.
		unlock()
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		registry.Cleanup(cleanupCtx)
	}()
	g.connectServers(turnCtx, tc, registry)

	conv := g.loadConversation(turnCtx, tc.ConversationID)
	conv.ChannelID, conv.ThreadID = msg.ChannelID, msg.ThreadID
	if err := conv.Append(userMsg); err != nil {
		fail("history", err)
		return
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Adapter:           g.cfg.Adapter,
		Tools:             registry,
		SplitToken:        p.SplitToken,
		Instructions:      p.Instructions(),
		HeartbeatInterval: g.cfg.HeartbeatInterval,
		Logger:            g.cfg.Logger,
		Metrics:           g.cfg.Metrics,
		Tracer:            g.cfg.Tracer,
	})
	if err != nil {
		fail("orchestrator", err)
		return
	}

	persist := func(ctx context.Context, conversationID string, msgs []*models.ChatMessage) error {
		batch := append([]*models.ChatMessage{userMsg}, msgs...)
		return g.cfg.Stores.Messages.StoreNewMessages(ctx, conversationID, batch)
	}

	for token := range orch.Run(turnCtx, conv, persist) {
		// Past the deadline only the timeout notice below reaches the user.
		if turnCtx.Err() != nil {
			continue
		}
		if !emit(ctx, out, token) {
			cancel()
		}
	}

	if ctx.Err() == nil && errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
		outcome = "timeout"
		observability.RecordError(span, ErrTurnTimeout)
		g.cfg.Logger.WarnContext(ctx, "turn timed out", "timeout", g.cfg.TurnTimeout)
		emit(ctx, out, TimeoutMessage)
	}
}

// connectServers opens a session per configured server. Failures are
// logged and the turn continues with whatever connected.
func (g *Gateway) connectServers(ctx context.Context, tc storage.TurnContext, registry ToolRegistry) {
	urls, err := g.cfg.Stores.Servers.ServerURLs(ctx, tc)
	if err != nil {
		g.cfg.Logger.WarnContext(ctx, "could not resolve tool servers", "error", err)
		return
	}
	for _, target := range urls {
		opts := g.cfg.ServerOptions[target]
		status, serverID := registry.Connect(ctx, target, opts.Args, opts.Env)
		if serverID == "" {
			g.cfg.Logger.WarnContext(ctx, "tool server unavailable", "status", status)
			continue
		}
		g.cfg.Logger.DebugContext(ctx, "tool server connected", "status", status, "server_id", serverID)
	}
}

// loadConversation restores stored history. A window that starts in the
// middle of a tool exchange is trimmed until it validates.
func (g *Gateway) loadConversation(ctx context.Context, conversationID string) *models.Conversation {
	conv := models.NewConversation(conversationID)
	history, err := g.cfg.Stores.Messages.History(ctx, conversationID, g.cfg.HistoryLimit)
	if err != nil {
		g.cfg.Logger.WarnContext(ctx, "could not load history", "error", err)
		return conv
	}
	for len(history) > 0 {
		if history[0].Role == models.RoleUser && conv.Append(history...) == nil {
			return conv
		}
		history = history[1:]
	}
	return conv
}

func emit(ctx context.Context, out chan<- string, text string) bool {
	select {
	case out <- text:
		return true
	case <-ctx.Done():
		return false
	}
}
