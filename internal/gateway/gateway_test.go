package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ttexan1/klavis-sub000/internal/channels"
	"github.com/ttexan1/klavis-sub000/internal/mcp"
	"github.com/ttexan1/klavis-sub000/internal/providers"
	"github.com/ttexan1/klavis-sub000/internal/sessions"
	"github.com/ttexan1/klavis-sub000/internal/storage"
	"github.com/ttexan1/klavis-sub000/pkg/models"
)

type stubAdapter struct {
	mu       sync.Mutex
	requests []providers.Request
	respond  func(ctx context.Context, emit func(string) bool) ([]*models.ChatMessage, error)
}

func (a *stubAdapter) Name() string               { return "stub" }
func (a *stubAdapter) ToolFormat() mcp.ToolFormat { return mcp.FormatAnthropic }

func (a *stubAdapter) Stream(ctx context.Context, req providers.Request) *providers.Round {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()
	return providers.NewRound(ctx, func(emit func(string) bool) ([]*models.ChatMessage, error) {
		if a.respond != nil {
			return a.respond(ctx, emit)
		}
		emit("hi there")
		return []*models.ChatMessage{models.MustChatMessage(models.RoleAssistant, models.TextContent{Text: "hi there"})}, nil
	})
}

func (a *stubAdapter) calls() []providers.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]providers.Request(nil), a.requests...)
}

type stubRegistry struct {
	mu        sync.Mutex
	connected []string
	args      [][]string
	cleaned   bool
	fail      bool
	onCleanup func()
}

func (r *stubRegistry) Connect(ctx context.Context, target string, args []string, env map[string]string) (string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return "failed to connect to " + target, ""
	}
	r.connected = append(r.connected, target)
	r.args = append(r.args, args)
	return "connected to " + target, "srv-" + target
}

func (r *stubRegistry) Cleanup(ctx context.Context) {
	r.mu.Lock()
	r.cleaned = true
	hook := r.onCleanup
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (r *stubRegistry) ListAllTools(ctx context.Context, format mcp.ToolFormat) []mcp.VendorTool {
	return nil
}

func (r *stubRegistry) ResourceTexts(ctx context.Context) []string { return nil }

func (r *stubRegistry) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	return "", errors.New("no tools")
}

type fixture struct {
	gateway  *Gateway
	adapter  *stubAdapter
	registry *stubRegistry
	messages *storage.MemoryMessageStore
	locks    *sessions.UserLocks
	created  int
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		adapter:  &stubAdapter{},
		registry: &stubRegistry{},
		messages: storage.NewMemoryMessageStore(),
		locks:    sessions.NewUserLocks(),
	}
	cfg := Config{
		Adapter: f.adapter,
		Stores: storage.StoreSet{
			Verifier: storage.AllowListVerifier{},
			Servers:  storage.StaticServerSource{Default: []string{"calculator-mcp"}},
			Usage:    storage.NewMemoryUsageLimiter(0),
			Messages: f.messages,
		},
		Locks: f.locks,
		NewRegistry: func() ToolRegistry {
			f.created++
			return f.registry
		},
		ServerOptions: map[string]ServerOptions{"calculator-mcp": {Args: []string{"--stdio"}}},
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.gateway = g
	return f
}

func inbound(text string) *models.InboundMessage {
	return &models.InboundMessage{
		ID:        "m1",
		Channel:   models.ChannelSlack,
		UserID:    "U1",
		ChannelID: "C1",
		Text:      text,
	}
}

func drain(t *testing.T, ch <-chan string) []string {
	t.Helper()
	var out []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case tok, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, tok)
		case <-timeout:
			t.Fatalf("turn did not finish; got %q", out)
		}
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without adapter")
	}
	if _, err := New(Config{Adapter: &stubAdapter{}}); err == nil {
		t.Fatal("expected error without stores")
	}
}

func TestRunTurnHappyPath(t *testing.T) {
	f := newFixture(t, nil)

	got := drain(t, f.gateway.RunTurn(context.Background(), inbound("hello"), channels.Slack))
	if strings.Join(got, "") != "hi there" {
		t.Fatalf("tokens = %q", got)
	}
	if f.created != 1 || !f.registry.cleaned {
		t.Fatalf("registry created=%d cleaned=%v", f.created, f.registry.cleaned)
	}
	if len(f.registry.connected) != 1 || f.registry.connected[0] != "calculator-mcp" {
		t.Fatalf("connected = %v", f.registry.connected)
	}
	if len(f.registry.args[0]) != 1 || f.registry.args[0][0] != "--stdio" {
		t.Fatalf("args = %v", f.registry.args)
	}

	reqs := f.adapter.calls()
	if len(reqs) != 1 {
		t.Fatalf("rounds = %d", len(reqs))
	}
	if !strings.Contains(reqs[0].Instructions, channels.SlackSplitToken) {
		t.Fatalf("instructions missing split token: %q", reqs[0].Instructions)
	}

	history, err := f.messages.History(context.Background(), "slack:C1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].Text() != "hello" || history[1].Text() != "hi there" {
		t.Fatalf("stored history = %d messages", len(history))
	}
	if f.locks.IsLocked(sessions.Key("slack", "U1")) {
		t.Fatal("lock still held after turn")
	}
}

func TestRunTurnLoadsHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	drain(t, f.gateway.RunTurn(ctx, inbound("first"), channels.Slack))
	drain(t, f.gateway.RunTurn(ctx, inbound("second"), channels.Slack))

	reqs := f.adapter.calls()
	if len(reqs) != 2 {
		t.Fatalf("rounds = %d", len(reqs))
	}
	history := reqs[1].History
	if len(history) != 3 {
		t.Fatalf("second turn history = %d messages", len(history))
	}
	if history[0].Text() != "first" || history[2].Text() != "second" {
		t.Fatalf("history order wrong: %q .. %q", history[0].Text(), history[2].Text())
	}
}

func TestRunTurnRejectsBusyUser(t *testing.T) {
	f := newFixture(t, nil)
	release, err := f.locks.TryAcquire(sessions.Key("slack", "U1"), "other")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	got := drain(t, f.gateway.RunTurn(context.Background(), inbound("hello"), channels.Slack))
	if len(got) != 1 || got[0] != BusyMessage {
		t.Fatalf("tokens = %q", got)
	}
	if len(f.adapter.calls()) != 0 || f.created != 0 {
		t.Fatal("busy turn reached the model")
	}
}

func TestRunTurnTimeout(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.TurnTimeout = 50 * time.Millisecond })
	f.adapter.respond = func(ctx context.Context, emit func(string) bool) ([]*models.ChatMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	got := drain(t, f.gateway.RunTurn(context.Background(), inbound("slow"), channels.Slack))
	if len(got) == 0 || got[len(got)-1] != TimeoutMessage {
		t.Fatalf("tokens = %q", got)
	}
	if f.locks.IsLocked(sessions.Key("slack", "U1")) {
		t.Fatal("lock not released after timeout")
	}
	if !f.registry.cleaned {
		t.Fatal("registry not cleaned up")
	}
	history, _ := f.messages.History(context.Background(), "slack:C1", 10)
	if len(history) != 0 {
		t.Fatalf("timed out turn persisted %d messages", len(history))
	}
}

func TestRunTurnTimeoutMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	adapter, err := providers.NewOpenAIAdapter(providers.Config{
		APIKey:      "test-key",
		BaseURL:     srv.URL + "/v1",
		Model:       "gpt-test",
		MaxAttempts: 1,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, func(cfg *Config) {
		cfg.Adapter = adapter
		cfg.TurnTimeout = 30 * time.Millisecond
	})

	// The deadline races the in-band stream error; repeat to catch a leak.
	for i := 0; i < 10; i++ {
		got := drain(t, f.gateway.RunTurn(context.Background(), inbound("slow"), channels.Slack))
		if len(got) != 1 || got[0] != TimeoutMessage {
			t.Fatalf("run %d: tokens = %q, want only the timeout message", i, got)
		}
		if f.locks.IsLocked(sessions.Key("slack", "U1")) {
			t.Fatalf("run %d: lock not released", i)
		}
	}
}

func TestRunTurnReleasesLockBeforeCleanup(t *testing.T) {
	f := newFixture(t, nil)
	key := sessions.Key("slack", "U1")
	var lockedDuringCleanup bool
	f.registry.onCleanup = func() {
		lockedDuringCleanup = f.locks.IsLocked(key)
	}

	got := drain(t, f.gateway.RunTurn(context.Background(), inbound("hello"), channels.Slack))
	if strings.Join(got, "") != "hi there" {
		t.Fatalf("tokens = %q", got)
	}
	if !f.registry.cleaned {
		t.Fatal("registry not cleaned up")
	}
	if lockedDuringCleanup {
		t.Fatal("user lock held while tool servers were closing")
	}
}

func TestRunTurnRefusals(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name: "not linked",
			mutate: func(cfg *Config) {
				cfg.Stores.Verifier = storage.AllowListVerifier{Allowed: []string{"someone-else"}}
			},
			want: "User U1 is not linked to this bot. Ask an administrator to grant access.",
		},
		{
			name: "not connected",
			mutate: func(cfg *Config) {
				cfg.Stores.Verifier = verifierFunc(func(context.Context, storage.TurnContext) (storage.Verification, error) {
					return storage.Verification{}, nil
				})
			},
			want: NotConnectedMessage,
		},
		{
			name: "verifier error",
			mutate: func(cfg *Config) {
				cfg.Stores.Verifier = verifierFunc(func(context.Context, storage.TurnContext) (storage.Verification, error) {
					return storage.Verification{}, errors.New("backend down")
				})
			},
			want: channels.ErrorPrefix + "backend down",
		},
		{
			name:   "quota",
			mutate: func(cfg *Config) { cfg.Stores.Usage = exhausted{} },
			want:   QuotaMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.mutate)
			got := drain(t, f.gateway.RunTurn(context.Background(), inbound("hello"), channels.Slack))
			if len(got) != 1 || got[0] != tt.want {
				t.Fatalf("tokens = %q, want %q", got, tt.want)
			}
			if len(f.adapter.calls()) != 0 {
				t.Fatal("refused turn reached the model")
			}
			if f.locks.Len() != 0 {
				t.Fatal("lock leaked")
			}
		})
	}
}

func TestRunTurnQuotaCountsTurns(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.Stores.Usage = storage.NewMemoryUsageLimiter(1) })
	ctx := context.Background()

	drain(t, f.gateway.RunTurn(ctx, inbound("one"), channels.Slack))
	got := drain(t, f.gateway.RunTurn(ctx, inbound("two"), channels.Slack))
	if len(got) != 1 || got[0] != QuotaMessage {
		t.Fatalf("tokens = %q", got)
	}
}

func TestRunTurnContinuesWhenServersFail(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.fail = true

	got := drain(t, f.gateway.RunTurn(context.Background(), inbound("hello"), channels.Slack))
	if strings.Join(got, "") != "hi there" {
		t.Fatalf("tokens = %q", got)
	}
}

func TestRunTurnEmptyMessage(t *testing.T) {
	f := newFixture(t, nil)
	msg := inbound("")

	got := drain(t, f.gateway.RunTurn(context.Background(), msg, channels.Slack))
	if len(got) != 1 || !strings.HasPrefix(got[0], channels.ErrorPrefix) {
		t.Fatalf("tokens = %q", got)
	}
}

func TestLoadConversationTrimsOrphanedToolResults(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	orphan := models.MustChatMessage(models.RoleTool, models.ToolResultContent{ToolCallID: "toolu_gone", Result: "4"})
	answer := models.MustChatMessage(models.RoleAssistant, models.TextContent{Text: "4"})
	question := models.MustChatMessage(models.RoleUser, models.TextContent{Text: "again?"})
	if err := f.messages.StoreNewMessages(ctx, "slack:C1", []*models.ChatMessage{orphan, answer, question}); err != nil {
		t.Fatal(err)
	}

	conv := f.gateway.loadConversation(ctx, "slack:C1")
	if conv.Len() != 1 || conv.Messages[0].Text() != "again?" {
		t.Fatalf("conversation = %d messages", conv.Len())
	}
}

type verifierFunc func(context.Context, storage.TurnContext) (storage.Verification, error)

func (f verifierFunc) VerifyUser(ctx context.Context, tc storage.TurnContext) (storage.Verification, error) {
	return f(ctx, tc)
}

type exhausted struct{}

func (exhausted) CheckAndUpdateUsageLimit(context.Context, storage.TurnContext) (bool, error) {
	return false, nil
}
