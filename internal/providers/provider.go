// Package providers adapts LLM vendor streaming APIs to the normalized
// chat message model.
//
// An Adapter turns a conversation history plus a tool catalog into one
// streamed round: a channel of text tokens for the user and, once the stream
// is drained, the assistant message the vendor produced, already converted
// back to models.ChatMessage. Adapters never mutate the history they are
// given.
//
// Both vendor encodings are bidirectional so that converting a history to
// the vendor form and back yields the same messages.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ttexan1/klavis-sub000/internal/backoff"
	"github.com/ttexan1/klavis-sub000/internal/mcp"
	"github.com/ttexan1/klavis-sub000/pkg/models"
)

// Adapter streams one model round.
type Adapter interface {
	Name() string
	ToolFormat() mcp.ToolFormat
	Stream(ctx context.Context, req Request) *Round
}

// Request is the input of one round.
type Request struct {
	History []*models.ChatMessage
	// Tools are vendor-shaped descriptors in the adapter's ToolFormat.
	Tools []mcp.VendorTool
	// Resources are appended verbatim to the system prompt.
	Resources []string
	// Instructions is the platform block (split token and conventions).
	Instructions string
}

// Config holds settings shared by every adapter.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	// MaxAttempts bounds stream creation attempts. Default 3.
	MaxAttempts int
	Retry       backoff.Policy
	Logger      *slog.Logger
}

func (c *Config) applyDefaults(model string) {
	if c.Model == "" {
		c.Model = model
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Retry.Initial <= 0 {
		c.Retry = backoff.Policy{Initial: time.Second, Max: 8 * time.Second, Factor: 2, Jitter: 0.1}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New builds the adapter for provider ("anthropic" or "openai").
func New(provider string, cfg Config) (Adapter, error) {
	switch provider {
	case "anthropic", "":
		return NewAnthropicAdapter(cfg)
	case "openai":
		return NewOpenAIAdapter(cfg)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

// Round is one streamed model response. Tokens must be drained (or the
// stream's context cancelled) before Messages returns.
type Round struct {
	tokens   chan string
	done     chan struct{}
	messages []*models.ChatMessage
	err      error
}

func newRound() *Round {
	return &Round{
		tokens: make(chan string),
		done:   make(chan struct{}),
	}
}

// NewRound runs produce in its own goroutine and exposes it as a Round.
// produce streams text through emit, which reports false once ctx is done,
// and returns the round's normalized assistant messages. It is the hook for
// adapters that are not backed by a vendor SDK, such as scripted test models.
func NewRound(ctx context.Context, produce func(emit func(string) bool) ([]*models.ChatMessage, error)) *Round {
	r := newRound()
	go func() {
		msgs, err := produce(func(token string) bool { return r.emit(ctx, token) })
		r.finish(msgs, err)
	}()
	return r
}

// Tokens yields text as it streams. The channel closes at end of stream.
func (r *Round) Tokens() <-chan string {
	return r.tokens
}

// Messages blocks until the stream ends and returns the normalized form of
// the assistant message the round produced. It is empty when the model
// produced no content.
func (r *Round) Messages() []*models.ChatMessage {
	<-r.done
	return r.messages
}

// Err reports the error that ended the stream early, if any. It is only
// meaningful after Messages returns.
func (r *Round) Err() error {
	<-r.done
	return r.err
}

// emit sends a token unless ctx is done. A done ctx always wins, so nothing
// (an error notice included) is streamed after a cancellation or deadline.
func (r *Round) emit(ctx context.Context, token string) bool {
	if ctx.Err() != nil {
		return false
	}
	if token == "" {
		return true
	}
	select {
	case r.tokens <- token:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Round) finish(messages []*models.ChatMessage, err error) {
	r.messages = messages
	r.err = err
	close(r.tokens)
	close(r.done)
}

// streamErrorText is the in-band notice for a failed stream.
func streamErrorText(err error) string {
	return fmt.Sprintf("\n[Error in streaming process: %v]\n", err)
}
