// Package orchestrator drives the streaming tool-call loop: it streams a model
// round, executes the tool calls the round asked for, feeds the results back
// and repeats until the model answers without calling a tool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ttexan1/klavis-sub000/internal/mcp"
	"github.com/ttexan1/klavis-sub000/internal/observability"
	"github.com/ttexan1/klavis-sub000/internal/providers"
	"github.com/ttexan1/klavis-sub000/internal/redact"
	"github.com/ttexan1/klavis-sub000/pkg/models"
)

const (
	// DefaultHeartbeatInterval is how long a tool call may run before a
	// progress notice is emitted.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultSplitToken separates platform messages when no platform
	// specific token is configured.
	DefaultSplitToken = "<new_message>"

	// SpecialMarker opens an out-of-band notice in the token stream.
	SpecialMarker = "<special>"

	// noticeArgsMax bounds the rendered arguments in a call notice.
	noticeArgsMax = 100
)

// ToolSource is the per-turn tool catalog. *mcp.Registry satisfies it.
type ToolSource interface {
	ListAllTools(ctx context.Context, format mcp.ToolFormat) []mcp.VendorTool
	ResourceTexts(ctx context.Context) []string
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// PersistFunc receives every message a turn appended, once, after the loop
// finishes.
type PersistFunc func(ctx context.Context, conversationID string, msgs []*models.ChatMessage) error

// Config configures an Orchestrator.
type Config struct {
	Adapter providers.Adapter
	Tools   ToolSource

	// SplitToken terminates special notices. Defaults to DefaultSplitToken.
	SplitToken string
	// Instructions is the platform block appended to the system prompt.
	Instructions string

	HeartbeatInterval time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// After replaces time.After, for tests.
	After func(time.Duration) <-chan time.Time
}

// Orchestrator runs conversation turns against one adapter and tool source.
type Orchestrator struct {
	cfg Config
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Adapter == nil {
		return nil, errors.New("orchestrator: adapter is required")
	}
	if cfg.Tools == nil {
		return nil, errors.New("orchestrator: tool source is required")
	}
	if cfg.SplitToken == "" {
		cfg.SplitToken = DefaultSplitToken
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.After == nil {
		cfg.After = time.After
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Run streams the turn's output. Rounds repeat until a round produces no tool
// call; there is no round limit, so callers bound ctx. The returned channel
// closes when the turn ends or ctx is done. persist may be nil; it is called
// only when the loop completes.
func (o *Orchestrator) Run(ctx context.Context, conv *models.Conversation, persist PersistFunc) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)

		start := conv.Len()
		if !o.loop(ctx, conv, out) {
			return
		}
		if persist == nil {
			return
		}
		if err := persist(ctx, conv.ID, conv.Since(start)); err != nil {
			o.cfg.Logger.WarnContext(ctx, "persisting turn messages failed",
				"conversation_id", conv.ID,
				"error", err,
			)
		}
	}()
	return out
}

// loop reports whether the turn reached a final response.
func (o *Orchestrator) loop(ctx context.Context, conv *models.Conversation, out chan<- string) bool {
	name := o.cfg.Adapter.Name()
	for round := 1; ; round++ {
		if ctx.Err() != nil {
			return false
		}

		req := providers.Request{
			History:      append([]*models.ChatMessage(nil), conv.Messages...),
			Tools:        o.cfg.Tools.ListAllTools(ctx, o.cfg.Adapter.ToolFormat()),
			Resources:    o.cfg.Tools.ResourceTexts(ctx),
			Instructions: o.cfg.Instructions,
		}

		roundCtx, span := o.cfg.Tracer.TraceRound(ctx, name, round)
		stream := o.cfg.Adapter.Stream(roundCtx, req)
		for token := range stream.Tokens() {
			if !send(ctx, out, token) {
				span.End()
				return false
			}
		}
		msgs := stream.Messages()
		observability.RecordError(span, stream.Err())
		span.End()
		o.cfg.Metrics.RecordRound(name)
		if ctx.Err() != nil {
			return false
		}

		if err := conv.Append(msgs...); err != nil {
			o.cfg.Logger.ErrorContext(ctx, "appending assistant message failed", "round", round, "error", err)
			return false
		}
		if models.IsFinalResponse(msgs) {
			return true
		}

		var results []models.ContentItem
		for _, msg := range msgs {
			for _, call := range msg.ToolCalls() {
				if !send(ctx, out, o.special(callNotice(call))) {
					return false
				}
				result, ok := o.dispatch(ctx, call, out)
				if !ok {
					return false
				}
				results = append(results, models.ToolResultContent{ToolCallID: call.ToolID, Result: result})
			}
		}

		toolMsg, err := models.NewChatMessage(models.RoleTool, results...)
		if err == nil {
			err = conv.Append(toolMsg)
		}
		if err != nil {
			o.cfg.Logger.ErrorContext(ctx, "appending tool results failed", "round", round, "error", err)
			return false
		}
	}
}

type toolOutcome struct {
	result string
	err    error
}

// dispatch runs one tool call, emitting a heartbeat notice every interval
// until it finishes. The call itself runs detached from ctx; only the wait
// stops when ctx is done, in which case ok is false.
func (o *Orchestrator) dispatch(ctx context.Context, call models.ToolCallContent, out chan<- string) (string, bool) {
	callCtx, span := o.cfg.Tracer.TraceToolCall(context.WithoutCancel(ctx), call.Name)
	started := time.Now()

	o.cfg.Logger.DebugContext(ctx, "calling tool",
		"tool", call.Name,
		"tool_id", call.ToolID,
		"arguments", redact.Render(call.Arguments, 0),
	)

	done := make(chan toolOutcome, 1)
	go func() {
		defer span.End()
		result, err := o.cfg.Tools.CallTool(callCtx, call.Name, call.Arguments)
		observability.RecordError(span, err)
		done <- toolOutcome{result: result, err: err}
	}()

	var elapsed time.Duration
	for {
		select {
		case outcome := <-done:
			status := "success"
			result := outcome.result
			if outcome.err != nil {
				status = "error"
				result = fmt.Sprintf("[Error calling tool %s: %v]", call.Name, outcome.err)
				o.cfg.Logger.WarnContext(ctx, "tool call failed", "tool", call.Name, "error", outcome.err)
			}
			o.cfg.Metrics.RecordToolCall(call.Name, status, time.Since(started).Seconds())
			return result, true
		case <-o.cfg.After(o.cfg.HeartbeatInterval):
			elapsed += o.cfg.HeartbeatInterval
			o.cfg.Metrics.RecordHeartbeat(call.Name)
			notice := fmt.Sprintf("[Tool %s still running... (%d seconds elapsed)]", call.Name, int(elapsed.Seconds()))
			if !send(ctx, out, o.special(notice)) {
				return "", false
			}
		case <-ctx.Done():
			o.cfg.Logger.WarnContext(ctx, "stopped waiting for tool", "tool", call.Name, "elapsed", time.Since(started))
			return "", false
		}
	}
}

func callNotice(call models.ToolCallContent) string {
	return fmt.Sprintf("[Calling tool %s with arguments %s...]", call.Name, redact.Render(call.Arguments, noticeArgsMax))
}

// special wraps a notice body in the sentinel and split token.
func (o *Orchestrator) special(body string) string {
	return "\n" + SpecialMarker + body + o.cfg.SplitToken + "\n"
}

func send(ctx context.Context, out chan<- string, token string) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case out <- token:
		return true
	case <-ctx.Done():
		return false
	}
}
