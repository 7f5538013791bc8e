package channels

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ttexan1/klavis-sub000/internal/channels/chunk"
	"github.com/ttexan1/klavis-sub000/internal/observability"
	"github.com/ttexan1/klavis-sub000/internal/orchestrator"
)

// ErrorPrefix starts the message a user sees when a turn fails.
const ErrorPrefix = "Error processing query: "

// specialRegionEnd optionally closes a notice.
const specialRegionEnd = "</special-region>"

// NoticeKind classifies out-of-band notices.
type NoticeKind string

const (
	NoticeToolCall  NoticeKind = "tool_call"
	NoticeHeartbeat NoticeKind = "heartbeat"
	NoticeOther     NoticeKind = "other"
)

// Notice is a parsed special segment.
type Notice struct {
	Kind NoticeKind
	Tool string
	// Body is the bracketed notice text.
	Body string
	// LongRunning is set for tools on the long-running allow-list.
	LongRunning bool
}

// Status is the waiting line bots show with the notice.
func (n Notice) Status() string {
	switch {
	case n.Kind == NoticeHeartbeat:
		return "Still working on it..."
	case n.LongRunning:
		return "This tool can take a few minutes. The answer will follow here when it finishes."
	case n.Kind == NoticeToolCall:
		return "Working on it..."
	default:
		return ""
	}
}

var (
	toolCallNotice  = regexp.MustCompile(`^\[Calling tool (\S+) with arguments`)
	heartbeatNotice = regexp.MustCompile(`^\[Tool (\S+) still running`)
)

// Renderer delivers messages to one platform conversation.
type Renderer interface {
	SendText(ctx context.Context, text string) error
	SendSpecial(ctx context.Context, notice Notice) error
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Platform Platform
	// LongRunningTools changes the waiting text of their notices.
	LongRunningTools []string
	// MessageDelay is the minimum gap between consecutive messages. Zero or
	// negative sends without pacing.
	MessageDelay time.Duration
	Logger       *slog.Logger
	Metrics      *observability.Metrics
}

// Consumer turns a turn's token stream into platform messages.
type Consumer struct {
	cfg         ConsumerConfig
	longRunning map[string]bool
}

// NewConsumer creates a Consumer.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.Platform.SplitToken == "" {
		cfg.Platform.SplitToken = DefaultSplitToken
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	longRunning := make(map[string]bool, len(cfg.LongRunningTools))
	for _, name := range cfg.LongRunningTools {
		longRunning[name] = true
	}
	return &Consumer{cfg: cfg, longRunning: longRunning}
}

// Consume reads tokens until the channel closes, emitting one message per
// split-token delimited segment. Empty segments are dropped. If delivery
// fails, or anything panics, one error message is sent and Consume stops;
// the rest of the stream is drained in the background so the producer never
// blocks.
func (c *Consumer) Consume(ctx context.Context, tokens <-chan string, r Renderer) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic while streaming: %v", rec)
			c.cfg.Logger.ErrorContext(ctx, "stream consumer panicked", "panic", rec)
		}
		if err != nil {
			c.fail(ctx, r, err)
			go drain(tokens)
		}
	}()

	pacer := rate.NewLimiter(rate.Inf, 1)
	if c.cfg.MessageDelay > 0 {
		pacer = rate.NewLimiter(rate.Every(c.cfg.MessageDelay), 1)
	}

	split := []byte(c.cfg.Platform.SplitToken)
	var pending []byte
	// pending[:scanned] is known not to contain the start of a split token.
	scanned := 0
	for {
		select {
		case token, ok := <-tokens:
			if !ok {
				return c.segment(ctx, string(pending), r, pacer)
			}
			pending = append(pending, token...)
			for {
				i := bytes.Index(pending[scanned:], split)
				if i < 0 {
					scanned = max(scanned, len(pending)-len(split)+1)
					break
				}
				end := scanned + i
				if err := c.segment(ctx, string(pending[:end]), r, pacer); err != nil {
					return err
				}
				pending = pending[end+len(split):]
				scanned = 0
			}
		case <-ctx.Done():
			go drain(tokens)
			return ctx.Err()
		}
	}
}

// segment renders one delimited piece of the stream: any prose before a
// special marker goes out as text, then the notice.
func (c *Consumer) segment(ctx context.Context, seg string, r Renderer, pacer *rate.Limiter) error {
	text, body, special := strings.Cut(seg, orchestrator.SpecialMarker)

	if text = strings.TrimSpace(text); text != "" {
		for _, piece := range chunk.Markdown(text, c.cfg.Platform.HardLimit) {
			if err := pacer.Wait(ctx); err != nil {
				return err
			}
			if err := r.SendText(ctx, piece); err != nil {
				return err
			}
			c.cfg.Metrics.RecordMessageSent(string(c.cfg.Platform.Name), "text")
		}
	}

	if !special {
		return nil
	}
	notice := c.ParseNotice(body)
	if notice.Body == "" {
		return nil
	}
	if err := pacer.Wait(ctx); err != nil {
		return err
	}
	if err := r.SendSpecial(ctx, notice); err != nil {
		return err
	}
	c.cfg.Metrics.RecordMessageSent(string(c.cfg.Platform.Name), "special")
	return nil
}

// ParseNotice classifies the text following a special marker.
func (c *Consumer) ParseNotice(body string) Notice {
	body = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(body), specialRegionEnd))
	notice := Notice{Kind: NoticeOther, Body: body}
	if m := toolCallNotice.FindStringSubmatch(body); m != nil {
		notice.Kind, notice.Tool = NoticeToolCall, m[1]
	} else if m := heartbeatNotice.FindStringSubmatch(body); m != nil {
		notice.Kind, notice.Tool = NoticeHeartbeat, m[1]
	}
	notice.LongRunning = notice.Tool != "" && c.longRunning[notice.Tool]
	return notice
}

func (c *Consumer) fail(ctx context.Context, r Renderer, cause error) {
	if ctx.Err() != nil {
		return
	}
	if err := r.SendText(ctx, ErrorPrefix+cause.Error()); err != nil {
		c.cfg.Logger.WarnContext(ctx, "could not deliver error message", "error", err, "cause", cause)
		return
	}
	c.cfg.Metrics.RecordMessageSent(string(c.cfg.Platform.Name), "error")
}

func drain(tokens <-chan string) {
	for range tokens {
	}
}
