// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry tracing for the bridge.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/ttexan1/klavis-sub000/internal/redact"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format specifies output format: "json" or "text"
	Format string

	// Output is the writer for log output (defaults to os.Stderr)
	Output io.Writer

	// AddSource includes file and line number in log records
	AddSource bool

	// RedactPatterns are additional regex patterns masked in string values
	RedactPatterns []string
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// TurnIDKey is the context key for conversation turn ids.
	TurnIDKey ContextKey = "turn_id"

	// UserIDKey is the context key for platform user ids.
	UserIDKey ContextKey = "user_id"

	// ChannelKey is the context key for the platform name.
	ChannelKey ContextKey = "channel"
)

// DefaultRedactPatterns matches secrets that show up inside free text.
var DefaultRedactPatterns = []string{
	`(?i)(bearer|token)[\s:=]+([a-zA-Z0-9_\-\.]{16,})`,
	`sk-ant-[a-zA-Z0-9_-]{20,}`,
	`sk-[a-zA-Z0-9]{32,}`,
	`xox[abpr]-[a-zA-Z0-9-]{10,}`,
	`xapp-[a-zA-Z0-9-]{10,}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

// NewLogger builds a slog logger that masks sensitive attributes and adds
// turn correlation fields found in the context.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	patterns := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(config.RedactPatterns))
	for _, p := range append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...) {
		if re, err := regexp.Compile(p); err == nil {
			patterns = append(patterns, re)
		}
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			return redactAttr(patterns, a)
		},
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}
	return slog.New(&contextHandler{Handler: handler})
}

func redactAttr(patterns []*regexp.Regexp, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		if a.Value.Kind() == slog.KindAny {
			if err, ok := a.Value.Any().(error); ok {
				return slog.String(a.Key, redactText(patterns, err.Error()))
			}
		}
		return a
	}
	if redact.IsSensitiveKey(a.Key) {
		return slog.String(a.Key, redact.Value(a.Value.String()))
	}
	return slog.String(a.Key, redactText(patterns, a.Value.String()))
}

func redactText(patterns []*regexp.Regexp, s string) string {
	for _, re := range patterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// contextHandler copies correlation values from the context onto records.
type contextHandler struct {
	slog.Handler
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range []ContextKey{TurnIDKey, UserIDKey, ChannelKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			r.AddAttrs(slog.String(string(key), v))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// WithTurn stores turn correlation fields in ctx.
func WithTurn(ctx context.Context, turnID, channel, userID string) context.Context {
	ctx = context.WithValue(ctx, TurnIDKey, turnID)
	ctx = context.WithValue(ctx, ChannelKey, channel)
	return context.WithValue(ctx, UserIDKey, userID)
}

// LogLevelFromString converts a string to a slog.Level.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
