package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
)

// ErrTransportClosed is returned by calls on a closed transport.
var ErrTransportClosed = errors.New("mcp: transport closed")

// Transport moves JSON-RPC messages to and from one server.
type Transport interface {
	// Connect establishes the connection (spawns the process, or prepares
	// the HTTP endpoint).
	Connect(ctx context.Context) error

	// Call sends a request and waits for its response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// NewTransport creates a transport for cfg based on the target scheme.
func NewTransport(cfg ServerConfig, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Transport() {
	case TransportHTTP:
		return NewHTTPTransport(cfg, logger)
	default:
		return NewStdioTransport(cfg, logger)
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}
