package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const sessionHeader = "Mcp-Session-Id"

// HTTPTransport implements the streamable HTTP transport: every message is a
// POST, and the server answers with either a JSON body or an SSE stream that
// carries the response.
type HTTPTransport struct {
	config ServerConfig
	logger *slog.Logger
	client *http.Client

	sessionMu sync.RWMutex
	sessionID string

	connected atomic.Bool
	closeOnce sync.Once
}

// NewHTTPTransport creates an HTTP transport for cfg.Target.
func NewHTTPTransport(cfg ServerConfig, logger *slog.Logger) *HTTPTransport {
	return &HTTPTransport{
		config: cfg,
		logger: logger.With("transport", "http", "url", cfg.Target),
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Connect marks the transport ready; the session itself is negotiated by
// the initialize call.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.config.Target == "" {
		return fmt.Errorf("URL is required for HTTP transport")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.connected.Store(true)
	return nil
}

// Close ends the server-side session when one was issued.
func (t *HTTPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		session := t.session()
		if session == "" {
			return
		}
		req, err := http.NewRequest(http.MethodDelete, t.config.Target, nil)
		if err != nil {
			return
		}
		req.Header.Set(sessionHeader, session)
		t.applyHeaders(req)
		resp, err := t.client.Do(req)
		if err != nil {
			t.logger.Debug("session delete failed", "error", err)
			return
		}
		resp.Body.Close()
	})
	return nil
}

// Call posts a request and waits for the response.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrTransportClosed
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	id := uuid.NewString()

	resp, err := t.post(ctx, JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: raw})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s: HTTP %d: %s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if session := resp.Header.Get(sessionHeader); session != "" {
		t.setSession(session)
	}

	var rpcResp *JSONRPCResponse
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		rpcResp, err = readSSEResponse(resp.Body, id)
	} else {
		rpcResp = &JSONRPCResponse{}
		err = json.NewDecoder(resp.Body).Decode(rpcResp)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// Notify posts a notification; the server answers 202 with no body.
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrTransportClosed
	}
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	resp, err := t.post(ctx, JSONRPCNotification{JSONRPC: "2.0", Method: method, Params: raw})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: HTTP %d", method, resp.StatusCode)
	}
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.Target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if session := t.session(); session != "" {
		req.Header.Set(sessionHeader, session)
	}
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	return resp, nil
}

func (t *HTTPTransport) applyHeaders(req *http.Request) {
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}
}

func (t *HTTPTransport) session() string {
	t.sessionMu.RLock()
	defer t.sessionMu.RUnlock()
	return t.sessionID
}

func (t *HTTPTransport) setSession(id string) {
	t.sessionMu.Lock()
	t.sessionID = id
	t.sessionMu.Unlock()
}

// readSSEResponse scans an event stream until the response for id arrives.
// Server notifications interleaved on the stream are skipped.
func readSSEResponse(r io.Reader, id string) (*JSONRPCResponse, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var data strings.Builder
	flush := func() (*JSONRPCResponse, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var resp JSONRPCResponse
		if err := json.Unmarshal([]byte(data.String()), &resp); err != nil {
			return nil, false
		}
		if fmt.Sprint(resp.ID) != id {
			return nil, false
		}
		return &resp, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp, ok := flush(); ok {
				return resp, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return nil, io.ErrUnexpectedEOF
}
