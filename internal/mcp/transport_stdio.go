package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// StdioTransport talks newline-delimited JSON-RPC to a spawned process.
type StdioTransport struct {
	config ServerConfig
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	pending   map[int64]chan *JSONRPCResponse
	pendingMu sync.Mutex
	nextID    atomic.Int64

	connected atomic.Bool
	closeOnce sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewStdioTransport creates a stdio transport; the process starts on Connect.
func NewStdioTransport(cfg ServerConfig, logger *slog.Logger) *StdioTransport {
	return &StdioTransport{
		config:   cfg,
		logger:   logger.With("transport", "stdio", "command", cfg.Target),
		pending:  make(map[int64]chan *JSONRPCResponse),
		stopChan: make(chan struct{}),
	}
}

// Connect starts the subprocess. The process outlives ctx; Close stops it.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.config.Target == "" {
		return fmt.Errorf("command is required for stdio transport")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.process = exec.Command(t.config.Target, t.config.Args...) // #nosec G204 -- tool server commands come from operator config
	t.process.Env = os.Environ()
	for k, v := range t.config.Env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}
	isolateProcessGroup(t.process)

	var err error
	t.stdin, err = t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := t.process.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	t.connected.Store(true)
	t.logger.Info("started tool server process", "pid", t.process.Process.Pid)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	t.wg.Add(2)
	go t.readLoop(scanner)
	go t.logStderr(stderr)

	return nil
}

// Close kills the subprocess group and fails any pending calls. Reaping the
// process closes our ends of its pipes, so the readers stop even when a
// grandchild still holds the other ends open.
func (t *StdioTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		close(t.stopChan)
		if t.stdin != nil {
			_ = t.stdin.Close()
		}
		if t.process != nil && t.process.Process != nil {
			if killErr := killProcessGroup(t.process.Process); killErr != nil {
				err = fmt.Errorf("kill process: %w", killErr)
			}
			_ = t.process.Wait()
		}
		t.wg.Wait()
	})
	return err
}

// Call sends a request and waits for the matching response.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrTransportClosed
	}

	id := t.nextID.Add(1)
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	respChan := make(chan *JSONRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.write(JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: raw}); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	var timeout <-chan time.Time
	if t.config.Timeout > 0 {
		timer := time.NewTimer(t.config.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, fmt.Errorf("%s: request timeout after %v", method, t.config.Timeout)
	case <-t.stopChan:
		return nil, ErrTransportClosed
	}
}

// Notify sends a notification.
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrTransportClosed
	}
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	if err := t.write(JSONRPCNotification{JSONRPC: "2.0", Method: method, Params: raw}); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

func (t *StdioTransport) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

func (t *StdioTransport) readLoop(scanner *bufio.Scanner) {
	defer t.wg.Done()
	defer t.connected.Store(false)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.processLine(line)
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-t.stopChan:
			// Close reaped the process and closed the pipe under us.
		default:
			t.logger.Warn("stdout scanner error", "error", err)
		}
	}
}

// processLine routes responses to waiting callers and answers the few
// server-initiated requests a client must handle.
func (t *StdioTransport) processLine(line []byte) {
	var envelope struct {
		ID     any             `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		t.logger.Debug("ignoring non-JSON output", "line", string(line))
		return
	}

	switch {
	case envelope.Method != "" && envelope.ID != nil:
		t.answerServerRequest(envelope.ID, envelope.Method)
	case envelope.Method != "":
		t.logger.Debug("server notification", "method", envelope.Method)
	case envelope.ID != nil:
		id, ok := numericID(envelope.ID)
		if !ok {
			t.logger.Warn("unexpected response ID type", "id", envelope.ID)
			return
		}
		t.pendingMu.Lock()
		ch, ok := t.pending[id]
		t.pendingMu.Unlock()
		if ok {
			ch <- &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: envelope.Result, Error: envelope.Error}
		}
	}
}

func (t *StdioTransport) answerServerRequest(id any, method string) {
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id}
	if method == "ping" {
		resp.Result = json.RawMessage(`{}`)
	} else {
		resp.Error = &RPCError{Code: ErrCodeMethodNotFound, Message: "method not supported by client: " + method}
	}
	if err := t.write(resp); err != nil {
		t.logger.Warn("failed to answer server request", "method", method, "error", err)
	}
}

func (t *StdioTransport) logStderr(stderr io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug("server stderr", "message", line)
		}
	}
}

func numericID(id any) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
