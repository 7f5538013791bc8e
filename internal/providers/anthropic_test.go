package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ttexan1/klavis-sub000/internal/backoff"
	"github.com/ttexan1/klavis-sub000/internal/mcp"
	"github.com/ttexan1/klavis-sub000/pkg/models"
)

func sseEvent(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func anthropicToolStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	sseEvent(w, "message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":10,"output_tokens":1}}}`)
	sseEvent(w, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
	sseEvent(w, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me "}}`)
	sseEvent(w, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"add."}}`)
	sseEvent(w, "content_block_stop", `{"type":"content_block_stop","index":0}`)
	sseEvent(w, "content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_01","name":"calculator","input":{}}}`)
	sseEvent(w, "content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"op\": \"add\", "}}`)
	sseEvent(w, "content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"a\": 2, \"b\": 3}"}}`)
	sseEvent(w, "content_block_stop", `{"type":"content_block_stop","index":1}`)
	sseEvent(w, "message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":20}}`)
	sseEvent(w, "message_stop", `{"type":"message_stop"}`)
}

func drain(round *Round) []string {
	var tokens []string
	for tok := range round.Tokens() {
		tokens = append(tokens, tok)
	}
	return tokens
}

func testRetry() backoff.Policy {
	return backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
}

func newTestAnthropic(t *testing.T, url string) *AnthropicAdapter {
	t.Helper()
	adapter, err := NewAnthropicAdapter(Config{
		APIKey:  "test-key",
		BaseURL: url + "/",
		Model:   "claude-test",
		Retry:   testRetry(),
		Logger:  discardLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return adapter
}

func calculatorVendorTool(format mcp.ToolFormat) mcp.VendorTool {
	return mcp.EncodeTool(mcp.Tool{
		Name:        "calculator",
		Description: "Basic arithmetic",
		InputSchema: []byte(`{"type":"object","properties":{"op":{"type":"string"},"a":{"type":"number"},"b":{"type":"number"}},"required":["op","a","b"]}`),
	}, format)
}

func TestAnthropicStreamToolCall(t *testing.T) {
	bodies := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies <- string(data)
		anthropicToolStream(w)
	}))
	defer srv.Close()

	adapter := newTestAnthropic(t, srv.URL)
	history := []*models.ChatMessage{models.MustChatMessage(models.RoleUser, models.TextContent{Text: "2+3?"})}
	round := adapter.Stream(context.Background(), Request{
		History:      history,
		Tools:        []mcp.VendorTool{calculatorVendorTool(mcp.FormatAnthropic)},
		Instructions: "Keep answers short.",
		Resources:    []string{"resource text"},
	})

	tokens := drain(round)
	if strings.Join(tokens, "") != "Let me add." {
		t.Errorf("tokens = %q", tokens)
	}
	msgs := round.Messages()
	if round.Err() != nil {
		t.Fatalf("Err = %v", round.Err())
	}
	if len(msgs) != 1 || msgs[0].Role != models.RoleAssistant {
		t.Fatalf("messages = %+v", msgs)
	}
	calls := msgs[0].ToolCalls()
	if len(calls) != 1 || calls[0].ToolID != "toolu_01" || calls[0].Arguments["op"] != "add" || calls[0].Arguments["b"] != 3.0 {
		t.Errorf("calls = %+v", calls)
	}
	if msgs[0].Text() != "Let me add." {
		t.Errorf("text = %q", msgs[0].Text())
	}
	if models.IsFinalResponse(msgs) {
		t.Error("tool call round reported final")
	}
	if len(history) != 1 {
		t.Error("history mutated")
	}

	body := <-bodies
	for _, want := range []string{`"calculator"`, `"input_schema"`, "Keep answers short.", "resource text"} {
		if !strings.Contains(body, want) {
			t.Errorf("request body missing %s: %s", want, body)
		}
	}
}

func TestAnthropicStreamErrorChunk(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad request"}}`)
	}))
	defer srv.Close()

	round := newTestAnthropic(t, srv.URL).Stream(context.Background(), Request{
		History: []*models.ChatMessage{models.MustChatMessage(models.RoleUser, models.TextContent{Text: "hi"})},
	})
	tokens := drain(round)
	if len(tokens) != 1 || !strings.HasPrefix(tokens[0], "\n[Error in streaming process: ") || !strings.HasSuffix(tokens[0], "]\n") {
		t.Fatalf("tokens = %q, want one error chunk", tokens)
	}
	if len(round.Messages()) != 0 {
		t.Errorf("messages = %+v", round.Messages())
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1 for a non-retryable error", attempts.Load())
	}
}

func TestAnthropicStreamRetriesOverload(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`)
			return
		}
		anthropicToolStream(w)
	}))
	defer srv.Close()

	round := newTestAnthropic(t, srv.URL).Stream(context.Background(), Request{
		History: []*models.ChatMessage{models.MustChatMessage(models.RoleUser, models.TextContent{Text: "hi"})},
	})
	if got := strings.Join(drain(round), ""); got != "Let me add." {
		t.Errorf("tokens = %q", got)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}
