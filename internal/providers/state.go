package providers

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/ttexan1/klavis-sub000/pkg/models"
)

// PartialToolCall is a tool call being assembled from streamed fragments.
type PartialToolCall struct {
	ID          string
	Name        string
	Input       map[string]any
	PartialJSON string
	// Parsed is set once PartialJSON has been decoded into Input.
	Parsed bool
	closed bool
}

type streamEntry struct {
	text string
	call *PartialToolCall
}

// StreamState accumulates one streamed assistant message: text segments and
// tool calls in the order they arrived. It is used by a single goroutine.
type StreamState struct {
	logger  *slog.Logger
	text    strings.Builder
	entries []streamEntry
	calls   map[int]*PartialToolCall
}

// NewStreamState creates empty state.
func NewStreamState(logger *slog.Logger) *StreamState {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamState{logger: logger, calls: make(map[int]*PartialToolCall)}
}

// AppendText buffers a text delta.
func (s *StreamState) AppendText(delta string) {
	s.text.WriteString(delta)
}

// FlushText closes the current text segment.
func (s *StreamState) FlushText() {
	if s.text.Len() == 0 {
		return
	}
	s.entries = append(s.entries, streamEntry{text: s.text.String()})
	s.text.Reset()
}

// StartToolCall opens a tool call keyed by its stream index. Repeated starts
// for the same index only fill in missing fields.
func (s *StreamState) StartToolCall(index int, id, name string) *PartialToolCall {
	call, ok := s.calls[index]
	if !ok {
		s.FlushText()
		call = &PartialToolCall{Input: map[string]any{}}
		s.calls[index] = call
		s.entries = append(s.entries, streamEntry{call: call})
	}
	if call.ID == "" {
		call.ID = id
	}
	if call.Name == "" {
		call.Name = name
	}
	return call
}

// AppendToolInput appends an argument fragment. A fragment for an unknown
// index opens the call.
func (s *StreamState) AppendToolInput(index int, fragment string) {
	call, ok := s.calls[index]
	if !ok {
		call = s.StartToolCall(index, "", "")
	}
	call.PartialJSON += fragment
}

// FinishBlock ends the block at index: pending text is flushed and an open
// tool call has its arguments parsed.
func (s *StreamState) FinishBlock(index int) {
	s.FlushText()
	if call, ok := s.calls[index]; ok {
		s.closeCall(call)
	}
}

// Finish flushes text and closes every tool call still open.
func (s *StreamState) Finish() {
	s.FlushText()
	for _, e := range s.entries {
		if e.call != nil {
			s.closeCall(e.call)
		}
	}
}

// closeCall parses the accumulated JSON. On failure the raw fragments are
// kept, a warning is logged and the input stays empty.
func (s *StreamState) closeCall(call *PartialToolCall) {
	if call.closed {
		return
	}
	call.closed = true
	raw := strings.TrimSpace(call.PartialJSON)
	if raw == "" {
		call.Parsed = true
		return
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		s.logger.Warn("failed to parse tool call arguments",
			"tool", call.Name,
			"tool_id", call.ID,
			"error", err)
		return
	}
	if input != nil {
		call.Input = input
	}
	call.Parsed = true
}

// Text returns the text of every closed segment plus the pending buffer.
func (s *StreamState) Text() string {
	var b strings.Builder
	for _, e := range s.entries {
		b.WriteString(e.text)
	}
	b.WriteString(s.text.String())
	return b.String()
}

// ToolCalls returns the calls in arrival order.
func (s *StreamState) ToolCalls() []*PartialToolCall {
	var calls []*PartialToolCall
	for _, e := range s.entries {
		if e.call != nil {
			calls = append(calls, e.call)
		}
	}
	return calls
}

// Content returns the accumulated message content in arrival order. Calls
// without a name are dropped since they cannot be dispatched.
func (s *StreamState) Content(includeCalls bool) []models.ContentItem {
	var items []models.ContentItem
	for _, e := range s.entries {
		switch {
		case e.call == nil:
			items = append(items, models.TextContent{Text: e.text})
		case includeCalls && e.call.Name != "":
			items = append(items, models.ToolCallContent{ToolID: e.call.ID, Name: e.call.Name, Arguments: e.call.Input})
		}
	}
	if s.text.Len() > 0 {
		items = append(items, models.TextContent{Text: s.text.String()})
	}
	return items
}
