package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownToolCall is returned when a tool result references a tool call
// the conversation has not seen.
var ErrUnknownToolCall = errors.New("tool result references unknown tool call")

// Conversation is the ordered history of one chat-platform thread.
// It is not safe for concurrent mutation.
type Conversation struct {
	ID        string
	Messages  []*ChatMessage
	ChannelID string
	ThreadID  string
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewConversation creates an empty conversation. An empty id is replaced by
// a generated one.
func NewConversation(id string) *Conversation {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	return &Conversation{
		ID:        id,
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds messages in order. Tool results must correlate with a tool
// call already present in the conversation or earlier in msgs; nothing is
// appended when any message fails that check.
func (c *Conversation) Append(msgs ...*ChatMessage) error {
	known := make(map[string]struct{})
	for _, m := range c.Messages {
		for _, call := range m.ToolCalls() {
			known[call.ToolID] = struct{}{}
		}
	}
	for _, m := range msgs {
		if m == nil {
			return fmt.Errorf("append: nil message")
		}
		for _, call := range m.ToolCalls() {
			known[call.ToolID] = struct{}{}
		}
		for _, result := range m.ToolResults() {
			if _, ok := known[result.ToolCallID]; !ok {
				return fmt.Errorf("%w: %s", ErrUnknownToolCall, result.ToolCallID)
			}
		}
	}
	c.Messages = append(c.Messages, msgs...)
	c.UpdatedAt = time.Now()
	return nil
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	return len(c.Messages)
}

// Since returns the messages appended after the first n.
func (c *Conversation) Since(n int) []*ChatMessage {
	if n >= len(c.Messages) {
		return nil
	}
	out := make([]*ChatMessage, len(c.Messages)-n)
	copy(out, c.Messages[n:])
	return out
}
