// Package storage defines the external collaborators a conversation turn
// consults (identity, tool server lookup, quota, message history) and
// ships in-memory, config-backed and SQL implementations of them.
package storage

import (
	"context"
	"errors"

	"github.com/ttexan1/klavis-sub000/pkg/models"
)

var (
	ErrNotFound = errors.New("not found")
)

// TurnContext identifies who is talking, where.
type TurnContext struct {
	Platform       models.ChannelType
	UserID         string
	UserName       string
	ChannelID      string
	ThreadID       string
	ConversationID string
	Metadata       map[string]any
}

// Verification is the outcome of an identity check. A non-empty Error is
// shown to the user and aborts the turn.
type Verification struct {
	Connected   bool
	MCPClientID string
	LLMID       string
	Error       string
}

// Verifier checks that a platform user is linked and entitled.
type Verifier interface {
	VerifyUser(ctx context.Context, tc TurnContext) (Verification, error)
}

// ServerSource returns the tool server targets for a user. An empty list is
// valid and means the turn runs without tools.
type ServerSource interface {
	ServerURLs(ctx context.Context, tc TurnContext) ([]string, error)
}

// UsageLimiter is the quota gate. It reports false when the user is out of
// quota and otherwise counts the turn.
type UsageLimiter interface {
	CheckAndUpdateUsageLimit(ctx context.Context, tc TurnContext) (bool, error)
}

// MessageStore persists conversation messages.
type MessageStore interface {
	StoreNewMessages(ctx context.Context, conversationID string, msgs []*models.ChatMessage) error
	// History returns up to limit of the most recent messages, oldest first.
	History(ctx context.Context, conversationID string, limit int) ([]*models.ChatMessage, error)
}

// StoreSet groups the collaborators a gateway needs.
type StoreSet struct {
	Verifier Verifier
	Servers  ServerSource
	Usage    UsageLimiter
	Messages MessageStore
	closer   func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
