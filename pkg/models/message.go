package models

import (
	"errors"
	"strings"
	"time"
)

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelWeb      ChannelType = "web"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// InboundMessage is a user message received by a platform bot, before it
// enters a conversation.
type InboundMessage struct {
	ID        string        `json:"id"`
	Channel   ChannelType   `json:"channel"`
	UserID    string        `json:"user_id"`
	UserName  string        `json:"user_name,omitempty"`
	ChannelID string        `json:"channel_id"` // Platform-specific chat/channel ID
	ThreadID  string        `json:"thread_id,omitempty"`
	Text      string        `json:"text"`
	Files     []FileContent `json:"files,omitempty"`
	// Metadata carries platform routing details (e.g. slack_thread_ts).
	Metadata   map[string]any `json:"metadata,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// ConversationID derives the stable conversation key for the message:
// one conversation per platform thread, falling back to the channel.
func (m *InboundMessage) ConversationID() string {
	scope := m.ThreadID
	if scope == "" {
		scope = m.ChannelID
	}
	return string(m.Channel) + ":" + scope
}

// ErrEmptyMessage is returned for an inbound message with neither text nor
// files.
var ErrEmptyMessage = errors.New("message has no text or files")

// ChatMessage converts the inbound text and files to a user-role message.
func (m *InboundMessage) ChatMessage() (*ChatMessage, error) {
	if strings.TrimSpace(m.Text) == "" && len(m.Files) == 0 {
		return nil, ErrEmptyMessage
	}
	items := make([]ContentItem, 0, 1+len(m.Files))
	if m.Text != "" {
		items = append(items, TextContent{Text: m.Text})
	}
	for _, f := range m.Files {
		items = append(items, f)
	}
	return NewChatMessage(RoleUser, items...)
}
