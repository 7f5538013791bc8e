package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidContentForRole is returned when a message carries a content item
// its role is not allowed to hold.
var ErrInvalidContentForRole = errors.New("invalid content for role")

// ContentType discriminates the content item union.
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentToolCall   ContentType = "tool_call"
	ContentToolResult ContentType = "tool_result"
	ContentFile       ContentType = "file"
)

// allowedContent lists the content types each role may carry.
var allowedContent = map[Role][]ContentType{
	RoleSystem:    {ContentText},
	RoleUser:      {ContentText, ContentFile},
	RoleAssistant: {ContentText, ContentToolCall},
	RoleTool:      {ContentToolResult},
}

// ContentItem is one typed entry of a ChatMessage. The set of
// implementations is closed: TextContent, ToolCallContent,
// ToolResultContent and FileContent.
type ContentItem interface {
	Type() ContentType
	isContentItem()
}

// TextContent is plain prose.
type TextContent struct {
	Text string `json:"text"`
}

// ToolCallContent is a model request to invoke a tool.
type ToolCallContent struct {
	ToolID    string         `json:"tool_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResultContent carries the stringified result of a tool call.
type ToolResultContent struct {
	ToolCallID string `json:"tool_call_id"`
	Result     string `json:"result"`
}

// FileContent references a user-supplied file.
type FileContent struct {
	Filename  string `json:"filename"`
	Extension string `json:"extension"`
	URL       string `json:"url"`
	AuthToken string `json:"auth_token,omitempty"`
}

func (TextContent) Type() ContentType       { return ContentText }
func (ToolCallContent) Type() ContentType   { return ContentToolCall }
func (ToolResultContent) Type() ContentType { return ContentToolResult }
func (FileContent) Type() ContentType       { return ContentFile }

func (TextContent) isContentItem()       {}
func (ToolCallContent) isContentItem()   {}
func (ToolResultContent) isContentItem() {}
func (FileContent) isContentItem()       {}

// NewToolID returns a fresh tool call identifier.
func NewToolID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ChatMessage is one normalized conversation turn shared by every provider
// and platform.
type ChatMessage struct {
	ID        string
	Role      Role
	Content   []ContentItem
	CreatedAt time.Time
}

// NewChatMessage validates the role/content combination and builds a message.
// Tool calls without an id get one generated.
func NewChatMessage(role Role, items ...ContentItem) (*ChatMessage, error) {
	allowed, ok := allowedContent[role]
	if !ok {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidContentForRole, role)
	}

	content := make([]ContentItem, 0, len(items))
	for i, item := range items {
		if item == nil {
			return nil, fmt.Errorf("%w: nil content item at %d", ErrInvalidContentForRole, i)
		}
		if !containsType(allowed, item.Type()) {
			return nil, fmt.Errorf("%w: %s message cannot hold %s content", ErrInvalidContentForRole, role, item.Type())
		}
		if call, ok := item.(ToolCallContent); ok {
			if call.ToolID == "" {
				call.ToolID = NewToolID()
			}
			if call.Arguments == nil {
				call.Arguments = map[string]any{}
			}
			item = call
		}
		content = append(content, item)
	}

	return &ChatMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}, nil
}

// MustChatMessage is NewChatMessage for statically known content. It panics on
// an invalid combination.
func MustChatMessage(role Role, items ...ContentItem) *ChatMessage {
	msg, err := NewChatMessage(role, items...)
	if err != nil {
		panic(err)
	}
	return msg
}

// NewTextMessage is a shorthand for a single text item message.
func NewTextMessage(role Role, text string) (*ChatMessage, error) {
	return NewChatMessage(role, TextContent{Text: text})
}

func containsType(types []ContentType, t ContentType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// Text concatenates every text item of the message.
func (m *ChatMessage) Text() string {
	var b strings.Builder
	for _, item := range m.Content {
		if text, ok := item.(TextContent); ok {
			b.WriteString(text.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool call items in order.
func (m *ChatMessage) ToolCalls() []ToolCallContent {
	var calls []ToolCallContent
	for _, item := range m.Content {
		if call, ok := item.(ToolCallContent); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

// ToolResults returns the tool result items in order.
func (m *ChatMessage) ToolResults() []ToolResultContent {
	var results []ToolResultContent
	for _, item := range m.Content {
		if result, ok := item.(ToolResultContent); ok {
			results = append(results, result)
		}
	}
	return results
}

// IsFinalResponse reports whether no content item across msgs is a tool call.
func IsFinalResponse(msgs []*ChatMessage) bool {
	for _, msg := range msgs {
		for _, item := range msg.Content {
			if item.Type() == ContentToolCall {
				return false
			}
		}
	}
	return true
}

type wireContent struct {
	Type       ContentType    `json:"type"`
	Text       string         `json:"text,omitempty"`
	ToolID     string         `json:"tool_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Result     string         `json:"result,omitempty"`
	Filename   string         `json:"filename,omitempty"`
	Extension  string         `json:"extension,omitempty"`
	URL        string         `json:"url,omitempty"`
	AuthToken  string         `json:"auth_token,omitempty"`
}

type wireMessage struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Content   []wireContent `json:"content"`
	CreatedAt time.Time     `json:"created_at"`
}

// MarshalJSON encodes content items with a type discriminator.
func (m *ChatMessage) MarshalJSON() ([]byte, error) {
	wire := wireMessage{ID: m.ID, Role: m.Role, CreatedAt: m.CreatedAt}
	for _, item := range m.Content {
		switch v := item.(type) {
		case TextContent:
			wire.Content = append(wire.Content, wireContent{Type: ContentText, Text: v.Text})
		case ToolCallContent:
			wire.Content = append(wire.Content, wireContent{Type: ContentToolCall, ToolID: v.ToolID, Name: v.Name, Arguments: v.Arguments})
		case ToolResultContent:
			wire.Content = append(wire.Content, wireContent{Type: ContentToolResult, ToolCallID: v.ToolCallID, Result: v.Result})
		case FileContent:
			wire.Content = append(wire.Content, wireContent{Type: ContentFile, Filename: v.Filename, Extension: v.Extension, URL: v.URL, AuthToken: v.AuthToken})
		}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes a message and re-applies role validation.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	items := make([]ContentItem, 0, len(wire.Content))
	for _, c := range wire.Content {
		switch c.Type {
		case ContentText:
			items = append(items, TextContent{Text: c.Text})
		case ContentToolCall:
			items = append(items, ToolCallContent{ToolID: c.ToolID, Name: c.Name, Arguments: c.Arguments})
		case ContentToolResult:
			items = append(items, ToolResultContent{ToolCallID: c.ToolCallID, Result: c.Result})
		case ContentFile:
			items = append(items, FileContent{Filename: c.Filename, Extension: c.Extension, URL: c.URL, AuthToken: c.AuthToken})
		default:
			return fmt.Errorf("unknown content type %q", c.Type)
		}
	}
	msg, err := NewChatMessage(wire.Role, items...)
	if err != nil {
		return err
	}
	if wire.ID != "" {
		msg.ID = wire.ID
	}
	if !wire.CreatedAt.IsZero() {
		msg.CreatedAt = wire.CreatedAt
	}
	*m = *msg
	return nil
}
