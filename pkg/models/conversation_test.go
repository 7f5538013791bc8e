package models

import (
	"errors"
	"testing"
)

func TestConversation_Append(t *testing.T) {
	conv := NewConversation("")
	if conv.ID == "" {
		t.Fatal("expected generated conversation ID")
	}

	user := MustChatMessage(RoleUser, TextContent{Text: "What's 2+2?"})
	call := MustChatMessage(RoleAssistant, ToolCallContent{ToolID: "t1", Name: "calculator"})
	result := MustChatMessage(RoleTool, ToolResultContent{ToolCallID: "t1", Result: "4"})

	if err := conv.Append(user); err != nil {
		t.Fatalf("Append(user) error: %v", err)
	}
	if err := conv.Append(call, result); err != nil {
		t.Fatalf("Append(call, result) error: %v", err)
	}
	if conv.Len() != 3 {
		t.Errorf("Len() = %d, want 3", conv.Len())
	}

	since := conv.Since(1)
	if len(since) != 2 || since[1] != result {
		t.Errorf("Since(1) = %v", since)
	}
	if conv.Since(5) != nil {
		t.Error("Since past the end should be nil")
	}
}

func TestConversation_AppendUnknownToolCall(t *testing.T) {
	conv := NewConversation("c1")
	orphan := MustChatMessage(RoleTool, ToolResultContent{ToolCallID: "missing", Result: "x"})

	err := conv.Append(orphan)
	if !errors.Is(err, ErrUnknownToolCall) {
		t.Fatalf("Append() error = %v, want ErrUnknownToolCall", err)
	}
	if conv.Len() != 0 {
		t.Errorf("nothing should be appended on error, got %d", conv.Len())
	}
}
