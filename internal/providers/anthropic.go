package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/ttexan1/klavis-sub000/internal/backoff"
	"github.com/ttexan1/klavis-sub000/internal/mcp"
	"github.com/ttexan1/klavis-sub000/pkg/models"
)

// AnthropicAdapter streams rounds from the Anthropic Messages API.
//
// Tool calls arrive as tool_use content blocks: content_block_start carries
// the id and name, input_json_delta events carry argument fragments, and
// content_block_stop closes the block. The adapter accumulates those into a
// StreamState while forwarding text deltas as they arrive.
type AnthropicAdapter struct {
	client anthropic.Client
	config Config
	logger *slog.Logger
}

// NewAnthropicAdapter creates an adapter. APIKey is required.
func NewAnthropicAdapter(cfg Config) (*AnthropicAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	cfg.applyDefaults("claude-sonnet-4-20250514")

	// Retries are owned by Stream so the attempt budget is the configured one.
	options := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicAdapter{
		client: anthropic.NewClient(options...),
		config: cfg,
		logger: cfg.Logger.With("provider", "anthropic"),
	}, nil
}

// Name returns "anthropic".
func (a *AnthropicAdapter) Name() string { return "anthropic" }

// ToolFormat returns the Anthropic descriptor shape.
func (a *AnthropicAdapter) ToolFormat() mcp.ToolFormat { return mcp.FormatAnthropic }

// Stream starts one round. The returned Round always completes; stream
// failures are reported in-band as a single error token.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) *Round {
	round := newRound()
	go a.run(ctx, req, round)
	return round
}

func (a *AnthropicAdapter) run(ctx context.Context, req Request, round *Round) {
	system, messages := a.FromChatMessages(req.History)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.config.Model),
		Messages:  messages,
		MaxTokens: int64(a.config.MaxTokens),
	}
	if prompt := BuildSystemPrompt(system, req.Instructions, req.Resources); prompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: prompt}}
	}
	tools, err := anthropicTools(req.Tools)
	if err != nil {
		a.fail(ctx, round, NewStreamState(a.logger), err)
		return
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	var (
		state    *StreamState
		received bool
	)
	retryable := func(err error) bool { return !received && IsRetryable(err) }
	err = backoff.Do(ctx, a.config.Retry, a.config.MaxAttempts, retryable, func(ctx context.Context) error {
		state = NewStreamState(a.logger)
		stream := a.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()
		return a.consume(ctx, stream, state, round, &received)
	})
	if err != nil {
		a.fail(ctx, round, state, err)
		return
	}
	round.finish(a.assistantMessages(state, true), nil)
}

func (a *AnthropicAdapter) fail(ctx context.Context, round *Round, state *StreamState, err error) {
	a.logger.Error("stream failed", "model", a.config.Model, "error", err)
	round.emit(ctx, streamErrorText(err))
	if state == nil {
		state = NewStreamState(a.logger)
	}
	state.Finish()
	round.finish(a.assistantMessages(state, false), err)
}

func (a *AnthropicAdapter) consume(
	ctx context.Context,
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion],
	state *StreamState,
	round *Round,
	received *bool,
) error {
	for stream.Next() {
		event := stream.Current()
		*received = true
		index := int(event.Index)

		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				state.StartToolCall(index, toolUse.ID, toolUse.Name)
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				state.AppendText(delta.Text)
				if !round.emit(ctx, delta.Text) {
					return ctx.Err()
				}
			case "input_json_delta":
				state.AppendToolInput(index, delta.PartialJSON)
			}

		case "content_block_stop":
			state.FinishBlock(index)

		case "message_stop":
			state.Finish()
			return nil

		case "error":
			return &ProviderError{Reason: ReasonServerError, Provider: "anthropic", Message: "stream error event"}
		}
	}
	if err := stream.Err(); err != nil {
		return a.wrapError(err)
	}
	state.Finish()
	return nil
}

// assistantMessages synthesizes the vendor-native assistant message and
// normalizes it. After a failed stream only text is kept so that a partial
// tool call is never dispatched.
func (a *AnthropicAdapter) assistantMessages(state *StreamState, includeCalls bool) []*models.ChatMessage {
	var blocks []anthropic.ContentBlockParamUnion
	for _, item := range state.Content(includeCalls) {
		switch v := item.(type) {
		case models.TextContent:
			blocks = append(blocks, anthropic.NewTextBlock(v.Text))
		case models.ToolCallContent:
			blocks = append(blocks, anthropic.NewToolUseBlock(v.ToolID, v.Arguments, v.Name))
		}
	}
	if len(blocks) == 0 {
		return nil
	}
	msgs, err := a.ToChatMessages([]anthropic.MessageParam{anthropic.NewAssistantMessage(blocks...)})
	if err != nil {
		a.logger.Error("failed to normalize assistant message", "error", err)
		return nil
	}
	return msgs
}

func (a *AnthropicAdapter) wrapError(err error) error {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return newProviderError("anthropic", apiErr.StatusCode, "", err)
	}
	return newProviderError("anthropic", 0, "", err)
}

// FromChatMessages converts normalized messages to Anthropic params. System
// messages are returned as text since Anthropic carries them out of band;
// tool-role messages become user messages of tool_result blocks.
func (a *AnthropicAdapter) FromChatMessages(msgs []*models.ChatMessage) (string, []anthropic.MessageParam) {
	system := SystemText(msgs)
	params := make([]anthropic.MessageParam, 0, len(msgs))

	for _, msg := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		for _, item := range msg.Content {
			switch v := item.(type) {
			case models.TextContent:
				if v.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(v.Text))
				}
			case models.FileContent:
				blocks = append(blocks, anthropic.NewTextBlock(fileText(v)))
			case models.ToolCallContent:
				blocks = append(blocks, anthropic.NewToolUseBlock(v.ToolID, v.Arguments, v.Name))
			case models.ToolResultContent:
				blocks = append(blocks, anthropic.NewToolResultBlock(v.ToolCallID, v.Result, false))
			}
		}
		if len(blocks) == 0 {
			continue
		}

		switch msg.Role {
		case models.RoleAssistant:
			params = append(params, anthropic.NewAssistantMessage(blocks...))
		case models.RoleUser, models.RoleTool:
			params = append(params, anthropic.NewUserMessage(blocks...))
		}
	}
	return system, params
}

// ToChatMessages converts Anthropic params back to normalized messages. A
// user message holding tool_result blocks yields a tool-role message; any
// other blocks in it become a separate user message.
func (a *AnthropicAdapter) ToChatMessages(params []anthropic.MessageParam) ([]*models.ChatMessage, error) {
	var out []*models.ChatMessage
	for _, param := range params {
		var results, items []models.ContentItem
		for _, block := range param.Content {
			switch {
			case block.OfText != nil:
				items = append(items, models.TextContent{Text: block.OfText.Text})
			case block.OfToolUse != nil:
				items = append(items, models.ToolCallContent{
					ToolID:    block.OfToolUse.ID,
					Name:      block.OfToolUse.Name,
					Arguments: inputMap(block.OfToolUse.Input),
				})
			case block.OfToolResult != nil:
				var parts []string
				for _, c := range block.OfToolResult.Content {
					if c.OfText != nil {
						parts = append(parts, c.OfText.Text)
					}
				}
				results = append(results, models.ToolResultContent{
					ToolCallID: block.OfToolResult.ToolUseID,
					Result:     strings.Join(parts, "\n"),
				})
			}
		}

		role := models.RoleUser
		if param.Role == anthropic.MessageParamRoleAssistant {
			role = models.RoleAssistant
		}
		if len(results) > 0 {
			msg, err := models.NewChatMessage(models.RoleTool, results...)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		}
		if len(items) > 0 {
			msg, err := models.NewChatMessage(role, items...)
			if err != nil {
				return nil, fmt.Errorf("anthropic %s message: %w", param.Role, err)
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

// inputMap normalizes a tool_use input to a JSON object.
func inputMap(input any) map[string]any {
	switch v := input.(type) {
	case map[string]any:
		return v
	case nil:
		return map[string]any{}
	}
	data, err := json.Marshal(input)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func anthropicTools(tools []mcp.VendorTool) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		name, description, schemaMap, err := mcp.DecodeTool(tool)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(schemaMap)
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", name)
		}
		if description != "" {
			param.OfTool.Description = anthropic.String(description)
		}
		result = append(result, param)
	}
	return result, nil
}
