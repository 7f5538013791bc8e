package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ttexan1/klavis-sub000/internal/backoff"
	"github.com/ttexan1/klavis-sub000/internal/mcp"
	"github.com/ttexan1/klavis-sub000/pkg/models"
)

// OpenAIAdapter streams rounds from the OpenAI Chat Completions API.
//
// OpenAI streams tool calls as deltas keyed by index: the first delta for
// an index carries the id and function name, later ones carry argument
// fragments. Arguments are parsed once the stream ends.
type OpenAIAdapter struct {
	client *openai.Client
	config Config
	logger *slog.Logger
}

// NewOpenAIAdapter creates an adapter. APIKey is required.
func NewOpenAIAdapter(cfg Config) (*OpenAIAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	cfg.applyDefaults("gpt-4o")

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIAdapter{
		client: openai.NewClientWithConfig(clientConfig),
		config: cfg,
		logger: cfg.Logger.With("provider", "openai"),
	}, nil
}

// Name returns "openai".
func (a *OpenAIAdapter) Name() string { return "openai" }

// ToolFormat returns the OpenAI function descriptor shape.
func (a *OpenAIAdapter) ToolFormat() mcp.ToolFormat { return mcp.FormatOpenAI }

// Stream starts one round.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) *Round {
	round := newRound()
	go a.run(ctx, req, round)
	return round
}

func (a *OpenAIAdapter) run(ctx context.Context, req Request, round *Round) {
	system := BuildSystemPrompt(SystemText(req.History), req.Instructions, req.Resources)
	chatReq := openai.ChatCompletionRequest{
		Model:     a.config.Model,
		Messages:  a.FromChatMessages(req.History, system),
		MaxTokens: a.config.MaxTokens,
		Stream:    true,
	}
	tools, err := openAITools(req.Tools)
	if err != nil {
		a.fail(ctx, round, NewStreamState(a.logger), err)
		return
	}
	if len(tools) > 0 {
		chatReq.Tools = tools
	}

	stream, err := backoff.Retry(ctx, a.config.Retry, a.config.MaxAttempts, IsRetryable,
		func(ctx context.Context, attempt int) (*openai.ChatCompletionStream, error) {
			stream, err := a.client.CreateChatCompletionStream(ctx, chatReq)
			if err != nil {
				a.logger.Warn("stream request failed", "attempt", attempt, "error", err)
				return nil, a.wrapError(err)
			}
			return stream, nil
		})
	if err != nil {
		a.fail(ctx, round, nil, err)
		return
	}
	defer stream.Close()

	state := NewStreamState(a.logger)
	if err := a.consume(ctx, stream, state, round); err != nil {
		a.fail(ctx, round, state, err)
		return
	}
	round.finish(a.assistantMessages(state, true), nil)
}

func (a *OpenAIAdapter) fail(ctx context.Context, round *Round, state *StreamState, err error) {
	a.logger.Error("stream failed", "model", a.config.Model, "error", err)
	round.emit(ctx, streamErrorText(err))
	if state == nil {
		state = NewStreamState(a.logger)
	}
	state.Finish()
	round.finish(a.assistantMessages(state, false), err)
}

func (a *OpenAIAdapter) consume(ctx context.Context, stream *openai.ChatCompletionStream, state *StreamState, round *Round) error {
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			state.Finish()
			return nil
		}
		if err != nil {
			return a.wrapError(err)
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if text := choice.Delta.Content; text != "" {
			state.AppendText(text)
			if !round.emit(ctx, text) {
				return ctx.Err()
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			state.StartToolCall(index, tc.ID, tc.Function.Name)
			if tc.Function.Arguments != "" {
				state.AppendToolInput(index, tc.Function.Arguments)
			}
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			state.Finish()
		}
	}
}

func (a *OpenAIAdapter) assistantMessages(state *StreamState, includeCalls bool) []*models.ChatMessage {
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
	var text strings.Builder
	for _, item := range state.Content(includeCalls) {
		switch v := item.(type) {
		case models.TextContent:
			text.WriteString(v.Text)
		case models.ToolCallContent:
			msg.ToolCalls = append(msg.ToolCalls, openAIToolCall(v))
		}
	}
	msg.Content = text.String()
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return nil
	}
	msgs, err := a.ToChatMessages([]openai.ChatCompletionMessage{msg})
	if err != nil {
		a.logger.Error("failed to normalize assistant message", "error", err)
		return nil
	}
	return msgs
}

func (a *OpenAIAdapter) wrapError(err error) error {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return newProviderError("openai", apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return newProviderError("openai", reqErr.HTTPStatusCode, "", err)
	}
	return newProviderError("openai", 0, "", err)
}

// FromChatMessages converts normalized messages to OpenAI messages. The
// system prompt, when non-empty, goes first; system messages in msgs are
// assumed to be folded into it. Each tool result becomes its own tool
// message carrying the originating call id.
func (a *OpenAIAdapter) FromChatMessages(msgs []*models.ChatMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleUser:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: userText(msg),
			})
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Text(),
			}
			for _, call := range msg.ToolCalls() {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openAIToolCall(call))
			}
			result = append(result, oaiMsg)
		case models.RoleTool:
			for _, tr := range msg.ToolResults() {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Result,
					ToolCallID: tr.ToolCallID,
				})
			}
		}
	}
	return result
}

// ToChatMessages converts OpenAI messages back. Consecutive tool messages
// are regrouped into one tool-role message.
func (a *OpenAIAdapter) ToChatMessages(msgs []openai.ChatCompletionMessage) ([]*models.ChatMessage, error) {
	var (
		out     []*models.ChatMessage
		pending []models.ContentItem
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		msg, err := models.NewChatMessage(models.RoleTool, pending...)
		if err != nil {
			return err
		}
		out = append(out, msg)
		pending = nil
		return nil
	}

	for _, m := range msgs {
		if m.Role == openai.ChatMessageRoleTool {
			pending = append(pending, models.ToolResultContent{ToolCallID: m.ToolCallID, Result: m.Content})
			continue
		}
		if err := flush(); err != nil {
			return nil, err
		}

		var (
			role  models.Role
			items []models.ContentItem
		)
		if m.Content != "" {
			items = append(items, models.TextContent{Text: m.Content})
		}
		switch m.Role {
		case openai.ChatMessageRoleSystem:
			role = models.RoleSystem
		case openai.ChatMessageRoleAssistant:
			role = models.RoleAssistant
			for _, tc := range m.ToolCalls {
				items = append(items, models.ToolCallContent{
					ToolID:    tc.ID,
					Name:      tc.Function.Name,
					Arguments: a.parseArguments(tc.Function.Name, tc.Function.Arguments),
				})
			}
		default:
			role = models.RoleUser
		}
		if len(items) == 0 {
			continue
		}
		msg, err := models.NewChatMessage(role, items...)
		if err != nil {
			return nil, fmt.Errorf("openai %s message: %w", m.Role, err)
		}
		out = append(out, msg)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *OpenAIAdapter) parseArguments(tool, raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		a.logger.Warn("failed to parse tool call arguments", "tool", tool, "error", err)
		return map[string]any{}
	}
	return args
}

func openAIToolCall(call models.ToolCallContent) openai.ToolCall {
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte("{}")
	}
	return openai.ToolCall{
		ID:   call.ToolID,
		Type: openai.ToolTypeFunction,
		Function: openai.FunctionCall{
			Name:      call.Name,
			Arguments: string(data),
		},
	}
}

func openAITools(tools []mcp.VendorTool) ([]openai.Tool, error) {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		name, description, schema, err := mcp.DecodeTool(tool)
		if err != nil {
			return nil, err
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        name,
				Description: description,
				Parameters:  schema,
			},
		})
	}
	return result, nil
}
