package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"

	"github.com/relaybot/core/internal/models"
)

// OpenAIProvider streams turns through the Chat Completions API.
type OpenAIProvider struct {
	client openai.Client
	model  string
	log    *zap.SugaredLogger
}

func NewOpenAIProvider(apiKey, model string, log *zap.SugaredLogger) *OpenAIProvider {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		log:    log,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	messages := openAIMessages(req)

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				p.log.Warnw("skipping tool with unparseable schema", "tool", t.Name, "err", err)
				continue
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  shared.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	events := make(chan StreamEvent, 64)
	go p.pump(stream, events)
	return events, nil
}

func openAIMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		out = append(out, openai.SystemMessage(req.SystemPrompt))
	}

	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			for _, part := range m.Parts {
				if part.Type == models.PartText && part.Text != "" {
					out = append(out, openai.SystemMessage(part.Text))
				}
			}
		case models.RoleUser:
			for _, part := range m.Parts {
				if part.Type == models.PartText && part.Text != "" {
					out = append(out, openai.UserMessage(part.Text))
				}
			}
		case models.RoleAssistant:
			out = append(out, openAIAssistantMessage(m.Parts))
		case models.RoleTool:
			for _, part := range m.Parts {
				if part.Type == models.PartToolResult {
					out = append(out, openai.ToolMessage(part.ToolOutput, part.ToolCallID))
				}
			}
		}
	}
	return out
}

func openAIAssistantMessage(parts []models.Part) openai.ChatCompletionMessageParamUnion {
	var text string
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for _, part := range parts {
		switch part.Type {
		case models.PartText:
			text += part.Text
		case models.PartToolCall:
			toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
				ID:   part.ToolCallID,
				Type: "function",
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      part.ToolName,
					Arguments: string(part.ToolInput),
				},
			})
		}
	}
	msg := openai.ChatCompletionAssistantMessageParam{Role: "assistant"}
	if text != "" {
		msg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
	}
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &msg}
}

func (p *OpenAIProvider) pump(stream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
}, events chan<- StreamEvent) {
	defer close(events)

	acc := openai.ChatCompletionAccumulator{}
	var textBuf string

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if tc, ok := acc.JustFinishedToolCall(); ok {
			events <- StreamEvent{
				Type:       EventToolCall,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				ToolInput:  json.RawMessage(tc.Arguments),
			}
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			d := chunk.Choices[0].Delta.Content
			textBuf += d
			events <- StreamEvent{Type: EventTextDelta, TextDelta: d}
		}
	}

	if err := stream.Err(); err != nil {
		events <- StreamEvent{Type: EventError, Err: fmt.Errorf("openai stream: %w", err)}
		return
	}
	events <- StreamEvent{Type: EventMessageComplete, FinalParts: finalTextParts(textBuf)}
}
