package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"go.uber.org/zap"

	"github.com/relaybot/core/internal/models"
)

const defaultMaxTokens = 8192

// AnthropicProvider streams turns through the Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
	log    *zap.SugaredLogger
}

func NewAnthropicProvider(apiKey, model string, log *zap.SugaredLogger) *AnthropicProvider {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		log:    log,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: build messages: %w", err)
	}

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(defaultMaxTokens),
		Messages:  messages,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				p.log.Warnw("skipping tool with unparseable schema", "tool", t.Name, "err", err)
				continue
			}
			tp := anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: schema["properties"]},
			}
			if required, ok := schema["required"].([]any); ok {
				strs := make([]string, len(required))
				for i, r := range required {
					strs[i], _ = r.(string)
				}
				tp.InputSchema.Required = strs
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &tp})
		}
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	events := make(chan StreamEvent, 64)
	go p.pump(stream, events)
	return events, nil
}

func anthropicMessages(msgs []Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			continue
		case models.RoleUser, models.RoleTool:
			blocks, err := anthropicUserBlocks(m.Parts)
			if err != nil {
				return nil, err
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		case models.RoleAssistant:
			blocks := anthropicAssistantBlocks(m.Parts)
			if len(blocks) > 0 {
				out = append(out, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			}
		}
	}
	return out, nil
}

func anthropicUserBlocks(parts []models.Part) ([]anthropic.ContentBlockParamUnion, error) {
	var blocks []anthropic.ContentBlockParamUnion
	for _, part := range parts {
		switch part.Type {
		case models.PartText:
			if part.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		case models.PartToolResult:
			blocks = append(blocks, anthropic.NewToolResultBlock(part.ToolCallID, part.ToolOutput, part.ToolIsError))
		}
	}
	return blocks, nil
}

func anthropicAssistantBlocks(parts []models.Part) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, part := range parts {
		switch part.Type {
		case models.PartText:
			if part.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		case models.PartToolCall:
			var input map[string]any
			if err := json.Unmarshal(part.ToolInput, &input); err != nil {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropic.ContentBlockParamUnion{
				OfToolUse: &anthropic.ToolUseBlockParam{
					ID:    part.ToolCallID,
					Name:  part.ToolName,
					Input: input,
				},
			})
		}
	}
	return blocks
}

func (p *AnthropicProvider) pump(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- StreamEvent) {
	defer close(events)

	var toolID, toolName, inputBuf string
	var textBuf string

	for stream.Next() {
		ev := stream.Current()
		switch ev.Type {
		case "content_block_start":
			cb := ev.AsContentBlockStart()
			if tu, ok := cb.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				toolID, toolName, inputBuf = tu.ID, tu.Name, ""
			}
		case "content_block_delta":
			delta := ev.AsContentBlockDelta()
			switch d := delta.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				textBuf += d.Text
				events <- StreamEvent{Type: EventTextDelta, TextDelta: d.Text}
			case anthropic.InputJSONDelta:
				inputBuf += d.PartialJSON
			}
		case "content_block_stop":
			if toolID != "" {
				events <- StreamEvent{
					Type:       EventToolCall,
					ToolCallID: toolID,
					ToolName:   toolName,
					ToolInput:  json.RawMessage(inputBuf),
				}
				toolID, toolName, inputBuf = "", "", ""
			}
		case "message_stop":
			events <- StreamEvent{Type: EventMessageComplete, FinalParts: finalTextParts(textBuf)}
			return
		case "error":
			events <- StreamEvent{Type: EventError, Err: fmt.Errorf("anthropic stream error: %s", ev.RawJSON())}
			return
		}
	}
	if err := stream.Err(); err != nil {
		events <- StreamEvent{Type: EventError, Err: err}
		return
	}
	events <- StreamEvent{Type: EventMessageComplete, FinalParts: finalTextParts(textBuf)}
}

func finalTextParts(text string) []models.Part {
	if text == "" {
		return nil
	}
	return []models.Part{{Type: models.PartText, Text: text}}
}
