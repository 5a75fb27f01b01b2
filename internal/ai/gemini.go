package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/relaybot/core/internal/models"
)

// GeminiProvider streams turns through the generative-ai-go client.
// It has no first-party tool-call streaming support in the SDK's
// GenerateContentStream, so tool calls surface as a single
// EventToolCall once the candidate's function-call part completes.
type GeminiProvider struct {
	client *genai.Client
	model  string
	log    *zap.SugaredLogger
}

func NewGeminiProvider(ctx context.Context, apiKey, model string, log *zap.SugaredLogger) (*GeminiProvider, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &GeminiProvider{client: client, model: model, log: log}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Close() error { return p.client.Close() }

func (p *GeminiProvider) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	gm := p.client.GenerativeModel(model)
	if req.SystemPrompt != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.SystemPrompt)}}
	}
	if len(req.Tools) > 0 {
		var decls []*genai.FunctionDeclaration
		for _, t := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				p.log.Warnw("skipping tool with unparseable schema", "tool", t.Name, "err", err)
				continue
			}
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  geminiSchema(schema),
			})
		}
		if len(decls) > 0 {
			gm.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		}
	}

	cs := gm.StartChat()
	cs.History = geminiHistory(req.Messages)

	last := geminiLastUserText(req.Messages)
	iter := gm.GenerateContentStream(ctx, genai.Text(last))

	events := make(chan StreamEvent, 64)
	go p.pump(iter, events)
	return events, nil
}

func geminiHistory(msgs []Message) []*genai.Content {
	var out []*genai.Content
	for i, m := range msgs {
		if i == len(msgs)-1 && m.Role == models.RoleUser {
			continue // last user turn goes into GenerateContentStream, not history
		}
		role := "user"
		if m.Role == models.RoleAssistant {
			role = "model"
		}
		var parts []genai.Part
		for _, part := range m.Parts {
			if part.Type == models.PartText && part.Text != "" {
				parts = append(parts, genai.Text(part.Text))
			}
		}
		if len(parts) > 0 {
			out = append(out, &genai.Content{Role: role, Parts: parts})
		}
	}
	return out
}

func geminiLastUserText(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != models.RoleUser {
			continue
		}
		for _, part := range msgs[i].Parts {
			if part.Type == models.PartText {
				return part.Text
			}
		}
	}
	return ""
}

func geminiSchema(schema map[string]any) *genai.Schema {
	s := &genai.Schema{Type: genai.TypeObject}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name := range props {
			s.Properties[name] = &genai.Schema{Type: genai.TypeString}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if str, ok := r.(string); ok {
				s.Required = append(s.Required, str)
			}
		}
	}
	return s
}

func (p *GeminiProvider) pump(iter *genai.GenerateContentResponseIterator, events chan<- StreamEvent) {
	defer close(events)

	var textBuf string
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			events <- StreamEvent{Type: EventError, Err: fmt.Errorf("gemini stream: %w", err)}
			return
		}
		if len(resp.Candidates) == 0 {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			switch v := part.(type) {
			case genai.Text:
				textBuf += string(v)
				events <- StreamEvent{Type: EventTextDelta, TextDelta: string(v)}
			case genai.FunctionCall:
				input, _ := json.Marshal(v.Args)
				events <- StreamEvent{
					Type:      EventToolCall,
					ToolName:  v.Name,
					ToolInput: input,
				}
			}
		}
	}
	events <- StreamEvent{Type: EventMessageComplete, FinalParts: finalTextParts(textBuf)}
}
