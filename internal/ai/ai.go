// Package ai defines the model-provider boundary the Agent Turn
// Executor streams through, plus the error classifiers that decide
// fallback and retry behavior. Grounded on the teacher's provider.go
// (StreamEvent shape, error classifiers) with concrete adapters over
// github.com/anthropics/anthropic-sdk-go,
// github.com/openai/openai-go, and
// github.com/google/generative-ai-go per spec.md §6's model-id knobs.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/relaybot/core/internal/models"
)

// EventType tags a StreamEvent.
type EventType string

const (
	EventTextDelta       EventType = "text_delta"
	EventToolCall        EventType = "tool_call"
	EventMessageComplete EventType = "message_complete"
	EventError           EventType = "error"
)

// StreamEvent is one unit of a provider's streamed response.
type StreamEvent struct {
	Type EventType

	TextDelta string

	ToolCallID   string
	ToolName     string
	ToolInput    json.RawMessage

	// FinalParts is populated on EventMessageComplete: the assembled
	// response as tagged parts, ready for persistence.
	FinalParts []models.Part

	Err error
}

// Message is a provider-agnostic chat turn for the request side.
type Message struct {
	Role  models.Role
	Parts []models.Part
}

// ToolDeclaration is what the executor hands the provider for each
// wrapped tool (see internal/tool).
type ToolDeclaration struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is one turn's worth of provider input.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDeclaration
}

// Provider streams a single turn. Implementations must close the
// returned channel when the stream ends, whether by completion,
// error, or context cancellation.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Errors classified by the executor's stream-failure handling
// (spec.md §4.9 step 6, §7).
var (
	ErrContextOverflow = errors.New("ai: context window overflow")
	ErrRateLimitOrAuth = errors.New("ai: rate limited or unauthorized")
	ErrRoleOrdering    = errors.New("ai: invalid message role ordering")
)

// IsContextOverflow reports whether err indicates the provider
// rejected the request for exceeding its context window.
func IsContextOverflow(err error) bool {
	if errors.Is(err, ErrContextOverflow) {
		return true
	}
	return containsAny(err, "context length", "context_length_exceeded", "maximum context", "too many tokens")
}

// IsRateLimitOrAuth reports whether err is a rate-limit or auth
// failure — the two classes the executor treats as fallback-eligible
// alongside context overflow.
func IsRateLimitOrAuth(err error) bool {
	if errors.Is(err, ErrRateLimitOrAuth) {
		return true
	}
	return containsAny(err, "rate limit", "rate_limit", "429", "unauthorized", "invalid api key", "401", "403")
}

// IsRoleOrderingError reports whether err indicates the provider
// rejected the message list's role sequence (e.g. two consecutive
// user turns after a dropped assistant message during compaction).
func IsRoleOrderingError(err error) bool {
	if errors.Is(err, ErrRoleOrdering) {
		return true
	}
	return containsAny(err, "role", "must alternate", "unexpected role", "conversation must")
}

// ClassifyErrorReason maps a stream failure to a stable reason string
// for audit metadata and dead-letter entries.
func ClassifyErrorReason(err error) string {
	switch {
	case err == nil:
		return ""
	case IsContextOverflow(err):
		return "context_overflow"
	case IsRateLimitOrAuth(err):
		return "rate_limit_or_auth"
	case IsRoleOrderingError(err):
		return "role_ordering"
	default:
		return "generic"
	}
}

func containsAny(err error, substrs ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range substrs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
