// Package models holds the shared domain types described in spec.md §3:
// message parts, preferences, and risk levels. Each owning component
// (audit, updates, queue, approval, convo) keeps its own row types;
// this package holds only the cross-cutting vocabulary.
package models

import "encoding/json"

// PartType is the tag of the message-part sum type (spec.md §9 design
// note: "Runtime type guards on message parts" -> tagged sum).
type PartType string

const (
	PartText                  PartType = "text"
	PartToolCall              PartType = "tool_call"
	PartToolResult            PartType = "tool_result"
	PartToolApprovalRequest   PartType = "tool_approval_request"
	PartToolApprovalResponse  PartType = "tool_approval_response"
)

// Part is one element of a Message's content. Exactly one of the
// optional fields is populated, selected by Type — callers should
// switch exhaustively on Type rather than probing fields.
type Part struct {
	Type PartType `json:"type"`

	Text string `json:"text,omitempty"`

	ToolCallID   string          `json:"tool_call_id,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ToolInput    json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput   string          `json:"tool_output,omitempty"`
	ToolIsError  bool            `json:"tool_is_error,omitempty"`

	ApprovalID    string `json:"approval_id,omitempty"`
	CallbackToken string `json:"callback_token,omitempty"`

	// ApprovalDecision is populated on PartToolApprovalResponse: "approved" | "denied" | "expired".
	ApprovalDecision string `json:"approval_decision,omitempty"`
}

// Role is a Message's speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ResponseStyle is a user/chat preference (spec.md §3).
type ResponseStyle string

const (
	StyleConcise  ResponseStyle = "concise"
	StyleDetailed ResponseStyle = "detailed"
)

// RiskProfile is a user/chat preference governing approval strictness.
type RiskProfile string

const (
	RiskProfileCautious RiskProfile = "cautious"
	RiskProfileBalanced RiskProfile = "balanced"
	RiskProfileAdvanced RiskProfile = "advanced"
)

// RiskLevel is the assessed severity of a pending tool call.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Preferences is the resolved (chat-override ?? user-default ??
// system-default) preference set for a turn.
type Preferences struct {
	ResponseStyle ResponseStyle
	RiskProfile   RiskProfile
	Network       string
}

// DefaultPreferences is the system-default fallback (spec.md §3).
func DefaultPreferences() Preferences {
	return Preferences{
		ResponseStyle: StyleConcise,
		RiskProfile:   RiskProfileBalanced,
	}
}

// Resolve overlays user defaults then chat overrides onto the system
// default, following the "chat-override ?? user-default ??
// system-default" rule verbatim.
func Resolve(userDefault, chatOverride *Preferences) Preferences {
	p := DefaultPreferences()
	if userDefault != nil {
		p = overlay(p, *userDefault)
	}
	if chatOverride != nil {
		p = overlay(p, *chatOverride)
	}
	return p
}

func overlay(base, over Preferences) Preferences {
	if over.ResponseStyle != "" {
		base.ResponseStyle = over.ResponseStyle
	}
	if over.RiskProfile != "" {
		base.RiskProfile = over.RiskProfile
	}
	if over.Network != "" {
		base.Network = over.Network
	}
	return base
}
