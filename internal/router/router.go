// Package router implements C7: classification of stored updates into
// callback actions, allow-listed commands, or agent turns. Grounded on
// the teacher's STRAP tool-call grammar in DefaultSystemPrompt,
// adapted here into the callback-data prefix grammar of spec.md §6.
package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaybot/core/internal/convo"
	"github.com/relaybot/core/internal/models"
	"github.com/relaybot/core/internal/ratelimit"
)

// CallbackNamespace is the leading segment of callback-data payloads.
type CallbackNamespace string

const (
	NamespaceApproval CallbackNamespace = "ap"
	NamespaceSettings CallbackNamespace = "cfg"
	NamespaceWallet   CallbackNamespace = "wallet"
)

// Callback is a parsed callback-data payload (spec.md §6 grammar).
type Callback struct {
	Namespace CallbackNamespace
	Section   string // approval token / settings section / wallet sub-verb
	Action    string
	Value     string
}

// ParseCallback parses "<namespace>:<section>:<action>:<value>"
// against the three concrete grammars spec.md §6 defines. Any other
// payload is ignored (ok=false), never surfaced as an error to the
// caller — malformed callback data is a validation no-op, not a fault.
func ParseCallback(data string) (Callback, bool) {
	parts := strings.SplitN(data, ":", 4)
	if len(parts) < 2 {
		return Callback{}, false
	}
	switch CallbackNamespace(parts[0]) {
	case NamespaceApproval:
		// ap:<token>:{approve|deny|details|refresh}
		if len(parts) != 3 {
			return Callback{}, false
		}
		action := parts[2]
		if !isApprovalAction(action) {
			return Callback{}, false
		}
		return Callback{Namespace: NamespaceApproval, Section: parts[1], Action: action}, true
	case NamespaceSettings:
		// cfg:<section>:<target>:<value>
		if len(parts) != 4 {
			return Callback{}, false
		}
		return Callback{Namespace: NamespaceSettings, Section: parts[1], Action: parts[2], Value: parts[3]}, true
	case NamespaceWallet:
		// wallet:{status|cancel}:<session_id>
		if len(parts) != 3 {
			return Callback{}, false
		}
		action := parts[1]
		if action != "status" && action != "cancel" {
			return Callback{}, false
		}
		return Callback{Namespace: NamespaceWallet, Action: action, Value: parts[2]}, true
	default:
		return Callback{}, false
	}
}

func isApprovalAction(a string) bool {
	switch a {
	case "approve", "deny", "details", "refresh":
		return true
	default:
		return false
	}
}

// Command is an allow-listed slash command, exempt from the turn
// quota but still subject to chat-flood (spec.md §4.7 rule 3).
type Command string

const (
	CommandStart    Command = "start"
	CommandSettings Command = "settings"
	CommandNetwork  Command = "network"
	CommandWallet   Command = "wallet"
	CommandCancel   Command = "cancel"
)

var commandAllowList = map[Command]bool{
	CommandStart: true, CommandSettings: true, CommandNetwork: true,
	CommandWallet: true, CommandCancel: true,
}

// ParseCommand extracts a "/name arg..." command; ok=false if text
// does not start with '/' or the command is not allow-listed.
func ParseCommand(text string) (cmd Command, arg string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	body := strings.TrimPrefix(text, "/")
	fields := strings.SplitN(body, " ", 2)
	name := Command(strings.ToLower(fields[0]))
	if !commandAllowList[name] {
		return "", "", false
	}
	if len(fields) == 2 {
		arg = strings.TrimSpace(fields[1])
	}
	return name, arg, true
}

// TurnExecutionRequest is the router's output for anything that should
// drive an agent turn (spec.md §4.7).
type TurnExecutionRequest struct {
	CorrelationID string
	SessionID     string
	ChatID        string
	UserID        string
	ThreadID      string
	Text          string
	Preferences   models.Preferences

	// LinkedWalletAddress is populated by a wallet-linkage lookup that
	// lives outside the core (spec.md §1 non-goals: domain-specific
	// tools). Empty when the chat has no linked wallet.
	LinkedWalletAddress string
}

// ApprovalHandler is the subset of the Approval Engine (C8) the router
// dispatches callback decisions to; kept as an interface here to avoid
// a router<->approval import cycle.
type ApprovalHandler interface {
	HandleCallback(ctx context.Context, token, action string) error
}

// SettingsHandler applies "cfg:" callbacks to preferences.
type SettingsHandler interface {
	ApplySetting(ctx context.Context, chatID, userID, section, target, value string) error
}

// WalletHandler applies "wallet:" callbacks; an external collaborator
// per spec.md §1 non-goals ("domain-specific tools" out of scope), so
// the router only forwards the parsed intent.
type WalletHandler interface {
	HandleWallet(ctx context.Context, chatID, userID, action, sessionID string) error
}

// Notifier delivers a user-visible notice, gated by the caller's own
// notice-cooldown check.
type Notifier interface {
	Notify(ctx context.Context, chatID, threadID, text string) error
}

type Router struct {
	limiter  *ratelimit.Limiter
	convo    *convo.Store
	approval ApprovalHandler
	settings SettingsHandler
	wallet   WalletHandler
	notifier Notifier
	log      *zap.SugaredLogger
}

func New(limiter *ratelimit.Limiter, convoStore *convo.Store, approval ApprovalHandler, settings SettingsHandler, wallet WalletHandler, notifier Notifier, log *zap.SugaredLogger) *Router {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Router{limiter: limiter, convo: convoStore, approval: approval, settings: settings, wallet: wallet, notifier: notifier, log: log}
}

// InboundText is the router's single entry point: a plain text update
// already resolved to its chat/user/thread scope, plus any callback
// data attached to it.
type InboundText struct {
	ChatID       string
	UserID       string
	ThreadID     string
	Text         string
	CallbackData string // non-empty if this update is a button press
}

// Route implements spec.md §4.7's ordered rule list. It returns a
// non-nil TurnExecutionRequest only when an agent turn should run.
func (r *Router) Route(ctx context.Context, in InboundText) (*TurnExecutionRequest, error) {
	// Rule 1: callback actions win over everything else.
	if in.CallbackData != "" {
		if cb, ok := ParseCallback(in.CallbackData); ok {
			return nil, r.dispatchCallback(ctx, in, cb)
		}
		return nil, nil
	}

	// Rule 2: chat anti-flood gate, unconditionally.
	flood := r.limiter.CheckChatFlood(ctx, in.ChatID)
	if !flood.Allowed {
		r.maybeNotify(ctx, in, in.UserID, flood.Reason)
		return nil, nil
	}

	// Rule 3: allow-listed commands are exempt from the turn quota and
	// dispatched directly, never queued as an agent turn.
	if cmd, arg, ok := ParseCommand(in.Text); ok {
		return nil, r.dispatchCommand(ctx, in, cmd, arg)
	}

	// Rule 4: everything else needs turn-quota admission.
	turn := r.limiter.CheckUserTurn(ctx, in.UserID)
	if !turn.Allowed {
		r.maybeNotify(ctx, in, in.UserID, turn.Reason)
		return nil, nil
	}

	sess, err := r.convo.GetOrCreateSession(ctx, in.ChatID, in.UserID, in.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("router: materializing session: %w", err)
	}
	prefs, err := r.convo.ResolvePreferences(ctx, in.ChatID, in.UserID)
	if err != nil {
		return nil, err
	}

	return &TurnExecutionRequest{
		CorrelationID: uuid.NewString(),
		SessionID:     sess.ID,
		ChatID:        in.ChatID,
		UserID:        in.UserID,
		ThreadID:      in.ThreadID,
		Text:          in.Text,
		Preferences:   prefs,
	}, nil
}

func (r *Router) dispatchCallback(ctx context.Context, in InboundText, cb Callback) error {
	switch cb.Namespace {
	case NamespaceApproval:
		if r.approval == nil {
			return nil
		}
		return r.approval.HandleCallback(ctx, cb.Section, cb.Action)
	case NamespaceSettings:
		if r.settings == nil {
			return nil
		}
		return r.settings.ApplySetting(ctx, in.ChatID, in.UserID, cb.Section, cb.Action, cb.Value)
	case NamespaceWallet:
		if r.wallet == nil {
			return nil
		}
		return r.wallet.HandleWallet(ctx, in.ChatID, in.UserID, cb.Action, cb.Value)
	default:
		return nil
	}
}

// dispatchCommand implements spec.md §4.7 rule 3: allow-listed
// commands are dispatched directly to their handler, the same way
// dispatchCallback dispatches button presses, rather than being
// queued for the model to interpret.
func (r *Router) dispatchCommand(ctx context.Context, in InboundText, cmd Command, arg string) error {
	sess, err := r.convo.GetOrCreateSession(ctx, in.ChatID, in.UserID, in.ThreadID)
	if err != nil {
		return fmt.Errorf("router: materializing session for command: %w", err)
	}

	switch cmd {
	case CommandStart, CommandCancel:
		if err := r.convo.UpdateState(ctx, sess.ID, nil); err != nil {
			return fmt.Errorf("router: resetting session state: %w", err)
		}
		return r.notifyCommand(ctx, in, commandAck(cmd))
	case CommandSettings:
		if r.settings == nil {
			return nil
		}
		section, target, value, ok := parseSettingsArg(arg)
		if !ok {
			return r.notifyCommand(ctx, in, "Usage: /settings [user|chat] <response_style|risk_profile|network> <value>")
		}
		if err := r.settings.ApplySetting(ctx, in.ChatID, in.UserID, section, target, value); err != nil {
			return fmt.Errorf("router: applying /settings: %w", err)
		}
		return r.notifyCommand(ctx, in, "Setting updated.")
	case CommandNetwork:
		if r.settings == nil || arg == "" {
			return r.notifyCommand(ctx, in, "Usage: /network <name>")
		}
		if err := r.settings.ApplySetting(ctx, in.ChatID, in.UserID, "user", "network", arg); err != nil {
			return fmt.Errorf("router: applying /network: %w", err)
		}
		return r.notifyCommand(ctx, in, fmt.Sprintf("Network set to %s.", arg))
	case CommandWallet:
		if r.wallet == nil {
			return nil
		}
		action := arg
		if action == "" {
			action = "status"
		}
		return r.wallet.HandleWallet(ctx, in.ChatID, in.UserID, action, sess.ID)
	default:
		return nil
	}
}

func (r *Router) notifyCommand(ctx context.Context, in InboundText, text string) error {
	if r.notifier == nil || text == "" {
		return nil
	}
	return r.notifier.Notify(ctx, in.ChatID, in.ThreadID, text)
}

func commandAck(cmd Command) string {
	switch cmd {
	case CommandStart:
		return "Session started. Use /settings, /network, or /wallet to configure it, or just ask."
	case CommandCancel:
		return "Session reset."
	default:
		return ""
	}
}

// parseSettingsArg accepts "<target> <value>", defaulting to the user
// scope, or an explicit "<user|chat> <target> <value>" when the
// command should apply a chat-wide override instead.
func parseSettingsArg(arg string) (section, target, value string, ok bool) {
	fields := strings.Fields(arg)
	switch len(fields) {
	case 2:
		return "user", fields[0], fields[1], true
	case 3:
		if fields[0] == "user" || fields[0] == "chat" {
			return fields[0], fields[1], fields[2], true
		}
		return "", "", "", false
	default:
		return "", "", "", false
	}
}

func (r *Router) maybeNotify(ctx context.Context, in InboundText, userID string, reason ratelimit.Reason) {
	if r.notifier == nil {
		return
	}
	should, err := r.limiter.ShouldNotify(ctx, userID, reason)
	if err != nil || !should {
		return
	}
	msg := noticeFor(reason)
	if msg == "" {
		return
	}
	if err := r.notifier.Notify(ctx, in.ChatID, in.ThreadID, msg); err != nil {
		r.log.Warnw("failed to deliver rate-limit notice", "error", err)
	}
}

func noticeFor(reason ratelimit.Reason) string {
	switch reason {
	case ratelimit.ReasonChatFlood:
		return "This chat is sending messages too quickly. Please slow down."
	case ratelimit.ReasonBurst, ratelimit.ReasonMinute, ratelimit.ReasonDaily:
		return "You've hit your usage limit for now. Please try again shortly."
	default:
		return ""
	}
}
