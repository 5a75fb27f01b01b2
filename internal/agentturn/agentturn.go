// Package agentturn implements C9: chat-lock-serialized stream
// orchestration of a single agent turn, with provider fallback,
// tool-policy wrapping, and response-policy rewriting. Grounded on
// the teacher's internal/agent/runner/runner.go main loop
// (fallback-only-before-first-delta, role-ordering silent retry,
// compaction) generalized from a desktop-agent chat loop to the
// bounded-window turn shape spec.md §4.9 requires.
package agentturn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/relaybot/core/internal/ai"
	"github.com/relaybot/core/internal/approval"
	"github.com/relaybot/core/internal/audit"
	"github.com/relaybot/core/internal/chatlock"
	"github.com/relaybot/core/internal/convo"
	"github.com/relaybot/core/internal/models"
	"github.com/relaybot/core/internal/queue"
	"github.com/relaybot/core/internal/router"
	"github.com/relaybot/core/internal/tool"
	"github.com/relaybot/core/internal/transport"
)

// trivialCompletions are phrases the response policy treats as
// non-informative after an approved callback (spec.md §4.9).
var trivialCompletions = map[string]bool{
	"done": true, "completed": true, "all set": true, "ok": true, "okay": true,
}

// ApprovalRegistry is the subset of C8 the executor drives.
type ApprovalRegistry interface {
	Create(ctx context.Context, sessionID, chatID, toolCallID, toolName string, toolInput json.RawMessage, profile models.RiskProfile, correlationID string) (*approval.Approval, error)
}

// ToolCatalog resolves the wrapped tool set available for a turn; an
// external collaborator per spec.md §1 non-goals ("choosing... tools").
type ToolCatalog interface {
	Specs() []tool.Spec
}

// Executor runs one turn end to end.
type Executor struct {
	lock      *chatlock.Lock
	convo     *convo.Store
	approvals ApprovalRegistry
	policy    *tool.Policy
	catalog   ToolCatalog
	audit     *audit.Chain
	primary   ai.Provider
	fallback  ai.Provider // nil if unconfigured
	profiles  ai.ProfileTracker
	queue     *queue.Queue // nil in tests that never resume an approval
	log       *zap.SugaredLogger
}

func New(lock *chatlock.Lock, convoStore *convo.Store, approvals ApprovalRegistry, policy *tool.Policy, catalog ToolCatalog, chain *audit.Chain, primary, fallback ai.Provider, profiles ai.ProfileTracker, log *zap.SugaredLogger) *Executor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Executor{
		lock: lock, convo: convoStore, approvals: approvals, policy: policy, catalog: catalog,
		audit: chain, primary: primary, fallback: fallback, profiles: profiles, log: log,
	}
}

// SetQueue wires the job queue after construction, mirroring
// SetApprovals: the executor needs to enqueue follow-up turns once an
// approval decision resumes it, but the queue and the executor are
// built from the same wiring step in the caller.
func (e *Executor) SetQueue(q *queue.Queue) {
	e.queue = q
}

// SetApprovals wires the approval registry after construction, for the
// wiring cycle where the registry itself is constructed with this
// executor as its Resumer.
func (e *Executor) SetApprovals(approvals ApprovalRegistry) {
	e.approvals = approvals
}

// Outcome is what the executor returns to its caller (the queue
// worker driving QueueAgentTurns).
type Outcome struct {
	Text                string
	RegisteredApprovals []*approval.Approval
	ForcedApprovedText  bool
}

// ErrLockContention signals the caller should fail the job so the
// queue retries it (spec.md §4.9 step 1: "a backpressure signal, not
// an error for the user").
var ErrLockContention = chatlock.ErrNotAcquired

// Run executes spec.md §4.9's algorithm for one TurnExecutionRequest.
func (e *Executor) Run(ctx context.Context, req *router.TurnExecutionRequest, sink transport.DraftSink) (*Outcome, error) {
	lockKey := chatlock.Key(req.ChatID, req.ThreadID)
	handle, err := e.lock.Acquire(ctx, lockKey)
	if err != nil {
		return nil, fmt.Errorf("agentturn: %w", err)
	}
	stopHeartbeat := e.lock.RunHeartbeat(ctx, handle)
	defer func() {
		stopHeartbeat()
		e.lock.Release(ctx, handle)
	}()

	attempts := []ai.Provider{e.primary}
	if e.fallback != nil {
		attempts = append(attempts, e.fallback)
	}

	systemPrompt := buildSystemPrompt(req)

	prior, err := e.convo.LoadMessages(ctx, req.SessionID, convo.DefaultMessageLimit)
	if err != nil {
		return nil, fmt.Errorf("agentturn: loading messages: %w", err)
	}
	// An approval-callback resumption carries no new user text: the
	// tool-approval-response part was already persisted by
	// ResumeWithDecision before this turn was queued, so prior already
	// has it and there is nothing new to append here.
	var incoming []models.Part
	if req.Text != "" {
		incoming = []models.Part{{Type: models.PartText, Text: req.Text}}
		if _, err := e.convo.AppendMessage(ctx, req.SessionID, models.RoleUser, incoming, req.CorrelationID); err != nil {
			return nil, fmt.Errorf("agentturn: persisting inbound message: %w", err)
		}
	}

	messages := toProviderMessages(prior, incoming)

	var toolDecls []ai.ToolDeclaration
	var wrapped []tool.Wrapped
	if e.catalog != nil {
		origin := tool.OriginPrivateChat
		if req.ThreadID != "" {
			origin = tool.OriginGroupChat
		}
		wrapped = e.policy.Wrap(e.catalog.Specs(), origin)
		toolDecls = declarationsFor(wrapped)
	}

	var draft transport.DraftSink = transport.NoopDraftSink{}
	if sink != nil {
		draft = sink
	}
	throttled := transport.NewThrottledDraftSink(draft)

	// Tool calls that don't need approval execute inline and their
	// results feed back for another round, bounded so a misbehaving
	// tool loop can't run the turn forever.
	const maxToolIterations = 6

	var finalText string
	var executedCalls, toolResults, pendingApprovalCalls []models.Part
	iterMessages := messages

	for iter := 0; iter < maxToolIterations; iter++ {
		var textBuf strings.Builder
		var toolCalls []models.Part
		var firstDeltaEmitted bool

		for i, provider := range attempts {
			events, err := provider.Stream(ctx, ai.Request{
				SystemPrompt: systemPrompt,
				Messages:     iterMessages,
				Tools:        toolDecls,
			})
			if err != nil {
				if !firstDeltaEmitted && i+1 < len(attempts) {
					e.logFallback(ctx, req, provider.Name(), attempts[i+1].Name(), err)
					continue
				}
				e.recordProviderError(ctx, provider, err)
				return nil, fmt.Errorf("agentturn: provider stream: %w", err)
			}

			streamFailed := false
			for ev := range events {
				switch ev.Type {
				case ai.EventTextDelta:
					firstDeltaEmitted = true
					textBuf.WriteString(ev.TextDelta)
					_ = throttled.Send(ctx, req.ChatID, req.SessionID, textBuf.String(), req.ThreadID)
				case ai.EventToolCall:
					toolCalls = append(toolCalls, models.Part{
						Type: models.PartToolCall, ToolCallID: ev.ToolCallID, ToolName: ev.ToolName, ToolInput: ev.ToolInput,
					})
				case ai.EventMessageComplete:
					// nothing extra: textBuf/toolCalls already carry state
				case ai.EventError:
					streamFailed = true
					if !firstDeltaEmitted && i+1 < len(attempts) {
						e.logFallback(ctx, req, provider.Name(), attempts[i+1].Name(), ev.Err)
					} else {
						e.recordProviderError(ctx, provider, ev.Err)
						return nil, fmt.Errorf("agentturn: stream failed: %w", ev.Err)
					}
				}
			}
			if streamFailed && !firstDeltaEmitted && i+1 < len(attempts) {
				continue
			}
			if e.profiles != nil {
				_ = e.profiles.RecordUsage(ctx, provider.Name())
			}
			break
		}

		finalText = textBuf.String()
		if len(toolCalls) == 0 {
			break
		}

		var approvalCandidates []models.Part
		var iterExecuted, iterResults []models.Part
		for _, tc := range toolCalls {
			w := findWrapped(wrapped, tc.ToolName)
			if w != nil && w.NeedsApproval != nil && w.NeedsApproval(tc.ToolInput) {
				approvalCandidates = append(approvalCandidates, tc)
				continue
			}
			var res tool.Result
			if w != nil && w.Execute != nil {
				execRes, execErr := w.Execute(ctx, tc.ToolInput)
				if execErr != nil {
					res = tool.Result{Output: execErr.Error(), IsError: true}
				} else {
					res = execRes
				}
			} else {
				res = tool.Result{Output: "tool unavailable", IsError: true}
			}
			iterExecuted = append(iterExecuted, tc)
			iterResults = append(iterResults, models.Part{
				Type: models.PartToolResult, ToolCallID: tc.ToolCallID, ToolName: tc.ToolName,
				ToolOutput: res.Output, ToolIsError: res.IsError,
			})
		}

		executedCalls = append(executedCalls, iterExecuted...)
		toolResults = append(toolResults, iterResults...)

		if len(approvalCandidates) > 0 {
			pendingApprovalCalls = append(pendingApprovalCalls, approvalCandidates...)
			break
		}
		if len(iterExecuted) == 0 {
			break
		}

		iterMessages = append(iterMessages, ai.Message{Role: models.RoleAssistant, Parts: iterExecuted})
		iterMessages = append(iterMessages, ai.Message{Role: models.RoleTool, Parts: iterResults})
	}

	responseParts := make([]models.Part, 0, len(executedCalls)+len(toolResults)+len(pendingApprovalCalls)+1)
	if finalText != "" {
		responseParts = append(responseParts, models.Part{Type: models.PartText, Text: finalText})
	}
	responseParts = append(responseParts, executedCalls...)
	responseParts = append(responseParts, toolResults...)
	responseParts = append(responseParts, pendingApprovalCalls...)

	var registered []*approval.Approval
	if e.approvals != nil {
		for _, tc := range pendingApprovalCalls {
			a, err := e.approvals.Create(ctx, req.SessionID, req.ChatID, tc.ToolCallID, tc.ToolName, tc.ToolInput, req.Preferences.RiskProfile, req.CorrelationID)
			if err != nil {
				e.log.Warnw("registering tool approval failed", "tool", tc.ToolName, "error", err)
				continue
			}
			registered = append(registered, a)
			responseParts = append(responseParts, models.Part{
				Type: models.PartToolApprovalRequest, ApprovalID: a.ID, CallbackToken: a.CallbackToken, ToolCallID: tc.ToolCallID,
			})
		}
	}

	if _, err := e.convo.AppendMessage(ctx, req.SessionID, models.RoleAssistant, responseParts, req.CorrelationID); err != nil {
		return nil, fmt.Errorf("agentturn: persisting response: %w", err)
	}

	final, forced := applyResponsePolicy(req, finalText, len(registered) > 0)
	if forced && e.audit != nil {
		_, _ = e.audit.Append(ctx, "system", "agent-turn-executor", "turn.reask_blocked", map[string]any{
			"session_id": req.SessionID, "correlation_id": req.CorrelationID,
		}, req.CorrelationID, audit.NonCritical)
	}

	return &Outcome{Text: final, RegisteredApprovals: registered, ForcedApprovedText: forced}, nil
}

// ResumeWithDecision implements approval.Resumer: once a decision is
// recorded, it persists the synthetic tool-approval-response turn
// input (spec.md §4.8: "a synthetic turn input of role tool containing
// a tool-approval-response part"), executes the approved tool inline
// if the decision was approve, and queues a follow-up Agent Turn with
// empty text so the existing worker path (Run, driven off
// QueueAgentTurns) replays this history and lets the model react. It
// does not itself touch a provider; Run does that once the queued job
// is claimed.
func (e *Executor) ResumeWithDecision(ctx context.Context, a *approval.Approval, decision approval.Status) error {
	decisionText := string(decision)
	responsePart := models.Part{
		Type: models.PartToolApprovalResponse, ApprovalID: a.ID, CallbackToken: a.CallbackToken,
		ToolCallID: a.ToolCallID, ApprovalDecision: decisionText,
	}

	if _, err := e.convo.AppendMessage(ctx, a.SessionID, models.RoleTool, []models.Part{responsePart}, a.CorrelationID); err != nil {
		return fmt.Errorf("agentturn: persisting approval response: %w", err)
	}

	if decision == approval.StatusApproved {
		if err := e.executeApprovedTool(ctx, a); err != nil {
			return err
		}
	}

	return e.enqueueResumedTurn(ctx, a)
}

// executeApprovedTool runs the tool an approval decision unblocked and
// persists its result, under the same chat lock a fresh Run acquires.
func (e *Executor) executeApprovedTool(ctx context.Context, a *approval.Approval) error {
	lockKey := chatlock.Key(a.ChatID, "")
	handle, err := e.lock.Acquire(ctx, lockKey)
	if err != nil {
		return fmt.Errorf("agentturn: resuming after approval: %w", err)
	}
	stopHeartbeat := e.lock.RunHeartbeat(ctx, handle)
	defer func() {
		stopHeartbeat()
		e.lock.Release(ctx, handle)
	}()

	var wrapped []tool.Wrapped
	if e.catalog != nil {
		wrapped = e.policy.Wrap(e.catalog.Specs(), tool.OriginPrivateChat)
	}
	tw := findWrapped(wrapped, a.ToolName)
	if tw == nil || tw.Execute == nil {
		return nil
	}
	res, execErr := tw.Execute(ctx, a.ToolInput)
	if execErr != nil {
		res = tool.Result{Output: execErr.Error(), IsError: true}
	}
	resultPart := models.Part{
		Type: models.PartToolResult, ToolCallID: a.ToolCallID, ToolName: a.ToolName,
		ToolOutput: res.Output, ToolIsError: res.IsError,
	}
	_, err = e.convo.AppendMessage(ctx, a.SessionID, models.RoleTool, []models.Part{resultPart}, a.CorrelationID)
	return err
}

// enqueueResumedTurn queues the follow-up Agent Turn spec.md §4.8
// describes: empty text, so wasApprovedCallback's response-policy
// branch fires once Run streams the model's reaction.
func (e *Executor) enqueueResumedTurn(ctx context.Context, a *approval.Approval) error {
	if e.queue == nil {
		return nil
	}
	sess, err := e.convo.GetSession(ctx, a.SessionID)
	if err != nil {
		return fmt.Errorf("agentturn: loading session for resumption: %w", err)
	}
	prefs, err := e.convo.ResolvePreferences(ctx, sess.ChatID, sess.UserID)
	if err != nil {
		return fmt.Errorf("agentturn: resolving preferences for resumption: %w", err)
	}
	req := &router.TurnExecutionRequest{
		CorrelationID: a.CorrelationID,
		SessionID:     a.SessionID,
		ChatID:        sess.ChatID,
		UserID:        sess.UserID,
		ThreadID:      sess.ThreadID,
		Preferences:   prefs,
	}
	_, err = e.queue.Enqueue(ctx, queue.QueueAgentTurns, req, queue.EnqueueOptions{})
	return err
}

func (e *Executor) logFallback(ctx context.Context, req *router.TurnExecutionRequest, from, to string, err error) {
	e.log.Warnw("provider fallback", "from", from, "to", to, "reason", ai.ClassifyErrorReason(err))
	if e.audit != nil {
		_, _ = e.audit.Append(ctx, "system", "agent-turn-executor", "turn.provider_fallback", map[string]any{
			"from": from, "to": to, "reason": ai.ClassifyErrorReason(err),
		}, req.CorrelationID, audit.NonCritical)
	}
}

func (e *Executor) recordProviderError(ctx context.Context, provider ai.Provider, err error) {
	if e.profiles == nil || err == nil {
		return
	}
	reason := ai.FailureOther
	switch {
	case ai.IsRateLimitOrAuth(err):
		reason = ai.FailureRateLimit
	case ai.IsContextOverflow(err):
		reason = ai.FailureOther
	}
	if terr := e.profiles.RecordErrorWithCooldown(ctx, provider.Name(), reason); terr != nil {
		e.log.Warnw("recording provider error failed", "provider", provider.Name(), "error", terr)
	}
}

// buildSystemPrompt assembles the fixed template parameterized per
// spec.md §4.9 step 3: no ecosystem-specific strings leak into the
// contract, so the network name is the only domain-shaped input.
func buildSystemPrompt(req *router.TurnExecutionRequest) string {
	var b strings.Builder
	b.WriteString("You are an operator assistant executing actions on behalf of a chat user.\n")
	if req.Preferences.Network != "" {
		fmt.Fprintf(&b, "Active network: %s.\n", req.Preferences.Network)
	}
	if req.ThreadID != "" {
		b.WriteString("This is a group chat thread; only propose read-only actions unless explicitly instructed.\n")
	} else {
		b.WriteString("This is a private chat.\n")
	}
	if req.LinkedWalletAddress != "" {
		fmt.Fprintf(&b, "Linked wallet: %s.\n", req.LinkedWalletAddress)
	}
	switch req.Preferences.ResponseStyle {
	case models.StyleDetailed:
		b.WriteString("Respond with detailed explanations.\n")
	default:
		b.WriteString("Respond concisely.\n")
	}
	fmt.Fprintf(&b, "Risk profile: %s.\n", req.Preferences.RiskProfile)
	b.WriteString("Never ask the user to approve a sensitive action in plain text — the approval workflow renders its own prompt; do not restate or re-request it.\n")
	return b.String()
}

func toProviderMessages(prior []convo.Message, incoming []models.Part) []ai.Message {
	out := make([]ai.Message, 0, len(prior)+1)
	for _, m := range prior {
		out = append(out, ai.Message{Role: m.Role, Parts: m.Parts})
	}
	if len(incoming) > 0 {
		out = append(out, ai.Message{Role: models.RoleUser, Parts: incoming})
	}
	return out
}

func declarationsFor(wrapped []tool.Wrapped) []ai.ToolDeclaration {
	decls := make([]ai.ToolDeclaration, 0, len(wrapped))
	for _, w := range wrapped {
		decls = append(decls, ai.ToolDeclaration{Name: w.Name})
	}
	return decls
}

func findWrapped(wrapped []tool.Wrapped, name string) *tool.Wrapped {
	for i := range wrapped {
		if wrapped[i].Name == name {
			return &wrapped[i]
		}
	}
	return nil
}

// applyResponsePolicy implements spec.md §4.9's rewrite rules.
func applyResponsePolicy(req *router.TurnExecutionRequest, text string, pendingApprovals bool) (string, bool) {
	trimmed := strings.TrimSpace(strings.ToLower(text))
	isTrivialOrReask := trimmed == "" || trivialCompletions[trimmed] || strings.Contains(trimmed, "please approve") || strings.Contains(trimmed, "do you approve")

	wasApprovedCallback := req.Text == "" // approval callbacks carry no free text
	if wasApprovedCallback && isTrivialOrReask {
		text = "Approval received. Protected action executed."
		if pendingApprovals {
			text += "\n\nApproval pending."
		}
		return text, true
	}

	if trimmed == "" && req.Text != "" {
		text = fmt.Sprintf("Completed your request: %q.", req.Text)
	}
	if pendingApprovals {
		text += "\n\nApproval pending."
	}
	return text, false
}
