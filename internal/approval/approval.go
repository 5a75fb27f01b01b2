// Package approval implements C8: the approval state machine, TTL
// expiry, countdown refresh, and cautious-mode double-tap confirmation
// for sensitive tool calls. Grounded directly on
// other_examples/damil-dev-neurondb__approval_models.go for the
// approval entity shape and the teacher's tools/policy.go
// (RequiresApproval / RequestApproval / system-origin auto-approve).
package approval

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaybot/core/internal/audit"
	"github.com/relaybot/core/internal/models"
	"github.com/relaybot/core/internal/queue"
)

// Status is a lifecycle state of an Approval (spec.md §4.8). requested
// is the only non-terminal state.
type Status string

const (
	StatusRequested Status = "requested"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusExpired   Status = "expired"
	StatusFailed    Status = "failed"
)

func (s Status) terminal() bool { return s != StatusRequested }

// TTL is how long a pending approval remains decidable (spec.md §4.8).
const TTL = 5 * time.Minute

// CountdownInterval is the maximum spacing between countdown refresh
// re-renders (spec.md §4.8: "re-enqueue itself at min(30s, time-to-expiry)").
const CountdownInterval = 30 * time.Second

// DoubleTapTTL is how long a cautious-mode first tap's intent marker
// survives before a second tap is required to start over.
const DoubleTapTTL = 30 * time.Second

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const tokenLength = 16 // within spec.md §3's 14-16 char range

// Approval is a persisted Approval row.
type Approval struct {
	ID              string
	CallbackToken   string
	SessionID       string
	ChatID          string
	ToolCallID      string
	ToolName        string
	ToolInput       json.RawMessage
	RiskLevel       models.RiskLevel
	RiskConfidence  Confidence
	RiskProfile     models.RiskProfile
	Status          Status
	PromptMessageID string
	DecidedBy       string
	DecidedAt       *time.Time
	CorrelationID   string
	ExpiresAt       time.Time
	CreatedAt       time.Time
}

var (
	ErrNotFound        = errors.New("approval: not found")
	ErrAwaitingConfirm = errors.New("approval: awaiting confirmation tap")
)

// AlreadyDecidedError reports a decision attempt on a terminal
// approval (spec.md §4.8: "reject with already <status>").
type AlreadyDecidedError struct{ Status Status }

func (e *AlreadyDecidedError) Error() string { return fmt.Sprintf("already %s", e.Status) }

// Notifier is how the engine tells the user about expiry, gated
// through the transport boundary rather than imported directly.
type Notifier interface {
	NotifyExpiry(ctx context.Context, chatID, promptMessageID string) error
	RenderCountdown(ctx context.Context, chatID, promptMessageID string, remaining time.Duration) error
}

// Resumer drives the "approval -> agent resumption" step: a decision
// enqueues a follow-up agent turn carrying the tool-approval-response.
type Resumer interface {
	ResumeWithDecision(ctx context.Context, a *Approval, decision Status) error
}

type Engine struct {
	db       *sql.DB
	queue    *queue.Queue
	audit    *audit.Chain
	notifier Notifier
	resumer  Resumer
	log      *zap.SugaredLogger
	now      func() time.Time
}

func New(db *sql.DB, q *queue.Queue, chain *audit.Chain, notifier Notifier, resumer Resumer, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{db: db, queue: q, audit: chain, notifier: notifier, resumer: resumer, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func generateToken() (string, error) {
	b := make([]byte, tokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, tokenLength)
	for i, v := range b {
		out[i] = tokenAlphabet[int(v)%len(tokenAlphabet)]
	}
	return string(out), nil
}

// Create persists a new Approval and schedules its expiry and
// countdown-refresh jobs (spec.md §4.8 "Creation").
func (e *Engine) Create(ctx context.Context, sessionID, chatID, toolCallID, toolName string, toolInput json.RawMessage, profile models.RiskProfile, correlationID string) (*Approval, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("approval: generating callback token: %w", err)
	}
	assessment := AssessRisk(toolName, toolInput, profile)

	now := e.now()
	expiresAt := now.Add(TTL)
	id := token // approval_id is stable per turn; reuse the token as the row key's mate

	_, err = e.db.ExecContext(ctx, `
		INSERT INTO approvals (id, callback_token, session_id, chat_id, tool_call_id, tool_name, tool_input, risk_level, risk_confidence, risk_profile, status, correlation_id, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, token, sessionID, chatID, toolCallID, toolName, string(toolInput),
		string(assessment.Level), string(assessment.Confidence), string(profile), StatusRequested,
		correlationID, expiresAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("approval: inserting: %w", err)
	}

	if _, err := e.queue.Enqueue(ctx, queue.QueueApprovalTimeouts, ExpiryPayload{ApprovalID: id}, queue.EnqueueOptions{
		JobID: fmt.Sprintf("approval-expiry-%s", id), Delay: TTL,
	}); err != nil {
		e.log.Warnw("failed to schedule approval expiry job", "approval_id", id, "error", err)
	}
	if _, err := e.queue.Enqueue(ctx, queue.QueueApprovalCountdowns, CountdownPayload{ApprovalID: id}, queue.EnqueueOptions{
		JobID: fmt.Sprintf("approval-countdown-%s-%d", id, now.UnixNano()), Delay: CountdownInterval,
	}); err != nil {
		e.log.Warnw("failed to schedule approval countdown job", "approval_id", id, "error", err)
	}

	return e.Get(ctx, id)
}

// ExpiryPayload and CountdownPayload are the queued job bodies for the
// two delayed jobs Create schedules.
type ExpiryPayload struct {
	ApprovalID string `json:"approval_id"`
}
type CountdownPayload struct {
	ApprovalID string `json:"approval_id"`
}

// Get fetches an approval by id (== callback_token).
func (e *Engine) Get(ctx context.Context, id string) (*Approval, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT id, callback_token, session_id, chat_id, tool_call_id, tool_name, tool_input, risk_level, risk_confidence, risk_profile,
		       status, prompt_message_id, decided_by, decided_at, correlation_id, expires_at, created_at
		FROM approvals WHERE id = ?`, id)
	return scanApproval(row)
}

// GetByToken fetches an approval by its callback token.
func (e *Engine) GetByToken(ctx context.Context, token string) (*Approval, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT id, callback_token, session_id, chat_id, tool_call_id, tool_name, tool_input, risk_level, risk_confidence, risk_profile,
		       status, prompt_message_id, decided_by, decided_at, correlation_id, expires_at, created_at
		FROM approvals WHERE callback_token = ?`, token)
	return scanApproval(row)
}

func scanApproval(row *sql.Row) (*Approval, error) {
	var a Approval
	var toolInput, riskLevel, riskConf, riskProfile, status, expiresAt, createdAt string
	var decidedAt sql.NullString
	if err := row.Scan(&a.ID, &a.CallbackToken, &a.SessionID, &a.ChatID, &a.ToolCallID, &a.ToolName, &toolInput,
		&riskLevel, &riskConf, &riskProfile, &status, &a.PromptMessageID, &a.DecidedBy, &decidedAt, &a.CorrelationID, &expiresAt, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.ToolInput = json.RawMessage(toolInput)
	a.RiskLevel = models.RiskLevel(riskLevel)
	a.RiskConfidence = Confidence(riskConf)
	a.RiskProfile = models.RiskProfile(riskProfile)
	a.Status = Status(status)
	a.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if decidedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, decidedAt.String)
		a.DecidedAt = &t
	}
	return &a, nil
}

// SetPromptMessageID records where the approval prompt was posted, so
// the expiry/countdown workers can edit it later.
func (e *Engine) SetPromptMessageID(ctx context.Context, id, messageID string) error {
	_, err := e.db.ExecContext(ctx, `UPDATE approvals SET prompt_message_id = ? WHERE id = ?`, messageID, id)
	return err
}

func needsDoubleTap(a *Approval) bool {
	if a.RiskProfile != models.RiskProfileCautious {
		return false
	}
	return a.RiskLevel == models.RiskHigh || a.RiskLevel == models.RiskCritical
}

// tryRecordIntent implements the double-tap intent marker as a
// SET-NX-with-TTL: the first call in a fresh window wins the insert
// and reports isFirst=true; a call while the marker is still valid
// reports isFirst=false (a confirming second tap).
func (e *Engine) tryRecordIntent(ctx context.Context, key string) (isFirst bool, err error) {
	now := e.now()
	expiresAt := now.Add(DoubleTapTTL).Format(time.RFC3339Nano)
	res, err := e.db.ExecContext(ctx, `
		INSERT INTO approval_intents (intent_key, expires_at)
		VALUES (?, ?)
		ON CONFLICT(intent_key) DO UPDATE SET expires_at = ?
		WHERE approval_intents.expires_at <= ?`,
		key, expiresAt, expiresAt, now.Format(time.RFC3339Nano))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (e *Engine) clearIntent(ctx context.Context, key string) {
	_, _ = e.db.ExecContext(ctx, `DELETE FROM approval_intents WHERE intent_key = ?`, key)
}

// Decide applies an approve/deny decision (spec.md §4.8 "Decision").
// It returns ErrAwaitingConfirm for a cautious-mode first tap: the
// caller should re-render the prompt but must not treat this as a
// terminal state.
func (e *Engine) Decide(ctx context.Context, token, deciderID string, approve bool) (*Approval, error) {
	a, err := e.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if a.Status.terminal() {
		return nil, &AlreadyDecidedError{Status: a.Status}
	}
	now := e.now()
	if now.After(a.ExpiresAt) {
		if err := e.transition(ctx, a.ID, StatusExpired, ""); err != nil {
			return nil, err
		}
		return nil, &AlreadyDecidedError{Status: StatusExpired}
	}

	if needsDoubleTap(a) {
		intentKey := fmt.Sprintf("%s:%v", a.ID, approve)
		isFirst, err := e.tryRecordIntent(ctx, intentKey)
		if err != nil {
			return nil, fmt.Errorf("approval: recording double-tap intent: %w", err)
		}
		if isFirst {
			return a, ErrAwaitingConfirm
		}
		e.clearIntent(ctx, intentKey)
	}

	decision := StatusDenied
	if approve {
		decision = StatusApproved
	}
	if err := e.decideNow(ctx, a, decision, deciderID); err != nil {
		return nil, err
	}
	return e.Get(ctx, a.ID)
}

func (e *Engine) decideNow(ctx context.Context, a *Approval, decision Status, deciderID string) error {
	now := e.now().Format(time.RFC3339Nano)
	_, err := e.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, decided_by = ?, decided_at = ?
		WHERE id = ? AND status = ?`, string(decision), deciderID, now, a.ID, string(StatusRequested))
	if err != nil {
		return fmt.Errorf("approval: deciding: %w", err)
	}

	if e.audit != nil {
		_, _ = e.audit.Append(ctx, "user", deciderID, "approval.decided", map[string]any{
			"approval_id": a.ID, "tool_name": a.ToolName, "decision": string(decision),
		}, a.CorrelationID, audit.SecurityCritical)
	}

	if e.resumer != nil {
		if err := e.resumer.ResumeWithDecision(ctx, a, decision); err != nil {
			e.log.Warnw("resuming agent turn after approval decision failed", "approval_id", a.ID, "error", err)
		}
	}
	return nil
}

func (e *Engine) transition(ctx context.Context, id string, status Status, deciderID string) error {
	now := e.now().Format(time.RFC3339Nano)
	var decidedAt any
	if status.terminal() {
		decidedAt = now
	}
	_, err := e.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, decided_by = COALESCE(NULLIF(?, ''), decided_by), decided_at = COALESCE(?, decided_at)
		WHERE id = ? AND status = ?`, string(status), deciderID, decidedAt, id, string(StatusRequested))
	return err
}

// HandleCallback adapts router.ApprovalHandler to Decide, using the
// caller's context risk profile lookup left to the resumer/session
// wiring — the router only knows the callback token and action.
func (e *Engine) HandleCallback(ctx context.Context, token, action string) error {
	switch action {
	case "approve", "deny":
		_, err := e.Decide(ctx, token, "", action == "approve")
		if errors.Is(err, ErrAwaitingConfirm) {
			return nil
		}
		var already *AlreadyDecidedError
		if errors.As(err, &already) {
			return nil
		}
		return err
	case "details", "refresh":
		return nil
	default:
		return nil
	}
}

// RunExpiry implements the expiry worker (spec.md §4.8): verify still
// requested and past expiry, transition, audit, notify.
func (e *Engine) RunExpiry(ctx context.Context, approvalID string) error {
	a, err := e.Get(ctx, approvalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if a.Status != StatusRequested {
		return nil
	}
	if !e.now().After(a.ExpiresAt) {
		return nil
	}
	if err := e.transition(ctx, a.ID, StatusExpired, ""); err != nil {
		return err
	}
	if e.audit != nil {
		_, _ = e.audit.Append(ctx, "system", "approval-engine", "approval.expired", map[string]any{
			"approval_id": a.ID, "tool_name": a.ToolName,
		}, a.CorrelationID, audit.NonCritical)
	}
	if e.notifier != nil {
		if err := e.notifier.NotifyExpiry(ctx, a.ChatID, a.PromptMessageID); err != nil {
			e.log.Warnw("approval expiry notification failed", "approval_id", a.ID, "error", err)
		}
	}
	return nil
}

// RunCountdown implements the countdown worker (spec.md §4.8): while
// still requested and not expired, re-render and reschedule at
// min(30s, time-to-expiry); otherwise stop.
func (e *Engine) RunCountdown(ctx context.Context, approvalID string) error {
	a, err := e.Get(ctx, approvalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if a.Status != StatusRequested {
		return nil
	}
	remaining := a.ExpiresAt.Sub(e.now())
	if remaining <= 0 {
		return nil
	}

	if e.notifier != nil {
		if err := e.notifier.RenderCountdown(ctx, a.ChatID, a.PromptMessageID, remaining); err != nil {
			e.log.Warnw("countdown render failed", "approval_id", a.ID, "error", err)
		}
	}

	next := CountdownInterval
	if remaining < next {
		next = remaining
	}
	if _, err := e.queue.Enqueue(ctx, queue.QueueApprovalCountdowns, CountdownPayload{ApprovalID: a.ID}, queue.EnqueueOptions{
		JobID: fmt.Sprintf("approval-countdown-%s-%d", a.ID, e.now().Add(next).UnixNano()), Delay: next,
	}); err != nil {
		e.log.Warnw("rescheduling countdown failed", "approval_id", a.ID, "error", err)
	}
	return nil
}
