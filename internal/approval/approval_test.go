package approval

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/relaybot/core/internal/audit"
	"github.com/relaybot/core/internal/models"
	"github.com/relaybot/core/internal/queue"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	stmts := []string{
		`CREATE TABLE approvals (
			id TEXT PRIMARY KEY, callback_token TEXT NOT NULL UNIQUE, session_id TEXT NOT NULL, chat_id TEXT NOT NULL,
			tool_call_id TEXT NOT NULL, tool_name TEXT NOT NULL, tool_input TEXT NOT NULL,
			risk_level TEXT NOT NULL, risk_confidence TEXT NOT NULL, risk_profile TEXT NOT NULL DEFAULT 'balanced',
			status TEXT NOT NULL DEFAULT 'requested', prompt_message_id TEXT NOT NULL DEFAULT '',
			decided_by TEXT NOT NULL DEFAULT '', decided_at TEXT, correlation_id TEXT NOT NULL DEFAULT '',
			expires_at TEXT NOT NULL, created_at TEXT NOT NULL
		)`,
		`CREATE TABLE approval_intents (intent_key TEXT PRIMARY KEY, expires_at TEXT NOT NULL)`,
		`CREATE TABLE queue_jobs (
			id TEXT PRIMARY KEY, queue TEXT NOT NULL, payload TEXT NOT NULL, status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0, max_attempts INTEGER NOT NULL DEFAULT 5, available_at TEXT NOT NULL,
			reserved_until TEXT, created_at TEXT NOT NULL, updated_at TEXT NOT NULL, last_error TEXT
		)`,
		`CREATE TABLE dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT, job_id TEXT NOT NULL, queue TEXT NOT NULL, payload TEXT NOT NULL,
			reason TEXT NOT NULL, correlation_id TEXT NOT NULL DEFAULT '', created_at TEXT NOT NULL
		)`,
		`CREATE TABLE audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT, actor_type TEXT NOT NULL, actor_id TEXT NOT NULL, event_type TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}', correlation_id TEXT NOT NULL DEFAULT '', created_at TEXT NOT NULL,
			hash_chain TEXT NOT NULL, prev_hash TEXT
		)`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestEngine(db *sql.DB) *Engine {
	return New(db, queue.New(db), audit.New(db, nil), nil, nil, nil)
}

func TestCreate_PersistsAndSchedulesJobs(t *testing.T) {
	db := newTestDB(t)
	e := newTestEngine(db)
	ctx := context.Background()

	a, err := e.Create(ctx, "sess-1", "chat-1", "tc-1", "send_transfer", nil, models.RiskProfileBalanced, "corr-1")
	require.NoError(t, err)
	require.Len(t, a.CallbackToken, tokenLength)
	require.Equal(t, StatusRequested, a.Status)
	require.Equal(t, models.RiskHigh, a.RiskLevel)

	q := queue.New(db)
	depth, err := q.Depth(ctx, queue.QueueApprovalTimeouts.Name)
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	depth, err = q.Depth(ctx, queue.QueueApprovalCountdowns.Name)
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestDecide_ApproveTransitionsTerminal(t *testing.T) {
	db := newTestDB(t)
	e := newTestEngine(db)
	ctx := context.Background()

	a, err := e.Create(ctx, "sess-1", "chat-1", "tc-1", "read_balance", nil, models.RiskProfileBalanced, "corr-1")
	require.NoError(t, err)

	decided, err := e.Decide(ctx, a.CallbackToken, "user-1", true)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, decided.Status)
	require.Equal(t, "user-1", decided.DecidedBy)
}

func TestDecide_AlreadyDecidedRejected(t *testing.T) {
	db := newTestDB(t)
	e := newTestEngine(db)
	ctx := context.Background()

	a, err := e.Create(ctx, "sess-1", "chat-1", "tc-1", "read_balance", nil, models.RiskProfileBalanced, "corr-1")
	require.NoError(t, err)

	_, err = e.Decide(ctx, a.CallbackToken, "user-1", true)
	require.NoError(t, err)

	_, err = e.Decide(ctx, a.CallbackToken, "user-1", false)
	var already *AlreadyDecidedError
	require.True(t, errors.As(err, &already))
	require.Equal(t, StatusApproved, already.Status)
}

func TestDecide_ExpiredRejected(t *testing.T) {
	db := newTestDB(t)
	e := newTestEngine(db)
	ctx := context.Background()

	a, err := e.Create(ctx, "sess-1", "chat-1", "tc-1", "read_balance", nil, models.RiskProfileBalanced, "corr-1")
	require.NoError(t, err)

	e.now = func() time.Time { return time.Now().UTC().Add(TTL + time.Minute) }

	_, err = e.Decide(ctx, a.CallbackToken, "user-1", true)
	var already *AlreadyDecidedError
	require.True(t, errors.As(err, &already))
	require.Equal(t, StatusExpired, already.Status)
}

func TestDecide_CautiousDoubleTap(t *testing.T) {
	db := newTestDB(t)
	e := newTestEngine(db)
	ctx := context.Background()

	a, err := e.Create(ctx, "sess-1", "chat-1", "tc-1", "send_transfer", nil, models.RiskProfileCautious, "corr-1")
	require.NoError(t, err)
	require.Equal(t, models.RiskCritical, a.RiskLevel) // high base +1 cautious

	first, err := e.Decide(ctx, a.CallbackToken, "user-1", true)
	require.ErrorIs(t, err, ErrAwaitingConfirm)
	require.Equal(t, StatusRequested, first.Status)

	second, err := e.Decide(ctx, a.CallbackToken, "user-1", true)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, second.Status)
}

func TestRunExpiry_TransitionsPastDeadline(t *testing.T) {
	db := newTestDB(t)
	e := newTestEngine(db)
	ctx := context.Background()

	a, err := e.Create(ctx, "sess-1", "chat-1", "tc-1", "read_balance", nil, models.RiskProfileBalanced, "corr-1")
	require.NoError(t, err)

	e.now = func() time.Time { return time.Now().UTC().Add(TTL + time.Minute) }
	require.NoError(t, e.RunExpiry(ctx, a.ID))

	after, err := e.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, after.Status)
}

func TestRunExpiry_NoopIfAlreadyDecided(t *testing.T) {
	db := newTestDB(t)
	e := newTestEngine(db)
	ctx := context.Background()

	a, err := e.Create(ctx, "sess-1", "chat-1", "tc-1", "read_balance", nil, models.RiskProfileBalanced, "corr-1")
	require.NoError(t, err)
	_, err = e.Decide(ctx, a.CallbackToken, "user-1", true)
	require.NoError(t, err)

	e.now = func() time.Time { return time.Now().UTC().Add(TTL + time.Minute) }
	require.NoError(t, e.RunExpiry(ctx, a.ID))

	after, err := e.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, after.Status)
}

func TestRunCountdown_ReschedulesWhileRequested(t *testing.T) {
	db := newTestDB(t)
	e := newTestEngine(db)
	ctx := context.Background()

	a, err := e.Create(ctx, "sess-1", "chat-1", "tc-1", "read_balance", nil, models.RiskProfileBalanced, "corr-1")
	require.NoError(t, err)

	require.NoError(t, e.RunCountdown(ctx, a.ID))

	q := queue.New(db)
	depth, err := q.Depth(ctx, queue.QueueApprovalCountdowns.Name)
	require.NoError(t, err)
	require.Equal(t, 2, depth) // original from Create plus the reschedule from RunCountdown
}
