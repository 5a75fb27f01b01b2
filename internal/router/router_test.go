package router

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/relaybot/core/internal/config"
	"github.com/relaybot/core/internal/convo"
	"github.com/relaybot/core/internal/ratelimit"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	stmts := []string{
		`CREATE TABLE rate_counters (counter_key TEXT PRIMARY KEY, count INTEGER NOT NULL DEFAULT 0, expires_at TEXT NOT NULL)`,
		`CREATE TABLE notice_cooldowns (cooldown_key TEXT PRIMARY KEY, expires_at TEXT NOT NULL)`,
		`CREATE TABLE sessions (id TEXT PRIMARY KEY, chat_id TEXT NOT NULL, user_id TEXT NOT NULL, thread_id TEXT NOT NULL DEFAULT '', state TEXT NOT NULL DEFAULT '{}', last_message_at TEXT NOT NULL, created_at TEXT NOT NULL, UNIQUE(chat_id, user_id, thread_id))`,
		`CREATE TABLE messages (id INTEGER PRIMARY KEY AUTOINCREMENT, session_id TEXT NOT NULL, role TEXT NOT NULL, parts TEXT NOT NULL DEFAULT '[]', correlation_id TEXT NOT NULL DEFAULT '', created_at TEXT NOT NULL)`,
		`CREATE TABLE user_preferences (user_id TEXT PRIMARY KEY, response_style TEXT NOT NULL DEFAULT '', risk_profile TEXT NOT NULL DEFAULT '', network TEXT NOT NULL DEFAULT '')`,
		`CREATE TABLE chat_preferences (chat_id TEXT PRIMARY KEY, response_style TEXT NOT NULL DEFAULT '', risk_profile TEXT NOT NULL DEFAULT '', network TEXT NOT NULL DEFAULT '')`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testLimiter(db *sql.DB) *ratelimit.Limiter {
	return ratelimit.New(db, config.RateLimitConfig{
		BurstWindow: 10 * time.Second, MinuteWindow: time.Minute,
		ChatMinuteMax: 2, FreeBurstMax: 5, FreeMinuteMax: 5, FreeDailyMax: 100,
		TrustedMultiplier: 5, NoticeCooldown: 20 * time.Second,
	}, nil)
}

func TestParseCallback_Approval(t *testing.T) {
	cb, ok := ParseCallback("ap:abcd1234:approve")
	require.True(t, ok)
	require.Equal(t, NamespaceApproval, cb.Namespace)
	require.Equal(t, "abcd1234", cb.Section)
	require.Equal(t, "approve", cb.Action)
}

func TestParseCallback_Settings(t *testing.T) {
	cb, ok := ParseCallback("cfg:risk_profile:user:cautious")
	require.True(t, ok)
	require.Equal(t, NamespaceSettings, cb.Namespace)
	require.Equal(t, "risk_profile", cb.Section)
	require.Equal(t, "user", cb.Action)
	require.Equal(t, "cautious", cb.Value)
}

func TestParseCallback_Wallet(t *testing.T) {
	cb, ok := ParseCallback("wallet:status:sess-1")
	require.True(t, ok)
	require.Equal(t, NamespaceWallet, cb.Namespace)
	require.Equal(t, "status", cb.Action)
	require.Equal(t, "sess-1", cb.Value)
}

func TestParseCallback_UnknownIgnored(t *testing.T) {
	_, ok := ParseCallback("bogus:foo")
	require.False(t, ok)
	_, ok = ParseCallback("ap:token:not-a-real-action")
	require.False(t, ok)
}

func TestParseCommand_AllowListed(t *testing.T) {
	cmd, arg, ok := ParseCommand("/wallet status")
	require.True(t, ok)
	require.Equal(t, CommandWallet, cmd)
	require.Equal(t, "status", arg)
}

func TestParseCommand_NotAllowListed(t *testing.T) {
	_, _, ok := ParseCommand("/shutdown")
	require.False(t, ok)
}

func TestParseCommand_NotACommand(t *testing.T) {
	_, _, ok := ParseCommand("hello there")
	require.False(t, ok)
}

type fakeApproval struct{ calls int }

func (f *fakeApproval) HandleCallback(ctx context.Context, token, action string) error {
	f.calls++
	return nil
}

type fakeSettings struct {
	calls                               int
	lastSection, lastTarget, lastValue string
}

func (f *fakeSettings) ApplySetting(ctx context.Context, chatID, userID, section, target, value string) error {
	f.calls++
	f.lastSection, f.lastTarget, f.lastValue = section, target, value
	return nil
}

type fakeWallet struct {
	calls      int
	lastAction string
}

func (f *fakeWallet) HandleWallet(ctx context.Context, chatID, userID, action, sessionID string) error {
	f.calls++
	f.lastAction = action
	return nil
}

func TestRoute_CallbackTakesPriorityOverEverything(t *testing.T) {
	db := newTestDB(t)
	appr := &fakeApproval{}
	r := New(testLimiter(db), convo.New(db), appr, nil, nil, nil, nil)

	req, err := r.Route(context.Background(), InboundText{
		ChatID: "c1", UserID: "u1", CallbackData: "ap:tok:approve",
	})
	require.NoError(t, err)
	require.Nil(t, req)
	require.Equal(t, 1, appr.calls)
}

func TestRoute_CommandExemptFromTurnQuotaAndDispatchedDirectly(t *testing.T) {
	db := newTestDB(t)
	convoStore := convo.New(db)
	r := New(testLimiter(db), convoStore, nil, nil, nil, nil, nil)

	req, err := r.Route(context.Background(), InboundText{ChatID: "c1", UserID: "u1", Text: "/start"})
	require.NoError(t, err)
	require.Nil(t, req)

	sess, err := convoStore.GetOrCreateSession(context.Background(), "c1", "u1", "")
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
}

func TestRoute_SettingsCommandDispatchesToSettingsHandler(t *testing.T) {
	db := newTestDB(t)
	settings := &fakeSettings{}
	r := New(testLimiter(db), convo.New(db), nil, settings, nil, nil, nil)

	req, err := r.Route(context.Background(), InboundText{ChatID: "c1", UserID: "u1", Text: "/settings risk_profile cautious"})
	require.NoError(t, err)
	require.Nil(t, req)
	require.Equal(t, 1, settings.calls)
	require.Equal(t, "user", settings.lastSection)
	require.Equal(t, "risk_profile", settings.lastTarget)
	require.Equal(t, "cautious", settings.lastValue)
}

func TestRoute_WalletCommandDispatchesToWalletHandler(t *testing.T) {
	db := newTestDB(t)
	wallet := &fakeWallet{}
	r := New(testLimiter(db), convo.New(db), nil, nil, wallet, nil, nil)

	req, err := r.Route(context.Background(), InboundText{ChatID: "c1", UserID: "u1", Text: "/wallet status"})
	require.NoError(t, err)
	require.Nil(t, req)
	require.Equal(t, 1, wallet.calls)
	require.Equal(t, "status", wallet.lastAction)
}

func TestRoute_PlainTextEmitsTurnRequest(t *testing.T) {
	db := newTestDB(t)
	r := New(testLimiter(db), convo.New(db), nil, nil, nil, nil, nil)

	req, err := r.Route(context.Background(), InboundText{ChatID: "c1", UserID: "u1", Text: "hello there"})
	require.NoError(t, err)
	require.NotNil(t, req)
	require.NotEmpty(t, req.CorrelationID)
}

func TestRoute_ChatFloodBlocksBeforeCommandParsing(t *testing.T) {
	db := newTestDB(t)
	r := New(testLimiter(db), convo.New(db), nil, nil, nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.Route(ctx, InboundText{ChatID: "flood-chat", UserID: "u1", Text: "hi"})
		require.NoError(t, err)
	}
	req, err := r.Route(ctx, InboundText{ChatID: "flood-chat", UserID: "u1", Text: "/start"})
	require.NoError(t, err)
	require.Nil(t, req)
}
