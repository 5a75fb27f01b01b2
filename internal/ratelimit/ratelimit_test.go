package ratelimit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/relaybot/core/internal/config"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE rate_counters (
		counter_key TEXT PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 0,
		expires_at TEXT NOT NULL
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE notice_cooldowns (
		cooldown_key TEXT PRIMARY KEY,
		expires_at TEXT NOT NULL
	)`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		BurstWindow:       10 * time.Second,
		MinuteWindow:      time.Minute,
		ChatMinuteMax:     3,
		FreeBurstMax:      2,
		FreeMinuteMax:     5,
		FreeDailyMax:      10,
		TrustedMultiplier: 5,
		NoticeCooldown:    20 * time.Second,
		TrustedUserIDs:    []string{"trusted-1"},
	}
}

func TestCheckChatFlood_AllowsUnderLimitThenDenies(t *testing.T) {
	db := newTestDB(t)
	l := New(db, testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := l.CheckChatFlood(ctx, "chat-1")
		require.True(t, d.Allowed)
	}
	d := l.CheckChatFlood(ctx, "chat-1")
	require.False(t, d.Allowed)
	require.Equal(t, ReasonChatFlood, d.Reason)
}

func TestCheckUserTurn_BurstLimitTrippedBeforeMinute(t *testing.T) {
	db := newTestDB(t)
	l := New(db, testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d := l.CheckUserTurn(ctx, "user-1")
		require.True(t, d.Allowed)
	}
	d := l.CheckUserTurn(ctx, "user-1")
	require.False(t, d.Allowed)
	require.Equal(t, ReasonBurst, d.Reason)
}

func TestCheckUserTurn_TrustedMultiplierRaisesLimit(t *testing.T) {
	db := newTestDB(t)
	l := New(db, testConfig(), nil)
	ctx := context.Background()

	// FreeBurstMax=2, trusted multiplier=5 => allowed up to 10.
	for i := 0; i < 10; i++ {
		d := l.CheckUserTurn(ctx, "trusted-1")
		require.True(t, d.Allowed, "iteration %d should be allowed for trusted user", i)
	}
	d := l.CheckUserTurn(ctx, "trusted-1")
	require.False(t, d.Allowed)
}

func TestShouldNotify_CooldownSuppressesRepeat(t *testing.T) {
	db := newTestDB(t)
	l := New(db, testConfig(), nil)
	ctx := context.Background()

	first, err := l.ShouldNotify(ctx, "user-1", ReasonBurst)
	require.NoError(t, err)
	require.True(t, first)

	second, err := l.ShouldNotify(ctx, "user-1", ReasonBurst)
	require.NoError(t, err)
	require.False(t, second)
}

func TestNonTurnCommandsAllowList(t *testing.T) {
	require.True(t, NonTurnCommands["start"])
	require.True(t, NonTurnCommands["wallet"])
	require.False(t, NonTurnCommands["unknown"])
}
