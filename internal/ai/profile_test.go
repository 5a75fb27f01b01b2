package ai

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE ai_profiles (
			id             TEXT PRIMARY KEY,
			provider       TEXT NOT NULL,
			error_count    INTEGER NOT NULL DEFAULT 0,
			cooldown_until TEXT,
			last_used_at   TEXT,
			updated_at     TEXT NOT NULL
		)
	`)
	require.NoError(t, err)
	return db
}

func TestSQLProfileTracker_RecordUsageThenNotOnCooldown(t *testing.T) {
	db := newTestDB(t)
	tr := NewSQLProfileTracker(db, nil)
	ctx := context.Background()

	require.NoError(t, tr.RecordUsage(ctx, "p1"))
	onCooldown, err := tr.IsOnCooldown(ctx, "p1")
	require.NoError(t, err)
	require.False(t, onCooldown)
}

func TestSQLProfileTracker_UnknownProfileIsNotOnCooldown(t *testing.T) {
	db := newTestDB(t)
	tr := NewSQLProfileTracker(db, nil)
	onCooldown, err := tr.IsOnCooldown(context.Background(), "never-seen")
	require.NoError(t, err)
	require.False(t, onCooldown)
}

func TestSQLProfileTracker_ErrorPutsProfileOnCooldown(t *testing.T) {
	db := newTestDB(t)
	tr := NewSQLProfileTracker(db, nil)
	ctx := context.Background()

	require.NoError(t, tr.RecordErrorWithCooldown(ctx, "p1", FailureRateLimit))
	onCooldown, err := tr.IsOnCooldown(ctx, "p1")
	require.NoError(t, err)
	require.True(t, onCooldown)
}

func TestSQLProfileTracker_CooldownExpires(t *testing.T) {
	db := newTestDB(t)
	tr := NewSQLProfileTracker(db, nil)
	frozen := time.Now()
	tr.now = func() time.Time { return frozen }
	ctx := context.Background()

	require.NoError(t, tr.RecordErrorWithCooldown(ctx, "p1", FailureTimeout))
	tr.now = func() time.Time { return frozen.Add(10 * time.Minute) }
	onCooldown, err := tr.IsOnCooldown(ctx, "p1")
	require.NoError(t, err)
	require.False(t, onCooldown, "timeout cooldown caps at 5 minutes")
}

func TestSQLProfileTracker_RepeatedErrorsGrowCooldownExponentially(t *testing.T) {
	db := newTestDB(t)
	tr := NewSQLProfileTracker(db, nil)
	frozen := time.Now()
	tr.now = func() time.Time { return frozen }
	ctx := context.Background()

	require.NoError(t, tr.RecordErrorWithCooldown(ctx, "p1", FailureRateLimit))
	require.NoError(t, tr.RecordErrorWithCooldown(ctx, "p1", FailureRateLimit))

	var errCount int
	require.NoError(t, db.QueryRow(`SELECT error_count FROM ai_profiles WHERE id = ?`, "p1").Scan(&errCount))
	require.Equal(t, 2, errCount)
}

func TestCooldownFor_CapsByReason(t *testing.T) {
	require.Equal(t, 300*time.Second, cooldownFor(10, FailureTimeout))
	require.Equal(t, 86400*time.Second, cooldownFor(10, FailureBilling))
	require.Equal(t, 3600*time.Second, cooldownFor(10, FailureRateLimit))
}
