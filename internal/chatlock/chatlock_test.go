package chatlock

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE chat_locks (
		lock_key TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		expires_at TEXT NOT NULL
	)`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestKeyFormatting(t *testing.T) {
	require.Equal(t, "chat:123", Key("123", ""))
	require.Equal(t, "chat:123:thread:5", Key("123", "5"))
}

func TestAcquireAndRelease(t *testing.T) {
	db := newTestDB(t)
	l := New(db, nil)
	ctx := context.Background()

	h, err := l.Acquire(ctx, Key("chat-1", ""))
	require.NoError(t, err)
	require.NotEmpty(t, h.Token)

	l.Release(ctx, h)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM chat_locks WHERE lock_key = ?`, h.Key).Scan(&count))
	require.Equal(t, 0, count)
}

func TestAcquireBlockedThenExpires(t *testing.T) {
	db := newTestDB(t)
	l := New(db, nil)
	ctx := context.Background()
	key := Key("chat-2", "")

	h1, err := l.Acquire(ctx, key)
	require.NoError(t, err)

	// Simulate the first holder's lease already expired.
	_, err = db.Exec(`UPDATE chat_locks SET expires_at = ? WHERE lock_key = ?`,
		time.Now().UTC().Add(-time.Second).Format(time.RFC3339Nano), key)
	require.NoError(t, err)

	h2, err := l.Acquire(ctx, key)
	require.NoError(t, err)
	require.NotEqual(t, h1.Token, h2.Token)
}

func TestAcquireFailsWhenContextCancelled(t *testing.T) {
	db := newTestDB(t)
	l := New(db, nil)
	ctx := context.Background()
	key := Key("chat-3", "")

	_, err := l.Acquire(ctx, key)
	require.NoError(t, err)

	cctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = l.Acquire(cctx, key)
	require.Error(t, err)
}

func TestReleaseRequiresMatchingToken(t *testing.T) {
	db := newTestDB(t)
	l := New(db, nil)
	ctx := context.Background()
	key := Key("chat-4", "")

	h, err := l.Acquire(ctx, key)
	require.NoError(t, err)

	other := &Handle{Key: key, Token: "not-the-real-token"}
	l.Release(ctx, other)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM chat_locks WHERE lock_key = ?`, key).Scan(&count))
	require.Equal(t, 1, count, "release with wrong token must not remove the lock")

	l.Release(ctx, h)
}

func TestHeartbeatExtendsExpiry(t *testing.T) {
	db := newTestDB(t)
	l := New(db, nil)
	ctx := context.Background()
	key := Key("chat-5", "")

	h, err := l.Acquire(ctx, key)
	require.NoError(t, err)

	var before string
	require.NoError(t, db.QueryRow(`SELECT expires_at FROM chat_locks WHERE lock_key = ?`, key).Scan(&before))

	_, err = db.Exec(`UPDATE chat_locks SET expires_at = ? WHERE lock_key = ?`,
		time.Now().UTC().Add(time.Second).Format(time.RFC3339Nano), key)
	require.NoError(t, err)

	l.Heartbeat(ctx, h)

	var after string
	require.NoError(t, db.QueryRow(`SELECT expires_at FROM chat_locks WHERE lock_key = ?`, key).Scan(&after))
	require.True(t, after > before || after != before)
}
