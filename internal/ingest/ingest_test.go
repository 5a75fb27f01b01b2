package ingest

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/relaybot/core/internal/queue"
	"github.com/relaybot/core/internal/updates"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE processed_updates (
		update_id INTEGER PRIMARY KEY,
		raw_payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'received',
		received_at TEXT NOT NULL,
		handled_at TEXT,
		error TEXT
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE queue_jobs (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		available_at TEXT NOT NULL,
		reserved_until TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_error TEXT
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		queue TEXT NOT NULL,
		payload TEXT NOT NULL,
		reason TEXT NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestIngest_PersistsAndEnqueues(t *testing.T) {
	db := newTestDB(t)
	us := updates.New(db)
	q := queue.New(db)
	p := New(us, q, nil)
	ctx := context.Background()

	require.NoError(t, p.Ingest(ctx, 1, `{"a":1}`))

	rec, err := us.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, updates.StatusEnqueued, rec.Status)

	job, err := q.Claim(ctx, queue.QueueUpdates)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "update-1", job.ID)
}

func TestIngest_DuplicateIsNoop(t *testing.T) {
	db := newTestDB(t)
	us := updates.New(db)
	q := queue.New(db)
	p := New(us, q, nil)
	ctx := context.Background()

	require.NoError(t, p.Ingest(ctx, 1, `{}`))
	require.NoError(t, p.Ingest(ctx, 1, `{}`))

	depth, err := q.Depth(ctx, queue.QueueUpdates.Name)
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestRecoverySweep_ReenqueuesStuckUpdates(t *testing.T) {
	db := newTestDB(t)
	us := updates.New(db)
	q := queue.New(db)
	p := New(us, q, nil)
	ctx := context.Background()

	_, err := db.Exec(`INSERT INTO processed_updates (update_id, raw_payload, status, received_at)
		VALUES (5, '{}', 'received', '2026-01-01T00:00:00Z')`)
	require.NoError(t, err)

	p.RecoverySweep(ctx)

	rec, err := us.Get(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, updates.StatusEnqueued, rec.Status)

	depth, err := q.Depth(ctx, queue.QueueUpdates.Name)
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestRecoverySweep_IgnoresNonReceivedRows(t *testing.T) {
	db := newTestDB(t)
	us := updates.New(db)
	q := queue.New(db)
	p := New(us, q, nil)
	ctx := context.Background()

	_, err := db.Exec(`INSERT INTO processed_updates (update_id, raw_payload, status, received_at)
		VALUES (6, '{}', 'processed', '2026-01-01T00:00:00Z')`)
	require.NoError(t, err)

	p.RecoverySweep(ctx)

	depth, err := q.Depth(ctx, queue.QueueUpdates.Name)
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}
