// Package queue implements C3: a persistent, FIFO-within-priority job
// queue with at-least-once delivery, exponential backoff, delayed
// jobs, producer-side dedup, and a dead-letter queue (spec.md §4.3).
//
// No dedicated job-queue broker appears anywhere in the retrieved
// pack, and spec.md §9 explicitly allows "a CAS loop... as an
// acceptable fallback" for the backing atomic primitive, so the queue
// is built on the shared SQLite store (see internal/store) rather than
// a fabricated dependency. The claim operation is a single UPDATE
// statement guarded by status+available_at, making it safe for
// multiple worker goroutines to poll concurrently.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job is a claimed unit of work.
type Job struct {
	ID          string
	Queue       string
	Payload     json.RawMessage
	Attempts    int
	MaxAttempts int
}

// Definition configures a queue's retry policy (spec.md §4.3's
// "required queues" table).
type Definition struct {
	Name        string
	MaxAttempts int
}

var (
	QueueUpdates            = Definition{Name: "updates", MaxAttempts: 5}
	QueueAgentTurns         = Definition{Name: "agent-turns", MaxAttempts: 5}
	QueueApprovalTimeouts   = Definition{Name: "approval-timeouts", MaxAttempts: 1}
	QueueApprovalCountdowns = Definition{Name: "approval-countdowns", MaxAttempts: 1}
	QueueRetryDeadletter    = Definition{Name: "retry-deadletter", MaxAttempts: 1}
)

// BackoffBase and BackoffFactor implement spec.md §4.3's exponential
// backoff: base 1s, factor 2.
const (
	BackoffBase   = time.Second
	BackoffFactor = 2
)

// Queue is a handle onto the shared job table.
type Queue struct {
	db *sql.DB
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// EnqueueOptions customizes a single Enqueue call.
type EnqueueOptions struct {
	JobID       string // custom identifier for producer-side dedup; generated if empty
	Delay       time.Duration
	MaxAttempts int // 0 => queue definition default
}

// Enqueue inserts a job. Supplying an existing JobID is a no-op
// (spec.md §4.3: "attempting to insert an existing id is a no-op").
func (q *Queue) Enqueue(ctx context.Context, def Definition, payload any, opts EnqueueOptions) (string, error) {
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = def.MaxAttempts
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshaling payload: %w", err)
	}

	now := time.Now().UTC()
	availableAt := now.Add(opts.Delay)

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, queue, payload, status, attempts, max_attempts, available_at, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, def.Name, string(body), maxAttempts,
		availableAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return id, nil
}

// visibilityTimeout is how long a claimed job is hidden from other
// claimants before it is considered abandoned and reclaimable.
const visibilityTimeout = 2 * time.Minute

// Claim atomically reserves and returns the next due job on def, or
// (nil, nil) if none is due. The single UPDATE...RETURNING-style
// two-step (UPDATE then SELECT within the same busy-timeout-protected
// connection) is the queue's atomic dequeue primitive.
func (q *Queue) Claim(ctx context.Context, def Definition) (*Job, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	reservedUntil := time.Now().UTC().Add(visibilityTimeout).Format(time.RFC3339Nano)

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `
		SELECT id FROM queue_jobs
		WHERE queue = ? AND status = 'pending' AND available_at <= ?
		ORDER BY available_at ASC, created_at ASC LIMIT 1`, def.Name, now)

	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE queue_jobs SET status = 'reserved', reserved_until = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = 'pending'`, reservedUntil, now, id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Lost the race to another claimant; caller should poll again.
		return nil, tx.Commit()
	}

	var payload string
	var attempts, maxAttempts int
	if err := tx.QueryRowContext(ctx, `SELECT payload, attempts, max_attempts FROM queue_jobs WHERE id = ?`, id).
		Scan(&payload, &attempts, &maxAttempts); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Job{ID: id, Queue: def.Name, Payload: json.RawMessage(payload), Attempts: attempts, MaxAttempts: maxAttempts}, nil
}

// Complete marks a job done.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE queue_jobs SET status = 'done', updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), jobID)
	return err
}

// Fail records a failed attempt. If attempts have exhausted
// max_attempts, the job moves to the dead-letter table with reason;
// otherwise it is rescheduled with exponential backoff.
func (q *Queue) Fail(ctx context.Context, job *Job, reason, correlationID string) error {
	now := time.Now().UTC()
	if job.Attempts >= job.MaxAttempts {
		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dead_letters (job_id, queue, payload, reason, correlation_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			job.ID, job.Queue, string(job.Payload), reason, correlationID, now.Format(time.RFC3339Nano),
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE queue_jobs SET status = 'dead', last_error = ?, updated_at = ? WHERE id = ?`,
			reason, now.Format(time.RFC3339Nano), job.ID); err != nil {
			return err
		}
		return tx.Commit()
	}

	delay := backoffFor(job.Attempts)
	availableAt := now.Add(delay).Format(time.RFC3339Nano)
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status = 'pending', available_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`, availableAt, reason, now.Format(time.RFC3339Nano), job.ID)
	return err
}

// backoffFor returns base * factor^(attempts-1), matching spec.md
// §4.3: base 1s, factor 2.
func backoffFor(attempts int) time.Duration {
	d := BackoffBase
	for i := 1; i < attempts; i++ {
		d *= BackoffFactor
	}
	return d
}

// DeadLetter is a row for out-of-band investigation and manual replay.
type DeadLetter struct {
	ID            int64
	JobID         string
	Queue         string
	Payload       json.RawMessage
	Reason        string
	CorrelationID string
	CreatedAt     time.Time
}

// ListDeadLetters returns dead-letter rows for a queue, newest first.
func (q *Queue) ListDeadLetters(ctx context.Context, queueName string, limit int) ([]DeadLetter, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, job_id, queue, payload, reason, correlation_id, created_at
		FROM dead_letters WHERE queue = ? ORDER BY id DESC LIMIT ?`, queueName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var payload, createdAt string
		if err := rows.Scan(&dl.ID, &dl.JobID, &dl.Queue, &payload, &dl.Reason, &dl.CorrelationID, &createdAt); err != nil {
			return nil, err
		}
		dl.Payload = json.RawMessage(payload)
		dl.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Depth returns the count of pending+reserved jobs on a queue, used by
// the /readyz handler.
func (q *Queue) Depth(ctx context.Context, queueName string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_jobs WHERE queue = ? AND status IN ('pending','reserved')`, queueName).Scan(&n)
	return n, err
}
