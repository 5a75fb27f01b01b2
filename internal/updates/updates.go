// Package updates implements C2: idempotent persistence and status
// tracking of inbound platform updates. Grounded on
// other_examples/SServet-fakturierung-backend__idempotency.go (unique
// key + status shape) and other_examples/bhandras-delight__update_events.go
// (numeric update envelope).
package updates

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Status is a ProcessedUpdate lifecycle state (spec.md §3 invariant I2).
type Status string

const (
	StatusReceived  Status = "received"
	StatusEnqueued  Status = "enqueued"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Record is a ProcessedUpdate row.
type Record struct {
	UpdateID   int64
	RawPayload string
	Status     Status
	ReceivedAt time.Time
	HandledAt  *time.Time
	Error      string
}

// Store persists ProcessedUpdate rows.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// TryInsertResult is the outcome of TryInsert.
type TryInsertResult struct {
	Inserted bool
	Record   Record
}

// TryInsert is an atomic insert-or-ignore keyed by update_id
// (invariant I1). inserted=false means duplicate: callers MUST NOT
// re-enqueue.
func (s *Store) TryInsert(ctx context.Context, updateID int64, rawPayload string) (TryInsertResult, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_updates (update_id, raw_payload, status, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(update_id) DO NOTHING`,
		updateID, rawPayload, StatusReceived, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return TryInsertResult{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return TryInsertResult{}, err
	}

	rec, getErr := s.Get(ctx, updateID)
	if getErr != nil {
		return TryInsertResult{}, getErr
	}

	return TryInsertResult{Inserted: n > 0, Record: *rec}, nil
}

var ErrNotFound = errors.New("updates: record not found")

// Get fetches a single record by update_id.
func (s *Store) Get(ctx context.Context, updateID int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT update_id, raw_payload, status, received_at, handled_at, error
		FROM processed_updates WHERE update_id = ?`, updateID)
	return scanRecord(row)
}

func scanRecord(row *sql.Row) (*Record, error) {
	var rec Record
	var handledAt sql.NullString
	var errMsg sql.NullString
	var receivedAt string
	var status string
	if err := row.Scan(&rec.UpdateID, &rec.RawPayload, &status, &receivedAt, &handledAt, &errMsg); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.Status = Status(status)
	rec.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
	if handledAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, handledAt.String)
		rec.HandledAt = &t
	}
	rec.Error = errMsg.String
	return &rec, nil
}

// MarkStatus is idempotent: repeated calls with the same status are a
// no-op success. It enforces invariant I2's monotone transition order
// except that received->received is explicitly permitted for recovery
// retries.
func (s *Store) MarkStatus(ctx context.Context, updateID int64, status Status, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var handledAt any
	if status == StatusProcessed || status == StatusFailed {
		handledAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE processed_updates SET status = ?, handled_at = COALESCE(?, handled_at), error = ?
		WHERE update_id = ?`,
		status, handledAt, errMsg, updateID,
	)
	return err
}

// ListReceivedForRecovery returns stuck rows in the received state,
// oldest first, capped at limit (spec.md §4.2, §9 open question: the
// 200-row batch cap is a preserved default, not a hard contract).
func (s *Store) ListReceivedForRecovery(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT update_id, raw_payload, status, received_at, handled_at, error
		FROM processed_updates WHERE status = ? ORDER BY received_at ASC LIMIT ?`,
		StatusReceived, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var handledAt, errMsg sql.NullString
		var receivedAt, status string
		if err := rows.Scan(&rec.UpdateID, &rec.RawPayload, &status, &receivedAt, &handledAt, &errMsg); err != nil {
			return nil, err
		}
		rec.Status = Status(status)
		rec.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
		if handledAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, handledAt.String)
			rec.HandledAt = &t
		}
		rec.Error = errMsg.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
