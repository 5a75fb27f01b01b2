// Package audit implements C1: an append-only, hash-linked event log.
// Grounded on other_examples/HilthonTT-Visper__audit_log.go for the
// event/actor/payload shape, adapted from a single gorm model into a
// hash-chained log per spec.md §4.1.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Event is one row of the chain.
type Event struct {
	ID            int64
	ActorType     string
	ActorID       string
	EventType     string
	Metadata      map[string]any
	CorrelationID string
	CreatedAt     time.Time
	HashChain     string
	PrevHash      string
}

// Chain appends and verifies audit events against a single shared
// database connection.
type Chain struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// New builds a Chain over db.
func New(db *sql.DB, log *zap.SugaredLogger) *Chain {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Chain{db: db, log: log}
}

// Critical marks whether a failed Append call should be returned to
// the caller (spec.md §4.1: "fatal for the caller only when the event
// is security-critical").
type Critical bool

const (
	SecurityCritical Critical = true
	NonCritical      Critical = false
)

// Append inserts a new event, computing its hash chain link. When
// critical is NonCritical, a storage failure is logged at WARN and
// swallowed (nil error); when SecurityCritical, the error is returned.
func (c *Chain) Append(ctx context.Context, actorType, actorID, eventType string, metadata map[string]any, correlationID string, critical Critical) (*Event, error) {
	now := time.Now().UTC()
	createdAtISO := now.Format(time.RFC3339Nano)

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return c.handleFailure(critical, fmt.Errorf("audit: begin tx: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck

	var prevHash sql.NullString
	row := tx.QueryRowContext(ctx, `SELECT hash_chain FROM audit_events ORDER BY id DESC LIMIT 1`)
	if err := row.Scan(&prevHash); err != nil && err != sql.ErrNoRows {
		return c.handleFailure(critical, fmt.Errorf("audit: reading previous hash: %w", err))
	}

	metaJSON, err := canonicalJSON(metadata)
	if err != nil {
		return c.handleFailure(critical, fmt.Errorf("audit: canonicalizing metadata: %w", err))
	}

	hash := ComputeHash(prevHash.String, eventType, metaJSON, createdAtISO)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_events (actor_type, actor_id, event_type, metadata, correlation_id, created_at, hash_chain, prev_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		actorType, actorID, eventType, string(metaJSON), correlationID, createdAtISO, hash, nullableString(prevHash),
	)
	if err != nil {
		return c.handleFailure(critical, fmt.Errorf("audit: inserting event: %w", err))
	}
	id, _ := res.LastInsertId()

	if err := tx.Commit(); err != nil {
		return c.handleFailure(critical, fmt.Errorf("audit: commit: %w", err))
	}

	return &Event{
		ID:            id,
		ActorType:     actorType,
		ActorID:       actorID,
		EventType:     eventType,
		Metadata:      metadata,
		CorrelationID: correlationID,
		CreatedAt:     now,
		HashChain:     hash,
		PrevHash:      prevHash.String,
	}, nil
}

func (c *Chain) handleFailure(critical Critical, err error) (*Event, error) {
	if critical == SecurityCritical {
		return nil, err
	}
	c.log.Warnw("audit append failed (non-critical, continuing)", "error", err)
	return nil, nil
}

func nullableString(s sql.NullString) any {
	if !s.Valid {
		return nil
	}
	return s.String
}

// ComputeHash implements spec.md §6's exact algorithm:
// SHA-256 over JSON({previousHash, eventType, metadata, createdAtIso})
// with lexicographic key ordering.
func ComputeHash(prevHash, eventType string, metadataJSON []byte, createdAtISO string) string {
	payload := fmt.Sprintf(
		`{"createdAtIso":%s,"eventType":%s,"metadata":%s,"previousHash":%s}`,
		mustJSONString(createdAtISO), mustJSONString(eventType), string(metadataJSON), jsonNullableString(prevHash),
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func mustJSONString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func jsonNullableString(s string) string {
	if s == "" {
		return "null"
	}
	return mustJSONString(s)
}

// canonicalJSON marshals metadata with sorted keys and no
// insignificant whitespace, per spec.md §4.1.
func canonicalJSON(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		buf = append(buf, kb...)
		buf = append(buf, ':')
		vb, err := json.Marshal(metadata[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// VerifyPrefix implements invariant I5: recomputes the chain forward
// from the first row and confirms every hash matches.
func (c *Chain) VerifyPrefix(ctx context.Context, limit int) (bool, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT event_type, metadata, created_at, hash_chain, prev_hash
		FROM audit_events ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	prev := ""
	for rows.Next() {
		var eventType, metadata, createdAt, hashChain string
		var prevHash sql.NullString
		if err := rows.Scan(&eventType, &metadata, &createdAt, &hashChain, &prevHash); err != nil {
			return false, err
		}
		if prevHash.String != prev {
			return false, nil
		}
		want := ComputeHash(prev, eventType, []byte(metadata), createdAt)
		if want != hashChain {
			return false, nil
		}
		prev = hashChain
	}
	return true, rows.Err()
}
