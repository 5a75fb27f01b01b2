// Package chatlock implements C5: a per-(chat, thread) distributed
// mutex on the shared SQLite store, serializing all turn work within a
// conversation scope. Grounded on other_examples/*tools/desktop_queue.go's
// single-owner serialization idea and the teacher's single-writer sqlite
// discipline; the SQL compare-and-swap is the store-agnostic
// equivalent of `SET key token NX PX ttl` that spec.md §9 allows.
package chatlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TTL is how long an acquired lock is valid before it may be stolen
// (spec.md §4.5).
const TTL = 90 * time.Second

// retry policy for Acquire.
const (
	maxRetries    = 60
	retryInterval = 250 * time.Millisecond
)

// heartbeatInterval is how often a held lock should be refreshed.
const heartbeatInterval = 10 * time.Second

// ErrNotAcquired is returned when Acquire exhausts its retries.
var ErrNotAcquired = errors.New("chatlock: could not acquire lock")

// Handle represents a held lock; call Release when the turn completes.
type Handle struct {
	Key   string
	Token string
}

type Lock struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

func New(db *sql.DB, log *zap.SugaredLogger) *Lock {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Lock{db: db, log: log}
}

// Key builds the scope key for a (chat, optional thread) pair.
func Key(chatID string, threadID string) string {
	if threadID == "" {
		return fmt.Sprintf("chat:%s", chatID)
	}
	return fmt.Sprintf("chat:%s:thread:%s", chatID, threadID)
}

// Acquire attempts a SET-NX-with-TTL, retrying up to maxRetries times
// at retryInterval (spec.md §4.5). Returns ErrNotAcquired if the
// scope remains locked by another holder past the retry budget.
func (l *Lock) Acquire(ctx context.Context, key string) (*Handle, error) {
	token := uuid.NewString()

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ok, err := l.tryAcquire(ctx, key, token)
		if err != nil {
			return nil, fmt.Errorf("chatlock: acquire: %w", err)
		}
		if ok {
			return &Handle{Key: key, Token: token}, nil
		}
		if attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return nil, ErrNotAcquired
}

func (l *Lock) tryAcquire(ctx context.Context, key, token string) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(TTL).Format(time.RFC3339Nano)

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO chat_locks (lock_key, token, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(lock_key) DO UPDATE SET token = ?, expires_at = ?
		WHERE chat_locks.expires_at <= ?`,
		key, token, expiresAt, token, expiresAt, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Heartbeat extends the TTL if the stored token still matches ours.
// Failures are logged once and swallowed, per spec.md §4.5: the work
// continues and the lock reacquires next cycle or expires safely.
func (l *Lock) Heartbeat(ctx context.Context, h *Handle) {
	expiresAt := time.Now().UTC().Add(TTL).Format(time.RFC3339Nano)
	_, err := l.db.ExecContext(ctx, `
		UPDATE chat_locks SET expires_at = ? WHERE lock_key = ? AND token = ?`,
		expiresAt, h.Key, h.Token)
	if err != nil {
		l.log.Warnw("chat lock heartbeat failed", "key", h.Key, "error", err)
	}
}

// RunHeartbeat starts a background heartbeat loop; the caller must
// call the returned stop function when the turn completes, before
// calling Release.
func (l *Lock) RunHeartbeat(ctx context.Context, h *Handle) (stop func()) {
	ticker := time.NewTicker(heartbeatInterval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Heartbeat(ctx, h)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}

// Release deletes the lock only if the stored token matches ours
// (compare-and-delete). Failures are non-fatal.
func (l *Lock) Release(ctx context.Context, h *Handle) {
	_, err := l.db.ExecContext(ctx, `DELETE FROM chat_locks WHERE lock_key = ? AND token = ?`, h.Key, h.Token)
	if err != nil {
		l.log.Warnw("chat lock release failed", "key", h.Key, "error", err)
	}
}
