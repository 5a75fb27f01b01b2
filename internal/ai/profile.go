package ai

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// FailureReason categorizes a provider error for cooldown sizing,
// mirroring ClassifyErrorReason's output vocabulary.
type FailureReason string

const (
	FailureBilling   FailureReason = "billing"
	FailureRateLimit FailureReason = "rate_limit_or_auth"
	FailureAuth      FailureReason = "auth"
	FailureTimeout   FailureReason = "timeout"
	FailureOther     FailureReason = "generic"
)

// ProfileTracker records provider usage and applies exponential
// cooldown to auth profiles that error out, so the executor's
// fallback list skips a profile that is already in timeout.
type ProfileTracker interface {
	RecordUsage(ctx context.Context, profileID string) error
	RecordErrorWithCooldown(ctx context.Context, profileID string, reason FailureReason) error
	IsOnCooldown(ctx context.Context, profileID string) (bool, error)
}

// SQLProfileTracker persists cooldown state in ai_profiles.
type SQLProfileTracker struct {
	db  *sql.DB
	log *zap.SugaredLogger
	now func() time.Time
}

func NewSQLProfileTracker(db *sql.DB, log *zap.SugaredLogger) *SQLProfileTracker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SQLProfileTracker{db: db, log: log, now: time.Now}
}

func (t *SQLProfileTracker) RecordUsage(ctx context.Context, profileID string) error {
	now := t.now().UTC().Format(time.RFC3339Nano)
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO ai_profiles (id, provider, last_used_at, updated_at)
		VALUES (?, '', ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_used_at = excluded.last_used_at, updated_at = excluded.updated_at
	`, profileID, now, now)
	if err != nil {
		return fmt.Errorf("ai: record usage: %w", err)
	}
	return nil
}

func (t *SQLProfileTracker) RecordErrorWithCooldown(ctx context.Context, profileID string, reason FailureReason) error {
	now := t.now().UTC()

	var errorCount int
	row := t.db.QueryRowContext(ctx, `SELECT error_count FROM ai_profiles WHERE id = ?`, profileID)
	switch err := row.Scan(&errorCount); {
	case err == sql.ErrNoRows:
		errorCount = 0
	case err != nil:
		return fmt.Errorf("ai: load error count: %w", err)
	}
	errorCount++

	cooldown := cooldownFor(errorCount, reason)
	until := now.Add(cooldown).Format(time.RFC3339Nano)

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO ai_profiles (id, provider, error_count, cooldown_until, updated_at)
		VALUES (?, '', ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			error_count = ?,
			cooldown_until = excluded.cooldown_until,
			updated_at = excluded.updated_at
	`, profileID, errorCount, until, now.Format(time.RFC3339Nano), errorCount)
	if err != nil {
		return fmt.Errorf("ai: record error: %w", err)
	}
	t.log.Warnw("ai profile entering cooldown", "profile", profileID, "reason", reason, "until", until, "error_count", errorCount)
	return nil
}

func (t *SQLProfileTracker) IsOnCooldown(ctx context.Context, profileID string) (bool, error) {
	var cooldownUntil sql.NullString
	row := t.db.QueryRowContext(ctx, `SELECT cooldown_until FROM ai_profiles WHERE id = ?`, profileID)
	switch err := row.Scan(&cooldownUntil); {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("ai: load cooldown: %w", err)
	}
	if !cooldownUntil.Valid {
		return false, nil
	}
	until, err := time.Parse(time.RFC3339Nano, cooldownUntil.String)
	if err != nil {
		return false, nil
	}
	return t.now().UTC().Before(until), nil
}

// cooldownFor implements exponential backoff: 60s * 5^(errorCount-1),
// capped per failure class (billing/auth need manual intervention so
// they cap at a day; rate limits and generic errors recover sooner).
func cooldownFor(errorCount int, reason FailureReason) time.Duration {
	if errorCount < 1 {
		errorCount = 1
	}
	multiplier := 1
	for i := 1; i < errorCount; i++ {
		multiplier *= 5
		if multiplier > 3600 {
			multiplier = 3600
			break
		}
	}
	seconds := 60 * multiplier

	var capSeconds int
	switch reason {
	case FailureBilling, FailureAuth:
		capSeconds = 86400
	case FailureRateLimit:
		capSeconds = 3600
	case FailureTimeout:
		capSeconds = 300
	default:
		capSeconds = 3600
	}
	if seconds > capSeconds {
		seconds = capSeconds
	}
	return time.Duration(seconds) * time.Second
}
