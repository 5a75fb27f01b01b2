// Package ratelimit implements C4: fixed-window chat anti-flood and
// per-user burst/minute/daily quotas with a trusted-user tier and
// notice-cooldown suppression. Grounded on
// other_examples/*tools/policy.go's tiered-policy shape, adapted to
// spec.md §4.4's counter algorithm, and built on the same SQLite store
// as the queue and chat lock per spec.md §9's CAS-loop allowance.
package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaybot/core/internal/config"
)

// Reason names why admission was denied (or fail-open-allowed).
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonChatFlood    Reason = "chat_flood"
	ReasonBurst        Reason = "burst"
	ReasonMinute       Reason = "minute"
	ReasonDaily        Reason = "daily"
	ReasonStorageError Reason = "storage_error"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  Reason
	Count   int64
	TTL     time.Duration
}

// NonTurnCommands are exempt from the user-turn quota but still
// subject to chat-flood (spec.md §4.4).
var NonTurnCommands = map[string]bool{
	"start":    true,
	"settings": true,
	"network":  true,
	"wallet":   true,
	"cancel":   true,
}

type Limiter struct {
	db   *sql.DB
	cfg  config.RateLimitConfig
	log  *zap.SugaredLogger
	now  func() time.Time
}

func New(db *sql.DB, cfg config.RateLimitConfig, log *zap.SugaredLogger) *Limiter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Limiter{db: db, cfg: cfg, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// incrCounter performs an atomic INCR-then-EXPIRE-if-new: a single
// UPSERT that either creates a fresh window or bumps the existing one,
// returning the resulting count. This is the "atomic INCR-then-EXPIRE"
// primitive spec.md §4.4 asks for, expressed as one round trip.
func (l *Limiter) incrCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	now := l.now()
	expiresAt := now.Add(window)

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO rate_counters (counter_key, count, expires_at)
		VALUES (?, 1, ?)
		ON CONFLICT(counter_key) DO UPDATE SET
			count = CASE WHEN rate_counters.expires_at <= ? THEN 1 ELSE rate_counters.count + 1 END,
			expires_at = CASE WHEN rate_counters.expires_at <= ? THEN ? ELSE rate_counters.expires_at END`,
		key, expiresAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), expiresAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}

	var count int64
	var expStr string
	if err := l.db.QueryRowContext(ctx, `SELECT count, expires_at FROM rate_counters WHERE counter_key = ?`, key).
		Scan(&count, &expStr); err != nil {
		return 0, err
	}
	return count, nil
}

func secondsUntil(t time.Time, now time.Time) time.Duration {
	d := t.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// nextUTCMidnight returns the TTL-until-midnight window used for the
// daily counter (spec.md §4.4: "reset at next UTC midnight").
func nextUTCMidnight(now time.Time) time.Duration {
	y, m, d := now.Date()
	midnight := time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
	return midnight.Sub(now)
}

// CheckChatFlood applies the tier-independent per-chat anti-flood
// window; called for every inbound text message regardless of command
// exemption (spec.md §4.4, §4.7 rule 2).
func (l *Limiter) CheckChatFlood(ctx context.Context, chatID string) Decision {
	key := fmt.Sprintf("chatflood:%s", chatID)
	count, err := l.incrCounter(ctx, key, l.cfg.MinuteWindow)
	if err != nil {
		l.log.Warnw("rate limiter storage error, failing open", "error", err, "check", "chat_flood")
		return Decision{Allowed: true, Reason: ReasonStorageError}
	}
	if count > int64(l.cfg.ChatMinuteMax) {
		return Decision{Allowed: false, Reason: ReasonChatFlood, Count: count, TTL: l.cfg.MinuteWindow}
	}
	return Decision{Allowed: true, Count: count}
}

// CheckUserTurn applies the burst/minute/daily user quotas, scaled by
// the trusted-user multiplier (spec.md §4.4).
func (l *Limiter) CheckUserTurn(ctx context.Context, userID string) Decision {
	trusted := l.cfg.IsTrustedUser(userID)
	mult := int64(1)
	if trusted {
		mult = int64(l.cfg.TrustedMultiplier)
		if mult < 1 {
			mult = 1
		}
	}

	burstKey := fmt.Sprintf("burst:%s", userID)
	burstCount, err := l.incrCounter(ctx, burstKey, l.cfg.BurstWindow)
	if err != nil {
		return l.failOpen(err, "burst")
	}
	if burstCount > int64(l.cfg.FreeBurstMax)*mult {
		return Decision{Allowed: false, Reason: ReasonBurst, Count: burstCount, TTL: l.cfg.BurstWindow}
	}

	minuteKey := fmt.Sprintf("minute:%s", userID)
	minuteCount, err := l.incrCounter(ctx, minuteKey, l.cfg.MinuteWindow)
	if err != nil {
		return l.failOpen(err, "minute")
	}
	if minuteCount > int64(l.cfg.FreeMinuteMax)*mult {
		return Decision{Allowed: false, Reason: ReasonMinute, Count: minuteCount, TTL: l.cfg.MinuteWindow}
	}

	now := l.now()
	dailyKey := fmt.Sprintf("daily:%s", userID)
	dailyTTL := nextUTCMidnight(now) + time.Minute // grace
	dailyCount, err := l.incrCounter(ctx, dailyKey, dailyTTL)
	if err != nil {
		return l.failOpen(err, "daily")
	}
	if dailyCount > int64(l.cfg.FreeDailyMax)*mult {
		return Decision{Allowed: false, Reason: ReasonDaily, Count: dailyCount, TTL: dailyTTL}
	}

	return Decision{Allowed: true, Count: dailyCount}
}

func (l *Limiter) failOpen(err error, check string) Decision {
	l.log.Warnw("rate limiter storage error, failing open", "error", err, "check", check)
	return Decision{Allowed: true, Reason: ReasonStorageError}
}

// ShouldNotify implements the per-(user, reason) notice cooldown
// (NX+EX semantics): the first denial within the cooldown window
// returns true; subsequent ones within the window return false.
func (l *Limiter) ShouldNotify(ctx context.Context, userID string, reason Reason) (bool, error) {
	if reason == "" {
		return false, nil
	}
	key := fmt.Sprintf("%s:%s", userID, reason)
	now := l.now()
	expiresAt := now.Add(l.cfg.NoticeCooldown)

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO notice_cooldowns (cooldown_key, expires_at)
		VALUES (?, ?)
		ON CONFLICT(cooldown_key) DO UPDATE SET expires_at = ?
		WHERE notice_cooldowns.expires_at <= ?`,
		key, expiresAt.Format(time.RFC3339Nano), expiresAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		// Fail open on the notify path too: better to notify than go silent.
		l.log.Warnw("notice cooldown storage error", "error", err)
		return true, nil
	}
	n, err := res.RowsAffected()
	if err != nil {
		return true, nil
	}
	return n > 0, nil
}
