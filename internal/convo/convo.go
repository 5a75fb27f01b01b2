// Package convo implements C10: Session and Message persistence for
// turn continuation, plus per-user/per-chat preference storage.
// Grounded on the teacher's session_manager.go for the
// session-materialize-then-append shape and
// other_examples/ashureev-shsh-labs__agent_session.go for the
// ordered-message-replay idiom.
package convo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaybot/core/internal/models"
)

// DefaultMessageLimit bounds how many trailing messages are loaded for
// a turn (spec.md §9 open question: 80 preserved as the default).
const DefaultMessageLimit = 80

var ErrNotFound = errors.New("convo: not found")

// Session is a conversation thread scoped by (chat_id, user_id, thread_id).
type Session struct {
	ID            string
	ChatID        string
	UserID        string
	ThreadID      string
	State         json.RawMessage
	LastMessageAt time.Time
	CreatedAt     time.Time
}

// Message is one ordered, append-only record within a Session.
type Message struct {
	ID            int64
	SessionID     string
	Role          models.Role
	Parts         []models.Part
	CorrelationID string
	CreatedAt     time.Time
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetOrCreateSession materializes the session for a scope tuple,
// enforcing the "exactly one session per scope tuple" uniqueness rule
// via an upsert-on-conflict that returns the existing row untouched.
func (s *Store) GetOrCreateSession(ctx context.Context, chatID, userID, threadID string) (*Session, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	id := uuid.NewString()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, chat_id, user_id, thread_id, state, last_message_at, created_at)
		VALUES (?, ?, ?, ?, '{}', ?, ?)
		ON CONFLICT(chat_id, user_id, thread_id) DO NOTHING`,
		id, chatID, userID, threadID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("convo: get-or-create session: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, user_id, thread_id, state, last_message_at, created_at
		FROM sessions WHERE chat_id = ? AND user_id = ? AND thread_id = ?`,
		chatID, userID, threadID)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var state, lastMsgAt, createdAt string
	if err := row.Scan(&sess.ID, &sess.ChatID, &sess.UserID, &sess.ThreadID, &state, &lastMsgAt, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sess.State = json.RawMessage(state)
	sess.LastMessageAt, _ = time.Parse(time.RFC3339Nano, lastMsgAt)
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &sess, nil
}

// GetSession loads a session by id, used when only the id is on hand
// (e.g. resuming a turn from an approval decision).
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, user_id, thread_id, state, last_message_at, created_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// UpdateState overwrites a session's opaque state blob (used by the
// wallet-link flow and similar external collaborators).
func (s *Store) UpdateState(ctx context.Context, sessionID string, state json.RawMessage) error {
	if len(state) == 0 {
		state = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET state = ? WHERE id = ?`, string(state), sessionID)
	return err
}

// AppendMessage inserts a new message and bumps the session's
// last_message_at, in one transaction.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, role models.Role, parts []models.Part, correlationID string) (*Message, error) {
	body, err := json.Marshal(parts)
	if err != nil {
		return nil, fmt.Errorf("convo: marshaling parts: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, parts, correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, string(role), string(body), correlationID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("convo: inserting message: %w", err)
	}
	id, _ := res.LastInsertId()

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET last_message_at = ? WHERE id = ?`, now, sessionID); err != nil {
		return nil, fmt.Errorf("convo: bumping last_message_at: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, now)
	return &Message{ID: id, SessionID: sessionID, Role: role, Parts: parts, CorrelationID: correlationID, CreatedAt: createdAt}, nil
}

// LoadMessages returns the trailing `limit` messages for a session,
// oldest first, suitable for direct replay to the LLM (spec.md §3:
// "ordered strictly by created_at").
func (s *Store) LoadMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, parts, correlation_id, created_at FROM (
			SELECT id, session_id, role, parts, correlation_id, created_at
			FROM messages WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var role, parts, createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &parts, &m.CorrelationID, &createdAt); err != nil {
			return nil, err
		}
		m.Role = models.Role(role)
		if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
			return nil, fmt.Errorf("convo: unmarshaling parts for message %d: %w", m.ID, err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// UserPreferences fetches the per-user default, or nil if unset.
func (s *Store) UserPreferences(ctx context.Context, userID string) (*models.Preferences, error) {
	return s.loadPreferences(ctx, "user_preferences", "user_id", userID)
}

// ChatPreferences fetches the per-chat override, or nil if unset.
func (s *Store) ChatPreferences(ctx context.Context, chatID string) (*models.Preferences, error) {
	return s.loadPreferences(ctx, "chat_preferences", "chat_id", chatID)
}

func (s *Store) loadPreferences(ctx context.Context, table, keyCol, key string) (*models.Preferences, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT response_style, risk_profile, network FROM %s WHERE %s = ?`, table, keyCol), key)
	var style, risk, network string
	if err := row.Scan(&style, &risk, &network); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &models.Preferences{
		ResponseStyle: models.ResponseStyle(style),
		RiskProfile:   models.RiskProfile(risk),
		Network:       network,
	}, nil
}

// SetUserPreferences upserts a user's default preferences.
func (s *Store) SetUserPreferences(ctx context.Context, userID string, p models.Preferences) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, response_style, risk_profile, network)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET response_style = excluded.response_style, risk_profile = excluded.risk_profile, network = excluded.network`,
		userID, string(p.ResponseStyle), string(p.RiskProfile), p.Network,
	)
	return err
}

// SetChatPreferences upserts a chat's override preferences.
func (s *Store) SetChatPreferences(ctx context.Context, chatID string, p models.Preferences) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_preferences (chat_id, response_style, risk_profile, network)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET response_style = excluded.response_style, risk_profile = excluded.risk_profile, network = excluded.network`,
		chatID, string(p.ResponseStyle), string(p.RiskProfile), p.Network,
	)
	return err
}

// ResolvePreferences implements spec.md §3's "chat-override ??
// user-default ?? system-default" rule for a scope tuple.
func (s *Store) ResolvePreferences(ctx context.Context, chatID, userID string) (models.Preferences, error) {
	userPrefs, err := s.UserPreferences(ctx, userID)
	if err != nil {
		return models.Preferences{}, err
	}
	chatPrefs, err := s.ChatPreferences(ctx, chatID)
	if err != nil {
		return models.Preferences{}, err
	}
	return models.Resolve(userPrefs, chatPrefs), nil
}
