package convo

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/relaybot/core/internal/models"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE sessions (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		thread_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '{}',
		last_message_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(chat_id, user_id, thread_id)
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		parts TEXT NOT NULL DEFAULT '[]',
		correlation_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE user_preferences (
		user_id TEXT PRIMARY KEY,
		response_style TEXT NOT NULL DEFAULT '',
		risk_profile TEXT NOT NULL DEFAULT '',
		network TEXT NOT NULL DEFAULT ''
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE chat_preferences (
		chat_id TEXT PRIMARY KEY,
		response_style TEXT NOT NULL DEFAULT '',
		risk_profile TEXT NOT NULL DEFAULT '',
		network TEXT NOT NULL DEFAULT ''
	)`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGetOrCreateSession_IsIdempotent(t *testing.T) {
	db := newTestDB(t)
	s := New(db)
	ctx := context.Background()

	s1, err := s.GetOrCreateSession(ctx, "chat-1", "user-1", "")
	require.NoError(t, err)

	s2, err := s.GetOrCreateSession(ctx, "chat-1", "user-1", "")
	require.NoError(t, err)
	require.Equal(t, s1.ID, s2.ID)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestAppendMessageAndLoadOrdering(t *testing.T) {
	db := newTestDB(t)
	s := New(db)
	ctx := context.Background()

	sess, err := s.GetOrCreateSession(ctx, "chat-1", "user-1", "")
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, sess.ID, models.RoleUser, []models.Part{{Type: models.PartText, Text: "hi"}}, "corr-1")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, sess.ID, models.RoleAssistant, []models.Part{{Type: models.PartText, Text: "hello"}}, "corr-1")
	require.NoError(t, err)

	msgs, err := s.LoadMessages(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, models.RoleUser, msgs[0].Role)
	require.Equal(t, models.RoleAssistant, msgs[1].Role)
	require.Equal(t, "hi", msgs[0].Parts[0].Text)
}

func TestLoadMessages_BoundedTrailingWindow(t *testing.T) {
	db := newTestDB(t)
	s := New(db)
	ctx := context.Background()

	sess, err := s.GetOrCreateSession(ctx, "chat-1", "user-1", "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.AppendMessage(ctx, sess.ID, models.RoleUser, []models.Part{{Type: models.PartText, Text: "m"}}, "")
		require.NoError(t, err)
	}

	msgs, err := s.LoadMessages(ctx, sess.ID, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	// Still ascending by created_at/id even though only the trailing window was kept.
	require.True(t, msgs[0].ID < msgs[1].ID)
	require.True(t, msgs[1].ID < msgs[2].ID)
}

func TestResolvePreferences_ChatOverridesUser(t *testing.T) {
	db := newTestDB(t)
	s := New(db)
	ctx := context.Background()

	require.NoError(t, s.SetUserPreferences(ctx, "user-1", models.Preferences{ResponseStyle: models.StyleDetailed, RiskProfile: models.RiskProfileAdvanced}))
	require.NoError(t, s.SetChatPreferences(ctx, "chat-1", models.Preferences{RiskProfile: models.RiskProfileCautious}))

	resolved, err := s.ResolvePreferences(ctx, "chat-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, models.StyleDetailed, resolved.ResponseStyle)
	require.Equal(t, models.RiskProfileCautious, resolved.RiskProfile)
}

func TestResolvePreferences_FallsBackToSystemDefault(t *testing.T) {
	db := newTestDB(t)
	s := New(db)
	ctx := context.Background()

	resolved, err := s.ResolvePreferences(ctx, "chat-unknown", "user-unknown")
	require.NoError(t, err)
	require.Equal(t, models.DefaultPreferences(), resolved)
}
