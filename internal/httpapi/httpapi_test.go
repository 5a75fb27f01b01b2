package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaybot/core/internal/ai"
	"github.com/relaybot/core/internal/config"
	"github.com/relaybot/core/internal/logging"
	"github.com/relaybot/core/internal/services"
	"github.com/relaybot/core/internal/store"
)

type fakeProvider struct{}

func (fakeProvider) Name() string { return "fake" }
func (fakeProvider) Stream(ctx context.Context, req ai.Request) (<-chan ai.StreamEvent, error) {
	ch := make(chan ai.StreamEvent)
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T) (*Server, *services.Services) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Config{
		WebhookSecret: "shh",
		AdminToken:    "admin-secret",
	}
	svc, err := services.New(cfg, logging.Noop(), st, nil, fakeProvider{}, nil)
	require.NoError(t, err)

	return New(svc), svc
}

func TestHandleWebhook_RejectsBadSecret(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/webhook/wrong", bytes.NewBufferString(`{"update_id":1}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleWebhook_PersistsAndAcks(t *testing.T) {
	s, svc := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/webhook/shh", bytes.NewBufferString(`{"update_id":42,"text":"hi"}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := svc.Updates.Get(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, int64(42), got.UpdateID)
}

func TestHandleWebhook_MissingUpdateIDRejected(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/webhook/shh", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleReadyz_ReportsQueueDepth(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "ready", body["status"])
}

func TestReplayUpdate_RequiresBearerToken(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/internal/replay-update", bytes.NewBufferString(`{"update_id":1}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReplayUpdate_WithValidTokenRequeues(t *testing.T) {
	s, svc := newTestServer(t)
	ctx := context.Background()

	_, err := svc.Updates.TryInsert(ctx, 99, `{"update_id":99}`)
	require.NoError(t, err)

	token, err := IssueAdminToken("admin-secret", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/internal/replay-update", bytes.NewBufferString(`{"update_id":99}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestReplayUpdate_UnknownUpdateNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	token, err := IssueAdminToken("admin-secret", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/internal/replay-update", bytes.NewBufferString(`{"update_id":404404}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
