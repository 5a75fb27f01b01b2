package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestHub_BroadcastsDraftToConnectedViewer(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the register goroutine a moment to land before we broadcast.
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, hub.SendDraft(context.Background(), "chat-1", "draft-1", "hello", ""))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev DraftEvent
	require.NoError(t, json.Unmarshal(msg, &ev))
	require.Equal(t, "chat-1", ev.ChatID)
	require.Equal(t, "hello", ev.Text)
}
