// Package dashboard implements the optional operator-facing WebSocket
// fan-out for streamed draft text. Grounded on the runtime's
// internal/websocket/handler.go and internal/realtime/client.go
// (register/unregister channels, buffered per-client send queue, ping
// ticker) generalized from a per-user chat hub into a broadcast-only
// draft feed: every connected viewer sees every draft event, there is
// no per-user routing to reproduce here.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaybot/core/internal/transport"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	clientSendBuf  = 64
)

// DraftEvent is what SendDraft broadcasts to connected viewers.
type DraftEvent struct {
	ChatID   string `json:"chat_id"`
	DraftID  string `json:"draft_id"`
	ThreadID string `json:"thread_id,omitempty"`
	Text     string `json:"text"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans DraftEvent broadcasts out to every connected client.
// Satisfies transport.DraftSink so the agent turn executor can stream
// drafts to it directly, alongside whatever platform Transport is in
// use.
type Hub struct {
	log *zap.SugaredLogger

	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	mu      sync.Mutex
	clients map[string]*client
}

func NewHub(log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		log:        log,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		clients:    make(map[string]*client),
	}
}

// Run drives the hub's registration and fan-out loop until ctx is
// canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, c := range h.clients {
				close(c.send)
			}
			h.clients = map[string]*client{}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.log.Warnw("dashboard client send buffer full, dropping", "client_id", id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// SendDraft implements transport.DraftSink.
func (h *Hub) SendDraft(ctx context.Context, chatID, draftID, text, threadID string) error {
	body, err := json.Marshal(DraftEvent{ChatID: chatID, DraftID: draftID, ThreadID: threadID, Text: text})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- body:
	default:
		h.log.Warnw("dashboard broadcast channel full, dropping draft event", "chat_id", chatID)
	}
	return nil
}

var _ transport.DraftSink = (*Hub)(nil)

// ServeWS upgrades r into a hub-registered viewer connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("dashboard websocket upgrade failed", "error", err)
		return
	}
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, clientSendBuf)}
	h.register <- c
	go h.writePump(c)
	go h.readPump(c)
}

// readPump only drains and discards inbound frames to keep pong
// handling alive; the dashboard feed is one-directional.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
