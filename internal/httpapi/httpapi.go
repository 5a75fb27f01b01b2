// Package httpapi implements the thin HTTP surface described by
// spec.md §6: a transport webhook, liveness/readiness probes, and an
// admin-only replay endpoint, plus the operator dashboard's WebSocket
// upgrade route. Grounded on the runtime's internal/server/server.go
// for the chi router/middleware shape.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/relaybot/core/internal/ingest"
	"github.com/relaybot/core/internal/queue"
	"github.com/relaybot/core/internal/services"
)

// maxWebhookBodyBytes bounds the request body read for a single
// transport update.
const maxWebhookBodyBytes = 1 << 20 // 1 MiB

// Server mounts the routes described above over a *services.Services.
type Server struct {
	svc *services.Services
	mux *chi.Mux
}

func New(svc *services.Services) *Server {
	s := &Server{svc: svc}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Post("/webhook", s.handleWebhook)
	r.Post("/webhook/{secret}", s.handleWebhook)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/dashboard/ws", svc.Dashboard.ServeWS)

	r.Route("/internal", func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Post("/replay-update", s.handleReplayUpdate)
	})

	s.mux = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleWebhook implements the persist-then-ack contract (spec.md
// §4.6 / §6): the update is durable before the handler returns,
// regardless of whether enqueueing it succeeds immediately.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.authenticateWebhook(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	var probe struct {
		UpdateID int64 `json:"update_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.UpdateID == 0 {
		http.Error(w, "missing update_id", http.StatusBadRequest)
		return
	}

	if err := s.svc.Ingest.Ingest(r.Context(), probe.UpdateID, string(body)); err != nil {
		s.svc.Log.Warnw("webhook ingest failed", "update_id", probe.UpdateID, "error", err)
		http.Error(w, "ingest failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// authenticateWebhook checks the URL secret segment and/or the
// header token against the configured webhook secret (spec.md §6). A
// deployment that leaves WebhookSecret unset accepts every request,
// matching a polling-mode or trusted-network setup.
func (s *Server) authenticateWebhook(r *http.Request) bool {
	secret := s.svc.Config.WebhookSecret
	if secret == "" {
		return true
	}
	if got := chi.URLParam(r, "secret"); got != "" && got == secret {
		return true
	}
	return r.Header.Get("X-Webhook-Secret-Token") == secret
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

var readyzQueues = []queue.Definition{
	queue.QueueUpdates,
	queue.QueueAgentTurns,
	queue.QueueApprovalTimeouts,
	queue.QueueApprovalCountdowns,
	queue.QueueRetryDeadletter,
}

// handleReadyz pings the relational store and reports queue depth,
// returning 503 on any failure (spec.md §6).
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.svc.Store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down", "error": err.Error()})
		return
	}

	depths := make(map[string]int, len(readyzQueues))
	for _, def := range readyzQueues {
		d, err := s.svc.Queue.Depth(ctx, def.Name)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down", "error": err.Error()})
			return
		}
		depths[def.Name] = d
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "queue_depth": depths})
}

type replayRequest struct {
	UpdateID int64 `json:"update_id"`
}

// handleReplayUpdate re-enqueues an already-persisted update (spec.md
// §6), for operator use when a job was dead-lettered or otherwise
// dropped without corrupting the stored record.
func (s *Server) handleReplayUpdate(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UpdateID == 0 {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if _, err := s.svc.Updates.Get(ctx, req.UpdateID); err != nil {
		http.Error(w, "update not found", http.StatusNotFound)
		return
	}
	if _, err := s.svc.Queue.Enqueue(ctx, queue.QueueUpdates, ingest.UpdatePayload{UpdateID: req.UpdateID}, queue.EnqueueOptions{}); err != nil {
		s.svc.Log.Warnw("replay enqueue failed", "update_id", req.UpdateID, "error", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// requireBearer protects /internal routes with an HS256 JWT signed by
// the admin token (spec.md §6, "bearer-token-protected").
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		tokenString := header[len(prefix):]

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(s.svc.Config.AdminToken), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				http.Error(w, "token expired", http.StatusUnauthorized)
				return
			}
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// IssueAdminToken mints a short-lived bearer token for the replay
// endpoint, signed with the same admin token configured on the
// server. Used by the "replay" CLI subcommand.
func IssueAdminToken(adminToken string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": "botcore-admin",
		"exp": time.Now().Add(ttl).Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(adminToken))
}
