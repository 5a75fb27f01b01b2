// Package services assembles every component into a single,
// constructed-once dependency graph and threads it through the HTTP
// handlers and background workers, rather than reaching components
// through package-level globals. Grounded on the runtime's
// internal/svc.ServiceContext pattern, generalized from a single web
// backend's (config, logger, db) triple into the full C1-C10 graph.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/relaybot/core/internal/agentturn"
	"github.com/relaybot/core/internal/ai"
	"github.com/relaybot/core/internal/approval"
	"github.com/relaybot/core/internal/audit"
	"github.com/relaybot/core/internal/chatlock"
	"github.com/relaybot/core/internal/config"
	"github.com/relaybot/core/internal/convo"
	"github.com/relaybot/core/internal/dashboard"
	"github.com/relaybot/core/internal/ingest"
	"github.com/relaybot/core/internal/logging"
	"github.com/relaybot/core/internal/models"
	"github.com/relaybot/core/internal/queue"
	"github.com/relaybot/core/internal/ratelimit"
	"github.com/relaybot/core/internal/router"
	"github.com/relaybot/core/internal/store"
	"github.com/relaybot/core/internal/tool"
	"github.com/relaybot/core/internal/transport"
	"github.com/relaybot/core/internal/updates"
)

// Concurrency caps per queue, matching spec.md §5's worker budgets.
const (
	concurrencyUpdates            = 20
	concurrencyAgentTurns         = 12
	concurrencyApprovalTimeouts   = 5
	concurrencyApprovalCountdowns = 5
	concurrencyRetryDeadletter    = 2

	pollInterval = "@every 1s"
)

// Catalog is the external tool collaborator (spec.md §1 non-goals:
// "choosing... tools"); Services only wraps and drives whatever is
// registered.
type Catalog interface {
	Specs() []tool.Spec
}

// UpdateParser turns a raw stored update payload into a routable
// InboundText. A concrete chat-platform binding is an external
// collaborator (spec.md §1 non-goals), so this is left unset until one
// is wired in by the caller; without one the updates worker marks the
// row processed without dispatching a turn.
type UpdateParser interface {
	Parse(rawPayload string) (router.InboundText, error)
}

// Services is the process-wide, constructed-once dependency graph.
type Services struct {
	Config config.Config
	Log    *zap.SugaredLogger

	Store *store.Store

	Audit     *audit.Chain
	Updates   *updates.Store
	Queue     *queue.Queue
	RateLimit *ratelimit.Limiter
	ChatLock  *chatlock.Lock
	Convo     *convo.Store
	Ingest    *ingest.Pipeline
	Router    *router.Router
	Approval  *approval.Engine
	Tool      *tool.Policy
	AgentTurn *agentturn.Executor
	Profiles  ai.ProfileTracker
	Dashboard *dashboard.Hub
	Cron      *cron.Cron

	// Transport and UpdateParser are external chat-platform collaborators
	// (spec.md §1 non-goals). Both are nil-safe: Services degrades to
	// notification no-ops and unrouted-but-acked updates until they are
	// assigned.
	Transport    transport.Transport
	UpdateParser UpdateParser
}

// New wires every component over a single shared store. primary must
// be non-nil; fallback may be nil if no fallback model is configured.
func New(cfg config.Config, log *zap.SugaredLogger, st *store.Store, catalog Catalog, primary, fallback ai.Provider) (*Services, error) {
	if log == nil {
		var err error
		log, err = logging.New(cfg.Env)
		if err != nil {
			return nil, fmt.Errorf("services: building logger: %w", err)
		}
	}
	db := st.DB

	chain := audit.New(db, log)
	updateStore := updates.New(db)
	q := queue.New(db)
	limiter := ratelimit.New(db, cfg.RateLimit, log)
	lock := chatlock.New(db, log)
	convoStore := convo.New(db)
	profiles := ai.NewSQLProfileTracker(db, log)
	policy := tool.NewPolicy()
	hub := dashboard.NewHub(log)
	ingestPipeline := ingest.New(updateStore, q, log)

	svc := &Services{
		Config:    cfg,
		Log:       log,
		Store:     st,
		Audit:     chain,
		Updates:   updateStore,
		Queue:     q,
		RateLimit: limiter,
		ChatLock:  lock,
		Convo:     convoStore,
		Ingest:    ingestPipeline,
		Tool:      policy,
		Profiles:  profiles,
		Dashboard: hub,
		Cron:      cron.New(),
	}

	// The executor needs an ApprovalRegistry (the engine); the engine
	// needs a Resumer (the executor). Break the cycle by constructing the
	// executor first with no registry, building the engine against it as
	// resumer, then wiring the registry back in.
	var catalogSpecs agentturn.ToolCatalog
	if catalog != nil {
		catalogSpecs = catalog
	}
	executor := agentturn.New(lock, convoStore, nil, policy, catalogSpecs, chain, primary, fallback, profiles, log)
	executor.SetQueue(q)
	svc.AgentTurn = executor

	notifier := &transportNotifier{svc: svc}
	engine := approval.New(db, q, chain, notifier, executor, log)
	executor.SetApprovals(engine)
	svc.Approval = engine

	settings := &settingsAdapter{convo: convoStore}
	svc.Router = router.New(limiter, convoStore, engine, settings, nil, notifier, log)

	return svc, nil
}

// Close releases the underlying store connection.
func (s *Services) Close() error {
	return s.Store.Close()
}

// transportNotifier adapts the platform Transport (an external
// collaborator, spec.md §1 non-goals) to router.Notifier and
// approval.Notifier. Every method is a no-op when no Transport has
// been assigned yet.
type transportNotifier struct {
	svc *Services
}

func (n *transportNotifier) Notify(ctx context.Context, chatID, threadID, text string) error {
	if n.svc.Transport == nil {
		return nil
	}
	_, err := n.svc.Transport.SendText(ctx, chatID, text, transport.SendOptions{ThreadID: threadID})
	return err
}

func (n *transportNotifier) NotifyExpiry(ctx context.Context, chatID, promptMessageID string) error {
	if n.svc.Transport == nil || promptMessageID == "" {
		return nil
	}
	return n.svc.Transport.EditText(ctx, chatID, promptMessageID, "Approval request expired.", nil)
}

func (n *transportNotifier) RenderCountdown(ctx context.Context, chatID, promptMessageID string, remaining time.Duration) error {
	if n.svc.Transport == nil || promptMessageID == "" {
		return nil
	}
	text := fmt.Sprintf("Approval expires in %s.", remaining.Round(time.Second))
	return n.svc.Transport.EditText(ctx, chatID, promptMessageID, text, nil)
}

// settingsAdapter implements router.SettingsHandler over the
// preference storage convo.Store already provides, applying a single
// field of the "cfg:<section>:<target>:<value>" grammar (spec.md §6)
// on top of whatever preferences already exist at that scope.
type settingsAdapter struct {
	convo *convo.Store
}

func (a *settingsAdapter) ApplySetting(ctx context.Context, chatID, userID, section, target, value string) error {
	switch section {
	case "user":
		current, err := a.convo.UserPreferences(ctx, userID)
		if err != nil {
			return err
		}
		p := applyPreferenceTarget(current, target, value)
		return a.convo.SetUserPreferences(ctx, userID, p)
	case "chat":
		current, err := a.convo.ChatPreferences(ctx, chatID)
		if err != nil {
			return err
		}
		p := applyPreferenceTarget(current, target, value)
		return a.convo.SetChatPreferences(ctx, chatID, p)
	default:
		return nil
	}
}

func applyPreferenceTarget(current *models.Preferences, target, value string) models.Preferences {
	var p models.Preferences
	if current != nil {
		p = *current
	}
	switch target {
	case "response_style":
		p.ResponseStyle = models.ResponseStyle(value)
	case "risk_profile":
		p.RiskProfile = models.RiskProfile(value)
	case "network":
		p.Network = value
	}
	return p
}

// queueByName resolves a queue's Definition from its stored name, used
// by the dead-letter replay worker to re-enqueue onto the original
// queue.
var queueByName = map[string]queue.Definition{
	queue.QueueUpdates.Name:            queue.QueueUpdates,
	queue.QueueAgentTurns.Name:         queue.QueueAgentTurns,
	queue.QueueApprovalTimeouts.Name:   queue.QueueApprovalTimeouts,
	queue.QueueApprovalCountdowns.Name: queue.QueueApprovalCountdowns,
}

// ReplayPayload is the job body enqueued on QueueRetryDeadletter by the
// "replay" CLI subcommand.
type ReplayPayload struct {
	Queue   string          `json:"queue"`
	JobID   string          `json:"job_id"`
	Payload json.RawMessage `json:"payload"`
}

// EnqueueReplay schedules a dead-lettered job for another attempt.
func (s *Services) EnqueueReplay(ctx context.Context, dl queue.DeadLetter) (string, error) {
	return s.Queue.Enqueue(ctx, queue.QueueRetryDeadletter, ReplayPayload{
		Queue: dl.Queue, JobID: dl.JobID, Payload: dl.Payload,
	}, queue.EnqueueOptions{})
}

// StartWorkers schedules the recovery sweep and every queue's
// claim-process loop on the shared cron driver (spec.md §9: "cron-driven
// tickers rather than hand-rolled time.Sleep loops"), then starts it.
// Each queue gets one cron entry per unit of its concurrency budget;
// every tick that finds nothing due returns immediately.
func (s *Services) StartWorkers(ctx context.Context) error {
	if err := s.Ingest.StartRecoverySweep(ctx, s.Cron); err != nil {
		return fmt.Errorf("services: starting recovery sweep: %w", err)
	}

	pollers := []struct {
		def         queue.Definition
		concurrency int
		handle      func(context.Context, *queue.Job) error
	}{
		{queue.QueueUpdates, concurrencyUpdates, s.processUpdateJob},
		{queue.QueueAgentTurns, concurrencyAgentTurns, s.processAgentTurnJob},
		{queue.QueueApprovalTimeouts, concurrencyApprovalTimeouts, s.processApprovalTimeoutJob},
		{queue.QueueApprovalCountdowns, concurrencyApprovalCountdowns, s.processApprovalCountdownJob},
		{queue.QueueRetryDeadletter, concurrencyRetryDeadletter, s.processRetryDeadletterJob},
	}
	for _, p := range pollers {
		def, handle := p.def, p.handle
		for i := 0; i < p.concurrency; i++ {
			if _, err := s.Cron.AddFunc(pollInterval, func() { s.runOnce(ctx, def, handle) }); err != nil {
				return fmt.Errorf("services: scheduling %s worker: %w", def.Name, err)
			}
		}
	}

	go s.Dashboard.Run(ctx)
	s.Cron.Start()
	return nil
}

// StopWorkers blocks until every in-flight cron job finishes.
func (s *Services) StopWorkers() {
	<-s.Cron.Stop().Done()
}

// runOnce claims at most one job from def and drives it through
// handle, failing (with backoff) or completing it per the outcome.
func (s *Services) runOnce(ctx context.Context, def queue.Definition, handle func(context.Context, *queue.Job) error) {
	job, err := s.Queue.Claim(ctx, def)
	if err != nil {
		s.Log.Warnw("queue claim failed", "queue", def.Name, "error", err)
		return
	}
	if job == nil {
		return
	}
	if err := handle(ctx, job); err != nil {
		s.Log.Warnw("job handler failed", "queue", def.Name, "job_id", job.ID, "error", err)
		if failErr := s.Queue.Fail(ctx, job, err.Error(), ""); failErr != nil {
			s.Log.Warnw("failing job failed", "queue", def.Name, "job_id", job.ID, "error", failErr)
		}
		return
	}
	if err := s.Queue.Complete(ctx, job.ID); err != nil {
		s.Log.Warnw("completing job failed", "queue", def.Name, "job_id", job.ID, "error", err)
	}
}

func (s *Services) processUpdateJob(ctx context.Context, job *queue.Job) error {
	var payload ingest.UpdatePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding update payload: %w", err)
	}
	rec, err := s.Updates.Get(ctx, payload.UpdateID)
	if err != nil {
		return fmt.Errorf("loading update %d: %w", payload.UpdateID, err)
	}

	if s.UpdateParser == nil {
		s.Log.Warnw("no update parser configured, marking processed without routing", "update_id", payload.UpdateID)
		return s.Updates.MarkStatus(ctx, payload.UpdateID, updates.StatusProcessed, "")
	}

	in, err := s.UpdateParser.Parse(rec.RawPayload)
	if err != nil {
		return fmt.Errorf("parsing update %d: %w", payload.UpdateID, err)
	}
	turnReq, err := s.Router.Route(ctx, in)
	if err != nil {
		return fmt.Errorf("routing update %d: %w", payload.UpdateID, err)
	}
	if turnReq != nil {
		if _, err := s.Queue.Enqueue(ctx, queue.QueueAgentTurns, turnReq, queue.EnqueueOptions{}); err != nil {
			return fmt.Errorf("enqueueing agent turn for update %d: %w", payload.UpdateID, err)
		}
	}
	return s.Updates.MarkStatus(ctx, payload.UpdateID, updates.StatusProcessed, "")
}

func (s *Services) processAgentTurnJob(ctx context.Context, job *queue.Job) error {
	var req router.TurnExecutionRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return fmt.Errorf("decoding agent turn payload: %w", err)
	}
	var sink transport.DraftSink = transport.NoopDraftSink{}
	if s.Config.StreamingDraftsEnabled {
		sink = s.Dashboard
	}
	outcome, err := s.AgentTurn.Run(ctx, &req, sink)
	if err != nil {
		return err
	}
	return s.deliverOutcome(ctx, &req, outcome)
}

// deliverOutcome sends a turn's final answer to the chat it came from,
// chunked to the transport's message-size limit (spec.md §6). It is a
// no-op until a concrete Transport is wired in.
func (s *Services) deliverOutcome(ctx context.Context, req *router.TurnExecutionRequest, outcome *agentturn.Outcome) error {
	if s.Transport == nil || outcome == nil {
		return nil
	}
	for _, chunk := range transport.ChunkText(outcome.Text) {
		if _, err := s.Transport.SendText(ctx, req.ChatID, chunk, transport.SendOptions{ThreadID: req.ThreadID}); err != nil {
			return fmt.Errorf("delivering agent turn response: %w", err)
		}
	}
	return nil
}

func (s *Services) processApprovalTimeoutJob(ctx context.Context, job *queue.Job) error {
	var p approval.ExpiryPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decoding approval expiry payload: %w", err)
	}
	return s.Approval.RunExpiry(ctx, p.ApprovalID)
}

func (s *Services) processApprovalCountdownJob(ctx context.Context, job *queue.Job) error {
	var p approval.CountdownPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decoding approval countdown payload: %w", err)
	}
	return s.Approval.RunCountdown(ctx, p.ApprovalID)
}

func (s *Services) processRetryDeadletterJob(ctx context.Context, job *queue.Job) error {
	var p ReplayPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decoding replay payload: %w", err)
	}
	def, ok := queueByName[p.Queue]
	if !ok {
		return fmt.Errorf("unknown queue %q for replay", p.Queue)
	}
	_, err := s.Queue.Enqueue(ctx, def, p.Payload, queue.EnqueueOptions{JobID: "replay-" + p.JobID})
	return err
}
