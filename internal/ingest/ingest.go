// Package ingest implements C6: the persist-then-ack ingestion
// contract shared by push and pull transports, plus the periodic
// recovery sweep that guarantees no persisted update is ever lost.
// Grounded on other_examples/bhandras-delight__update_events.go for
// the persist-then-enqueue shape and the teacher's tools/cron.go for
// the periodic-tick driver, here reused via robfig/cron/v3.
package ingest

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/relaybot/core/internal/queue"
	"github.com/relaybot/core/internal/updates"
)

// RecoverySweepSpec runs the sweep every 5s (spec.md §4.6).
const RecoverySweepSpec = "@every 5s"

// RecoveryBatchSize caps rows examined per tick (spec.md §9 open
// question: 200-row default preserved).
const RecoveryBatchSize = 200

type Pipeline struct {
	updates *updates.Store
	queue   *queue.Queue
	log     *zap.SugaredLogger
}

func New(updateStore *updates.Store, q *queue.Queue, log *zap.SugaredLogger) *Pipeline {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Pipeline{updates: updateStore, queue: q, log: log}
}

// UpdatePayload is what's enqueued on the updates queue: the router
// only needs the identifier to look the record back up, keeping the
// job payload small and the store as the source of truth.
type UpdatePayload struct {
	UpdateID int64 `json:"update_id"`
}

// jobIDFor implements spec.md §4.6's "keyed by update-<id>" dedup key.
func jobIDFor(updateID int64) string {
	return fmt.Sprintf("update-%d", updateID)
}

// Ingest implements steps 1-2 of spec.md §4.6: try_insert, then
// enqueue and mark enqueued. Callers in push mode may ack the
// transport as soon as this returns without waiting on the queue
// step's own durability, since the recovery sweep will pick up any
// update stuck in `received`.
func (p *Pipeline) Ingest(ctx context.Context, updateID int64, rawPayload string) error {
	result, err := p.updates.TryInsert(ctx, updateID, rawPayload)
	if err != nil {
		return fmt.Errorf("ingest: persisting update %d: %w", updateID, err)
	}
	if !result.Inserted {
		// Duplicate: invariant I1, acknowledge and stop.
		return nil
	}

	if _, err := p.queue.Enqueue(ctx, queue.QueueUpdates, UpdatePayload{UpdateID: updateID}, queue.EnqueueOptions{JobID: jobIDFor(updateID)}); err != nil {
		p.log.Warnw("enqueue failed after persist, recovery sweep will retry", "update_id", updateID, "error", err)
		return nil
	}

	if err := p.updates.MarkStatus(ctx, updateID, updates.StatusEnqueued, ""); err != nil {
		p.log.Warnw("marking update enqueued failed", "update_id", updateID, "error", err)
	}
	return nil
}

// RecoverySweep re-enqueues updates stuck in `received`, marking each
// enqueued on success and leaving it `received` on failure so the
// next tick retries (spec.md §4.6).
func (p *Pipeline) RecoverySweep(ctx context.Context) {
	stuck, err := p.updates.ListReceivedForRecovery(ctx, RecoveryBatchSize)
	if err != nil {
		p.log.Warnw("recovery sweep: listing stuck updates failed", "error", err)
		return
	}
	for _, rec := range stuck {
		if _, err := p.queue.Enqueue(ctx, queue.QueueUpdates, UpdatePayload{UpdateID: rec.UpdateID}, queue.EnqueueOptions{JobID: jobIDFor(rec.UpdateID)}); err != nil {
			p.log.Warnw("recovery sweep: re-enqueue failed, will retry next tick", "update_id", rec.UpdateID, "error", err)
			continue
		}
		if err := p.updates.MarkStatus(ctx, rec.UpdateID, updates.StatusEnqueued, ""); err != nil {
			p.log.Warnw("recovery sweep: marking enqueued failed", "update_id", rec.UpdateID, "error", err)
		}
	}
	if len(stuck) > 0 {
		p.log.Infow("recovery sweep processed stuck updates", "count", len(stuck))
	}
}

// StartRecoverySweep schedules RecoverySweep on the shared cron
// driver, running once immediately and then every 5s (spec.md §4.6:
// "runs every 5s at service start and forever").
func (p *Pipeline) StartRecoverySweep(ctx context.Context, c *cron.Cron) error {
	p.RecoverySweep(ctx)
	_, err := c.AddFunc(RecoverySweepSpec, func() { p.RecoverySweep(ctx) })
	return err
}
