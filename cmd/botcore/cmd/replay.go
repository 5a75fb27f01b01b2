package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaybot/core/internal/config"
	"github.com/relaybot/core/internal/ingest"
	"github.com/relaybot/core/internal/queue"
	"github.com/relaybot/core/internal/services"
	"github.com/relaybot/core/internal/store"
	"github.com/relaybot/core/internal/updates"
)

func newReplayCmd() *cobra.Command {
	var updateID int64
	var deadLetterQueue string
	var limit int

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-enqueue a stored update, or dead-lettered jobs from a queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), updateID, deadLetterQueue, limit)
		},
	}
	cmd.Flags().Int64Var(&updateID, "update-id", 0, "replay a specific stored update by id")
	cmd.Flags().StringVar(&deadLetterQueue, "dead-letter-queue", "", "replay dead-lettered jobs from this queue")
	cmd.Flags().IntVar(&limit, "limit", 20, "max dead-letter rows to replay")
	return cmd
}

func runReplay(ctx context.Context, updateID int64, deadLetterQueue string, limit int) error {
	if updateID == 0 && deadLetterQueue == "" {
		return fmt.Errorf("specify --update-id or --dead-letter-queue")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	q := queue.New(st.DB)

	if updateID != 0 {
		updateStore := updates.New(st.DB)
		rec, err := updateStore.Get(ctx, updateID)
		if err != nil {
			return fmt.Errorf("loading update %d: %w", updateID, err)
		}
		if _, err := q.Enqueue(ctx, queue.QueueUpdates, ingest.UpdatePayload{UpdateID: rec.UpdateID}, queue.EnqueueOptions{}); err != nil {
			return fmt.Errorf("re-enqueueing update %d: %w", updateID, err)
		}
		fmt.Printf("re-enqueued update %d\n", updateID)
	}

	if deadLetterQueue != "" {
		rows, err := q.ListDeadLetters(ctx, deadLetterQueue, limit)
		if err != nil {
			return fmt.Errorf("listing dead letters for %s: %w", deadLetterQueue, err)
		}
		for _, dl := range rows {
			// Scheduled on the retry-deadletter queue rather than the
			// origin queue directly: a running serve process's worker
			// resolves the origin queue by name and re-enqueues there,
			// same as an operator UI would trigger.
			if _, err := q.Enqueue(ctx, queue.QueueRetryDeadletter, services.ReplayPayload{
				Queue: dl.Queue, JobID: dl.JobID, Payload: dl.Payload,
			}, queue.EnqueueOptions{}); err != nil {
				return fmt.Errorf("scheduling replay of dead letter %d: %w", dl.ID, err)
			}
		}
		fmt.Printf("scheduled %d dead-letter rows from %s for replay\n", len(rows), deadLetterQueue)
	}

	return nil
}
