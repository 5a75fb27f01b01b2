package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaybot/core/internal/ai"
	"github.com/relaybot/core/internal/config"
	"github.com/relaybot/core/internal/httpapi"
	"github.com/relaybot/core/internal/logging"
	"github.com/relaybot/core/internal/services"
	"github.com/relaybot/core/internal/store"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP surface and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.New(cfg.Env)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	primary, fallback, err := buildProviders(cfg, log)
	if err != nil {
		return fmt.Errorf("building AI providers: %w", err)
	}

	// The domain-specific tool catalog is an external collaborator
	// (spec.md §1 non-goals); a deployment wires its own in place of
	// this nil.
	svc, err := services.New(cfg, log, st, nil, primary, fallback)
	if err != nil {
		return fmt.Errorf("wiring services: %w", err)
	}
	defer svc.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	if err := svc.StartWorkers(runCtx); err != nil {
		return fmt.Errorf("starting workers: %w", err)
	}
	defer svc.StopWorkers()

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.New(svc),
	}
	go func() {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Infow("serving", "addr", cfg.HTTPAddr, "run_mode", cfg.RunMode)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// buildProviders wires the primary/fallback AI providers from
// configured API keys. Fallback is optional (spec.md §9's
// fallback-only-before-first-delta rule tolerates a nil fallback).
func buildProviders(cfg config.Config, log *zap.SugaredLogger) (ai.Provider, ai.Provider, error) {
	if cfg.AnthropicAPIKey == "" {
		return nil, nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	primary := ai.NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.PrimaryModel, log)

	var fallback ai.Provider
	if cfg.OpenAIAPIKey != "" && cfg.FallbackModel != "" {
		fallback = ai.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.FallbackModel, log)
	}
	return primary, fallback, nil
}
