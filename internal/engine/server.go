package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/subsentry/subsentry/internal/engine/dunning"
	"github.com/subsentry/subsentry/internal/engine/email"
	"github.com/subsentry/subsentry/internal/engine/orgstore"
	enginestripe "github.com/subsentry/subsentry/internal/engine/stripe"
	"github.com/subsentry/subsentry/internal/llm"
	"github.com/subsentry/subsentry/internal/logging"
	"github.com/subsentry/subsentry/pkg/audit"
)

// Run starts the engine HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "subsentry",
	})

	log.Info().Str("version", version).Msg("Starting SubSentry")

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.EngineDir(), 0o755); err != nil {
		return fmt.Errorf("create engine dir: %w", err)
	}

	store, err := orgstore.Open(cfg.EngineDir())
	if err != nil {
		return fmt.Errorf("open organization store: %w", err)
	}
	defer store.Close()

	auditLogger, err := audit.NewSQLiteLogger(audit.SQLiteLoggerConfig{
		DataDir:       cfg.EngineDir(),
		RetentionDays: cfg.AuditRetentionDays,
	})
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	audit.SetLogger(auditLogger)
	defer auditLogger.Close()

	// Email sender
	var emailSender email.Sender
	if cfg.ResendAPIKey != "" {
		emailSender = email.NewResendSender(cfg.ResendAPIKey)
		log.Info().Msg("Email sender configured (Resend)")
	} else {
		emailSender = email.NewLogSender(func(to, subject, body string) {
			const maxBody = 4096
			bodyForLog := body
			if len(bodyForLog) > maxBody {
				bodyForLog = bodyForLog[:maxBody] + "...(truncated)"
			}
			log.Info().
				Str("to", to).
				Str("subject", subject).
				Str("body", bodyForLog).
				Msg("Email (log-only, no email provider configured)")
		})
		log.Info().Msg("Email sender: log-only (set RESEND_API_KEY to enable)")
	}

	// Reminder copy generator
	var provider llm.Provider
	if cfg.OpenAIAPIKey != "" {
		provider = llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL)
		log.Info().Str("model", cfg.OpenAIModel).Msg("Dunning copy generator configured (OpenAI)")
	} else {
		log.Info().Msg("Dunning copy: static templates (set OPENAI_API_KEY to enable generation)")
	}

	// Subscription fetcher for events that need an API lookup
	var fetcher enginestripe.SubscriptionFetcher
	if cfg.StripeAPIKey != "" {
		fetcher = enginestripe.NewAPIFetcher(cfg.StripeAPIKey)
	} else {
		log.Warn().Msg("STRIPE_API_KEY not set; invoice events will rely on inline fields only")
	}

	orchestrator := dunning.NewOrchestrator(provider, cfg.OpenAIModel, emailSender, cfg.EmailFrom)
	gracePeriod := time.Duration(cfg.GraceDays) * 24 * time.Hour
	synchronizer := enginestripe.NewSynchronizer(store, fetcher, orchestrator, gracePeriod)

	mux := http.NewServeMux()
	deps := &Deps{
		Config:       cfg,
		Store:        store,
		Synchronizer: synchronizer,
		Version:      version,
	}
	RegisterRoutes(mux, deps)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Create derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Start grace period enforcer
	graceEnforcer := enginestripe.NewGraceEnforcer(store)
	go graceEnforcer.Run(ctx)

	// Start metrics updater and webhook dedupe pruning
	go runOrgStatusMetrics(ctx, store)
	go runEventPruning(ctx, store)

	// Start server in background
	go func() {
		log.Info().Str("addr", addr).Msg("SubSentry listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("SubSentry stopped")
	return nil
}

// eventRetention is how long processed webhook event ids are kept for
// dedupe before being pruned.
const eventRetention = 30 * 24 * time.Hour

func runEventPruning(ctx context.Context, store *orgstore.Store) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PruneEvents(time.Now().UTC().Add(-eventRetention))
			if err != nil {
				log.Error().Err(err).Msg("Failed to prune webhook events")
				continue
			}
			if n > 0 {
				log.Info().Int64("pruned", n).Msg("Pruned old webhook events")
			}
		}
	}
}
