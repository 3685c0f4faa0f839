// Command magiclink runs the magic-link verification and settlement control
// plane: upload and verification, token-addressed receipts, buyer decisions,
// webhook fan-out, billing, and the operator surfaces.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/settld-labs/magic-link/pkg/api"
	"github.com/settld-labs/magic-link/pkg/audit"
	"github.com/settld-labs/magic-link/pkg/billing"
	"github.com/settld-labs/magic-link/pkg/config"
	"github.com/settld-labs/magic-link/pkg/decision"
	"github.com/settld-labs/magic-link/pkg/entitlements"
	"github.com/settld-labs/magic-link/pkg/opsapi"
	"github.com/settld-labs/magic-link/pkg/outbox"
	"github.com/settld-labs/magic-link/pkg/packets"
	"github.com/settld-labs/magic-link/pkg/secrets"
	"github.com/settld-labs/magic-link/pkg/store"
	"github.com/settld-labs/magic-link/pkg/tenants"
	"github.com/settld-labs/magic-link/pkg/vault"
	"github.com/settld-labs/magic-link/pkg/verify"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "magiclink:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	box, err := secrets.NewBoxFromHex(cfg.SettingsKeyHex)
	if err != nil {
		return err
	}
	auditLog := audit.NewLogger(cfg.DataDir)
	tenantStore := tenants.NewStore(cfg.DataDir, box, auditLog)
	meter := entitlements.NewMeter(cfg.DataDir, auditLog)
	limiter := entitlements.NewRateLimiter(cfg.DataDir)
	v := vault.New(cfg.DataDir)
	runs := verify.NewRunStore(cfg.DataDir)

	// The queue refreshes stale entries through the emitter, which itself
	// posts through the queue, so the refresh hook binds late.
	var emitter *outbox.Emitter
	queue := outbox.NewQueue(outbox.QueueConfig{
		DataDir:               cfg.DataDir,
		Box:                   box,
		Audit:                 auditLog,
		Logger:                logger,
		WebhookMode:           cfg.WebhookDeliveryMode,
		PaymentTriggerMode:    cfg.PaymentTriggerMode,
		Timeout:               cfg.WebhookTimeout,
		Backoff:               cfg.WebhookRetryBackoff,
		MaxAttempts:           cfg.WebhookMaxAttempts,
		DeadLetterAlertURL:    cfg.DeadLetterAlertURL,
		DeadLetterAlertSecret: cfg.DeadLetterAlertSecret,
		RefreshSettings: func(entry *outbox.Entry) error {
			return emitter.RefreshEntry(entry)
		},
	})
	emitter, err = outbox.NewEmitter(outbox.EmitterConfig{
		Queue:                   queue,
		Tenants:                 tenantStore,
		Logger:                  logger,
		DefaultEventRelayURL:    cfg.DefaultEventRelayURL,
		DefaultEventRelaySecret: cfg.DefaultEventRelaySecret,
	})
	if err != nil {
		return err
	}

	otp := decision.NewOTPStore(cfg.DataDir, box)
	buyerOTP := decision.NewBuyerOTPStore(cfg.DataDir, box)
	fallbackSigner, err := decision.LoadOrCreateFallbackSigner(cfg.DataDir)
	if err != nil {
		return err
	}
	engine := decision.NewEngine(decision.EngineConfig{
		DataDir:  cfg.DataDir,
		Tenants:  tenantStore,
		Runs:     runs,
		OTP:      otp,
		Audit:    auditLog,
		Effects:  emitter,
		Fallback: fallbackSigner,
		Logger:   logger,
	})
	emitter.SetAutoDecider(engine)

	pipeline := verify.NewPipeline(verify.PipelineConfig{
		Tenants:            tenantStore,
		Runs:               runs,
		Vault:              v,
		Meter:              meter,
		Limiter:            limiter,
		Audit:              auditLog,
		Verifier:           verify.NewPolicyVerifier(),
		Effects:            emitter,
		Box:                box,
		Logger:             logger,
		DefaultRootsJSON:   cfg.TrustedGovernanceRootKeysJSON,
		DefaultPricingJSON: cfg.TrustedPricingSignerKeysJSON,
	})

	manager := billing.NewManager(billing.ManagerConfig{
		DataDir:             cfg.DataDir,
		Tenants:             tenantStore,
		Meter:               meter,
		Audit:               auditLog,
		Logger:              logger,
		StripeSecretKey:     cfg.BillingStripeSecretKey,
		StripeWebhookSecret: cfg.BillingStripeWebhookSecret,
	})

	index, err := store.Open(filepath.Join(cfg.DataDir, "index.db"))
	if err != nil {
		return err
	}
	defer func() { _ = index.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := index.Rehydrate(ctx, tenantStore, runs, engine); err != nil {
		return fmt.Errorf("index rehydrate: %w", err)
	}

	builder := packets.NewBuilder(cfg.DataDir, tenantStore, runs, v, auditLog)
	sweeper := packets.NewSweeper(tenantStore, runs, v, auditLog, logger)
	exporter := packets.NewExporter(cfg.DataDir, tenantStore, runs, auditLog, logger)

	var (
		bootstrapper *opsapi.Bootstrapper
		harness      *opsapi.Harness
		opsClient    *opsapi.Client
	)
	if cfg.SettldAPIBaseURL != "" {
		opsClient = opsapi.NewClient(opsapi.ClientConfig{
			BaseURL:  cfg.SettldAPIBaseURL,
			APIKey:   cfg.SettldOpsToken,
			Protocol: cfg.SettldProtocol,
			Logger:   logger,
		})
		bootstrapper = opsapi.NewBootstrapper(opsClient, auditLog, cfg.PublicBaseURL, cfg.PaidToolsBaseURL)
		harness = opsapi.NewHarness(opsapi.HarnessConfig{
			Client:  opsClient,
			Audit:   auditLog,
			DataDir: cfg.DataDir,
			Logger:  logger,
		})
	}

	srv := api.NewServer(api.ServerConfig{
		Config:       cfg,
		Logger:       logger,
		Box:          box,
		Audit:        auditLog,
		Tenants:      tenantStore,
		Meter:        meter,
		Limiter:      limiter,
		Vault:        v,
		Runs:         runs,
		Pipeline:     pipeline,
		Engine:       engine,
		OTP:          otp,
		BuyerOTP:     buyerOTP,
		Queue:        queue,
		Emitter:      emitter,
		Billing:      manager,
		Index:        index,
		Builder:      builder,
		Sweeper:      sweeper,
		Exporter:     exporter,
		Bootstrapper: bootstrapper,
		Harness:      harness,
		Ops:          opsClient,
	})

	go queue.Run(ctx, cfg.WebhookRetryInterval)
	go sweeper.Run(ctx, cfg.RetentionSweepInterval)
	go exporter.Run(ctx, cfg.ArchiveExportInterval)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr(), "protocol", cfg.SettldProtocol)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
