package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/brojonat/solverify/service/config"
	"github.com/brojonat/solverify/service/db"
	"github.com/brojonat/solverify/service/ledger"
	"github.com/brojonat/solverify/service/metrics"
	natspkg "github.com/brojonat/solverify/service/nats"
	"github.com/brojonat/solverify/service/server"
	"github.com/brojonat/solverify/service/session"
	"github.com/brojonat/solverify/service/solana"
	"github.com/brojonat/solverify/service/temporal"
)

func main() {
	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load()

	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"store_backend", cfg.StoreBackend,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv, err := db.Open(ctx, cfg.StoreOptions())
	if err != nil {
		logger.Error("failed to open store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer kv.Close()
	logger.Info("opened store", "backend", cfg.StoreBackend)

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	solanaClient, err := solana.NewClientFromURLs(cfg.SolanaRPCURL, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to create solana client", "error", err)
		os.Exit(1)
	}
	scanner := solana.NewScanner(solanaClient, cfg.ScannerConfig(), metricsCollector, logger)

	purchases := ledger.New(kv, cfg.UnitPrice, logger, metricsCollector)
	params := ledger.NewParamsStore(kv, logger)
	hub := server.NewEventHub(metricsCollector, logger)

	sessionOpts := []session.Option{session.WithMetrics(metricsCollector)}
	serverOpts := []server.Option{server.WithMetrics(metricsCollector)}

	// NATS is optional: without it purchases are only stored locally.
	if cfg.NATSURL != "" {
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		sessionOpts = append(sessionOpts, session.WithPublisher(publisher))

		stream, err := server.NewPurchaseStream(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to create purchase stream", "error", err)
			os.Exit(1)
		}
		serverOpts = append(serverOpts, server.WithPurchaseStream(stream))
	}

	// Durable verifications need a reachable Temporal frontend; the session
	// API works without it.
	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		metricsCollector,
		logger,
	)
	if err != nil {
		logger.Warn("temporal unavailable, durable verifications disabled", "host", cfg.TemporalHost, "error", err)
	} else {
		defer temporalClient.Close()
		serverOpts = append(serverOpts, server.WithVerifier(temporalClient))
	}

	sess := session.New(scanner, purchases, params, hub.Presenter(), cfg.SessionConfig(), logger, sessionOpts...)
	defer sess.Cancel()

	// Pick up a verification that was still pending when the process stopped.
	if err := sess.Resume(ctx); err != nil && !errors.Is(err, session.ErrNoParams) {
		logger.Warn("failed to resume pending verification", "error", err)
	}

	httpServer := server.New(cfg.ServerAddr, cfg, sess, purchases, hub, logger, serverOpts...)

	logger.Info("server initialized, all dependencies ready",
		"receiver", cfg.ReceiverAddress,
		"nats_enabled", cfg.NATSURL != "",
		"temporal_enabled", temporalClient != nil,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
