package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lexia/inference-gateway/internal/auth"
	"github.com/lexia/inference-gateway/internal/backend"
	"github.com/lexia/inference-gateway/internal/config"
	"github.com/lexia/inference-gateway/internal/ratelimit"
	"github.com/lexia/inference-gateway/internal/server"
	"github.com/lexia/inference-gateway/internal/storage/sqldb"
	"github.com/lexia/inference-gateway/internal/telemetry"
	"github.com/lexia/inference-gateway/internal/worker"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize OpenTelemetry
	shutdownTracer, err := telemetry.InitTracer("lexia-gateway", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	store, err := sqldb.New(sqldb.Config{Driver: cfg.Storage.Driver, DSN: cfg.Storage.DSN})
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	authenticator := auth.NewAuthenticator(store, cfg.Auth.Salt, logger)

	// Redis-backed rate limiting and worker wakeup when configured; in-process
	// otherwise. Multi-replica deployments need Redis so replicas share windows.
	var limiter ratelimit.Limiter
	var notifier worker.Notifier
	if cfg.Redis.Enabled {
		redisLimiter, err := ratelimit.NewRedisLimiter(cfg.Redis.Addr, cfg.Redis.DB, cfg.RateLimit.Burst)
		if err != nil {
			log.Fatalf("Failed to connect limiter to redis: %v", err)
		}
		defer redisLimiter.Close()
		limiter = redisLimiter

		redisNotifier, err := worker.NewRedisNotifier(context.Background(), cfg.Redis.Addr, cfg.Redis.DB, "lexia:jobs:wake", logger)
		if err != nil {
			log.Fatalf("Failed to connect notifier to redis: %v", err)
		}
		defer redisNotifier.Close()
		notifier = redisNotifier
	} else {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimit.Burst)
		notifier = worker.NewDirectNotifier()
	}

	router, err := backend.New(cfg.Backends, cfg.Router, logger)
	if err != nil {
		log.Fatalf("Failed to build backend router: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router.StartProbes(ctx, cfg.Router.ProbeInterval)

	// In-process worker pool. Deployments that scale workers separately run
	// cmd/worker instead and set worker.count to 0 here.
	var pool *worker.Pool
	if cfg.Worker.Count > 0 {
		pool = worker.New(store, router, notifier, worker.Config{
			Count:         cfg.Worker.Count,
			PollInterval:  cfg.Worker.PollInterval,
			JobTimeout:    cfg.Worker.JobTimeout,
			StaleAfter:    cfg.Worker.StaleAfter,
			SweepInterval: cfg.Worker.SweepInterval,
		}, logger)
		pool.Start(ctx)
	}

	handler := server.NewHandler(store, router, notifier, cfg.Worker.MaxAttempts, cfg.Models)
	srv := server.New(cfg, logger, authenticator, limiter, handler)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case <-sigChan:
		logger.Info("Shutdown signal received, stopping gateway...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	if pool != nil {
		pool.Stop()
	}

	logger.Info("Gateway shutdown complete")
}
