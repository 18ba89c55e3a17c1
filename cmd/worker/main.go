package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/lexia/inference-gateway/internal/backend"
	"github.com/lexia/inference-gateway/internal/config"
	"github.com/lexia/inference-gateway/internal/storage/sqldb"
	"github.com/lexia/inference-gateway/internal/telemetry"
	"github.com/lexia/inference-gateway/internal/worker"
)

// Standalone job worker. Runs the same claim loop as the gateway's in-process
// pool against the shared store, so workers can scale independently of the
// HTTP tier.
func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownTracer, err := telemetry.InitTracer("lexia-worker", logger)
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

	router, err := backend.New(cfg.Backends, cfg.Router, logger)
	if err != nil {
		log.Fatalf("Failed to build backend router: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router.StartProbes(ctx, cfg.Router.ProbeInterval)

	// A separate worker process only hears about new jobs through Redis;
	// without it the pool falls back to polling.
	var notifier worker.Notifier
	if cfg.Redis.Enabled {
		redisNotifier, err := worker.NewRedisNotifier(ctx, cfg.Redis.Addr, cfg.Redis.DB, "lexia:jobs:wake", logger)
		if err != nil {
			log.Fatalf("Failed to connect notifier to redis: %v", err)
		}
		defer redisNotifier.Close()
		notifier = redisNotifier
	}

	pool := worker.New(store, router, notifier, worker.Config{
		Count:         cfg.Worker.Count,
		PollInterval:  cfg.Worker.PollInterval,
		JobTimeout:    cfg.Worker.JobTimeout,
		StaleAfter:    cfg.Worker.StaleAfter,
		SweepInterval: cfg.Worker.SweepInterval,
	}, logger)
	pool.Start(ctx)

	logger.Info("Worker started", slog.Int("count", cfg.Worker.Count))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, stopping worker...")
	pool.Stop()
	logger.Info("Worker shutdown complete")
}
