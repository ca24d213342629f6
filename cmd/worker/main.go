package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"docqueue/internal/blob"
	"docqueue/internal/config"
	"docqueue/internal/extract"
	"docqueue/internal/store"
	"docqueue/internal/telemetry"
	"docqueue/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg.Env, cfg.LogLevel, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn := cfg.PostgresDSN
	if cfg.DatabaseDriver == "sqlite" {
		dsn = cfg.SQLitePath
	}
	st, err := store.Open(ctx, cfg.DatabaseDriver, dsn, store.WithMaxConns(cfg.DBMaxConns))
	if err != nil {
		logger.Error("connect store", "driver", cfg.DatabaseDriver, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "err", err)
		os.Exit(1)
	}

	blobs, err := blob.New(ctx, cfg)
	if err != nil {
		logger.Error("init blob store", "backend", cfg.BlobBackend, "err", err)
		os.Exit(1)
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	logger = logger.With("worker_id", workerID)

	extractor := extract.New(extract.Options{
		URL:               cfg.ExtractionURL,
		APIKey:            cfg.ExtractionAPIKey,
		Timeout:           cfg.ExtractionTimeout,
		MaxResponseBytes:  cfg.ExtractionMaxBytes,
		ImageMaxDimension: cfg.ImageMaxDimension,
	})
	executor := worker.NewExecutor(st, blobs, extractor, worker.ExecutorConfig{
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		Logger:         logger,
	})
	scheduler := worker.NewScheduler(st, executor, worker.SchedulerConfig{
		WorkerID:            workerID,
		Concurrency:         cfg.WorkerConcurrency,
		PollInterval:        cfg.WorkerPollInterval,
		ReclaimInterval:     cfg.ReclaimInterval,
		StaleAfter:          cfg.StaleAfter,
		ErrorBackoffInitial: cfg.BackoffInitial,
		ErrorBackoffMax:     cfg.BackoffMax,
		Logger:              logger,
	})

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
