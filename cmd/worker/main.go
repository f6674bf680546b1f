// Package main provides the worker application entry point.
// The worker leases pending jobs from the store, processes them, and drives
// the retry/DLQ lifecycle; a reaper goroutine recovers expired leases.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/taskforge/internal/adapter/observability"
	"github.com/fairyhunter13/taskforge/internal/adapter/queue"
	"github.com/fairyhunter13/taskforge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/taskforge/internal/app"
	"github.com/fairyhunter13/taskforge/internal/config"
	"github.com/fairyhunter13/taskforge/internal/domain"
	"github.com/fairyhunter13/taskforge/internal/eventbus"
	"github.com/fairyhunter13/taskforge/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics in the worker process and expose them on a
	// dedicated /metrics endpoint so Prometheus can scrape job-queue metrics.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv), slog.Int("pool_size", cfg.WorkerPoolSize))

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	store := queue.NewStore(jobRepo, cfg.WorkerLeaseTTL)
	bus := eventbus.New()

	initial, maxDelay, multiplier, attempts := cfg.RetryBackoff()
	workers := worker.NewPool(cfg.WorkerPoolSize, cfg.WorkerShutdownGrace, worker.Config{
		Queue:        store,
		Jobs:         jobRepo,
		Processor:    worker.SimulatedProcessor{},
		Bus:          bus,
		PollInterval: cfg.WorkerPollInterval,
		StoreRetry: domain.RetryPolicy{
			MaxAttempts:  attempts,
			InitialDelay: initial,
			MaxDelay:     maxDelay,
			Multiplier:   multiplier,
		},
	})

	runCtx, stop := context.WithCancel(ctx)
	workers.Start(runCtx)

	// The reaper sweeps expired leases back to pending (or DLQ) so crashed
	// workers never strand running jobs.
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		app.NewReaper(jobRepo, bus, cfg.ReaperInterval, cfg.ReaperBatchSize).Run(runCtx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", slog.String("signal", sig.String()))

	stop()
	workers.Stop()
	select {
	case <-reaperDone:
	case <-time.After(cfg.WorkerShutdownGrace):
		slog.Warn("reaper did not stop within grace period")
	}
	slog.Info("worker stopped")
}
