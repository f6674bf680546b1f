// Command server starts the job queue HTTP API and WebSocket event stream.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/taskforge/internal/adapter/httpserver"
	"github.com/fairyhunter13/taskforge/internal/adapter/observability"
	"github.com/fairyhunter13/taskforge/internal/adapter/queue"
	"github.com/fairyhunter13/taskforge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/taskforge/internal/app"
	"github.com/fairyhunter13/taskforge/internal/config"
	"github.com/fairyhunter13/taskforge/internal/eventbus"
	"github.com/fairyhunter13/taskforge/internal/service/ratelimiter"
	"github.com/fairyhunter13/taskforge/internal/usecase"
)

// redisPinger adapts *redis.Client to the readiness probe interface.
type redisPinger struct{ *redis.Client }

func (r redisPinger) Ping(ctx context.Context) app.RedisPingResult {
	return r.Client.Ping(ctx)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, job, and event instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool (runs embedded migrations on startup)
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	tenantRepo := postgres.NewTenantRepo(pool)
	metricsRepo := postgres.NewMetricsRepo(pool)

	// Admission: per-tenant rate configs live in tenant rows; the registry
	// bridges them to the token buckets.
	rates := ratelimiter.NewRegistry(ratelimiter.NewBucketConfigFromPerMinute(cfg.DefaultRateLimitPerMinute))
	var limiter ratelimiter.Limiter
	var rdb *redis.Client
	if cfg.RedisEnabled() {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter = ratelimiter.NewRedisLuaLimiter(rdb, rates.ConfigFor)
		slog.Info("cluster rate limiter enabled", slog.String("redis_addr", cfg.RedisAddr))
	} else {
		limiter = ratelimiter.NewMemoryLimiter(rates.ConfigFor)
		slog.Info("in-process rate limiter enabled")
	}
	defer func() {
		if rdb != nil {
			_ = rdb.Close()
		}
	}()

	// Event fan-out: bus -> websocket hub + metrics snapshot recorder.
	bus := eventbus.New()
	hub := httpserver.NewWSHub(bus)
	hub.Start()
	defer hub.Stop()
	stopSnapshots := app.NewSnapshotRecorder(metricsRepo, bus).Start()
	defer stopSnapshots()

	// Usecases
	store := queue.NewStore(jobRepo, cfg.WorkerLeaseTTL)
	jobSvc := usecase.NewJobService(jobRepo, store, limiter, rates, bus)

	// Expired-lease reaper runs alongside the API so stuck jobs recover
	// even when no worker process is up.
	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go app.NewReaper(jobRepo, bus, cfg.ReaperInterval, cfg.ReaperBatchSize).Run(reaperCtx)

	// Readiness checks; the redis probe only gates readiness when the
	// cluster limiter is in use.
	var rdbCheck app.RedisClient
	if rdb != nil {
		rdbCheck = redisPinger{rdb}
	}
	dbCheck, redisCheck := app.BuildReadinessChecks(pool, rdbCheck)
	if rdb == nil {
		redisCheck = nil
	}

	srv := httpserver.NewServer(cfg, jobSvc, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv, tenantRepo, hub)

	srvHTTP := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.String("addr", cfg.ListenAddr()))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
