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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"

	"github.com/unifra/rpcgate/internal/auth"
	"github.com/unifra/rpcgate/internal/config"
	"github.com/unifra/rpcgate/internal/guard"
	"github.com/unifra/rpcgate/internal/pipeline"
	"github.com/unifra/rpcgate/internal/quota"
	"github.com/unifra/rpcgate/internal/ratelimit"
	"github.com/unifra/rpcgate/internal/redisbreaker"
	"github.com/unifra/rpcgate/internal/server"
	"github.com/unifra/rpcgate/internal/storage/sqlite"
	"github.com/unifra/rpcgate/internal/telemetry"
	"github.com/unifra/rpcgate/internal/upstream"
	"github.com/unifra/rpcgate/internal/worker"
)

const dnsRefreshEvery = 5 * time.Minute

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting rpcgate", "version", version, "addr", cfg.Server.Addr)

	ctx := context.Background()

	// Telemetry
	var metrics *telemetry.Metrics
	var gatherer prometheus.Gatherer
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		gatherer = reg
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	// Redis: shared by the rate limiter and the quota checker, wrapped in
	// per-endpoint circuit breakers.
	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Redis.Addr,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		PoolSize:        cfg.Redis.PoolSize,
		MinIdleConns:    cfg.Redis.MinIdleConns,
		ConnMaxIdleTime: cfg.Redis.ConnMaxIdleTime,
		DialTimeout:     cfg.Redis.DialTimeout,
	})
	defer rdb.Close()

	breakers := redisbreaker.NewRegistry(redisbreaker.DefaultConfig())

	var observeRedis func(op, status string)
	if metrics != nil {
		observeRedis = metrics.ObserveRedisOp
	}
	limiter := ratelimit.New(rdb, breakers, ratelimit.Options{
		WindowMs:         cfg.RateLimit.WindowMs,
		CallTimeout:      cfg.Redis.CallTimeout,
		AllowDegradation: cfg.RateLimit.AllowDegradation,
		Endpoint:         cfg.Redis.Addr,
		ObserveRedis:     observeRedis,
	})
	quotas := quota.New(rdb, breakers, quota.Options{
		CallTimeout:      cfg.Redis.CallTimeout,
		AllowDegradation: cfg.Quota.AllowDegradation,
		Endpoint:         cfg.Redis.Addr,
		ObserveRedis:     observeRedis,
	})

	// Admission pipeline
	store, err := config.NewStore()
	if err != nil {
		return err
	}
	pipe := pipeline.New(guard.New(cfg.Guard), store, quotas, limiter, slog.Default())

	apiKeyAuth, err := auth.NewAPIKeyAuth(auth.NewConfigSource(cfg.Auth), cfg.Quota.PaidThreshold)
	if err != nil {
		return err
	}

	// Upstream forwarding with a shared DNS cache.
	resolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(dnsRefreshEvery)
		defer t.Stop()
		for range t.C {
			resolver.Refresh(true)
		}
	}()
	forwarder := upstream.NewForwarder(resolver)
	picker := upstream.NewStaticPicker(cfg.Routes)

	// Usage recording (optional)
	var usageStore *sqlite.Store
	var usage server.UsageRecorder
	workers := []worker.Worker{worker.NewBreakerSweeper(breakers, metrics)}
	if cfg.Usage.Enabled {
		usageStore, err = sqlite.New(cfg.Usage.DSN)
		if err != nil {
			return err
		}
		defer usageStore.Close()

		var queue worker.Gauge
		if metrics != nil {
			queue = metrics.UsageQueueLength
		}
		recorder := worker.NewUsageRecorder(usageStore, queue)
		usage = recorder
		workers = append(workers, recorder, worker.NewUsagePruner(usageStore, 0))
	}

	readyCheck := func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := rdb.Ping(cctx).Err(); err != nil {
			return err
		}
		if usageStore != nil {
			return usageStore.Ping(cctx)
		}
		return nil
	}

	handler := server.New(server.Deps{
		Auth:       apiKeyAuth,
		Pipeline:   pipe,
		Picker:     picker,
		Forwarder:  forwarder,
		Routes:     cfg.Routes,
		Metrics:    metrics,
		Gatherer:   gatherer,
		Usage:      usage,
		ReadyCheck: readyCheck,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerErrCh := make(chan error, 1)
	go func() {
		workerErrCh <- worker.NewRunner(workers...).Run(workerCtx)
	}()

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("rpcgate ready", "addr", cfg.Server.Addr, "routes", len(cfg.Routes))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	case err := <-workerErrCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Stop workers after the server so in-flight requests can still
	// enqueue usage records; the recorder drains on cancel.
	stopWorkers()
	if err := <-workerErrCh; err != nil {
		return err
	}

	slog.Info("rpcgate stopped")
	return nil
}
