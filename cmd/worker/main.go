package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/odyssey-cms/internal/app"
	"github.com/odyssey-erp/odyssey-cms/internal/invalidation"
	jobmetrics "github.com/odyssey-erp/odyssey-cms/internal/jobs"
	"github.com/odyssey-erp/odyssey-cms/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-cms/internal/platform/db"
	"github.com/odyssey-erp/odyssey-cms/internal/session"
	"github.com/odyssey-erp/odyssey-cms/internal/users"
	"github.com/odyssey-erp/odyssey-cms/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions("odyssey-worker"))
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, ReadTimeout: cfg.CacheTier2Timeout, WriteTimeout: cfg.CacheTier2Timeout})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	// The worker holds no sessions of its own. Its session cache only writes
	// revocation stamps to the shared tier; serving nodes evict their local
	// copies from the broadcast.
	shared := cache.NewRedisStore(redisClient, cfg.RedisKeyPrefix)
	sessionOpts := cfg.SessionOptions()
	sessionOpts.Logger = logger
	sessions := session.NewCache(shared, sessionOpts)
	defer sessions.Stop()

	coordinator := invalidation.NewCoordinator(invalidation.Options{
		Sessions:    sessions,
		Users:       users.NewCachedStore(users.NewRepository(pool), shared, cfg.UserCacheTTL, cfg.CacheTier2Timeout, logger),
		Shared:      shared,
		Broadcaster: invalidation.NewRedisBroadcaster(redisClient, cfg.InvalidationChannel, logger),
		Timeout:     cfg.StoreTimeout,
		Logger:      logger,
	})

	invalidationJob := jobs.NewInvalidationJob(coordinator, logger, jobmetrics.NewMetrics(prometheus.DefaultRegisterer))

	var cron []jobs.CronRegistration
	if cfg.CacheResetCron != "" {
		cron = append(cron, jobs.CronRegistration{Spec: cfg.CacheResetCron, Task: jobs.NewResetTask()})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers:    invalidationJob.Handlers(),
		Cron:        cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
