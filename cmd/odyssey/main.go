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

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-cms/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-cms/internal/app"
	"github.com/odyssey-erp/odyssey-cms/internal/invalidation"
	"github.com/odyssey-erp/odyssey-cms/internal/observability"
	"github.com/odyssey-erp/odyssey-cms/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-cms/internal/platform/db"
	"github.com/odyssey-erp/odyssey-cms/internal/rbac"
	"github.com/odyssey-erp/odyssey-cms/internal/session"
	sessionhttp "github.com/odyssey-erp/odyssey-cms/internal/session/http"
	"github.com/odyssey-erp/odyssey-cms/internal/users"
	"github.com/odyssey-erp/odyssey-cms/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	if len(os.Args) > 1 && os.Args[1] == "access" {
		os.Exit(runAccess(ctx, cfg, logger, os.Args[2:]))
	}
	if err := serve(ctx, stop, cfg, logger); err != nil {
		logger.Error("serve", slog.Any("error", err))
		os.Exit(1)
	}
}

func connect(ctx context.Context, cfg *app.Config, logger *slog.Logger, appName string) (*pgxpool.Pool, *redis.Client, error) {
	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions(appName))
	if err != nil {
		return nil, nil, err
	}
	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, ReadTimeout: cfg.CacheTier2Timeout, WriteTimeout: cfg.CacheTier2Timeout})
	if err != nil {
		// The shared tier is optional; sessions resolve from the store until Redis returns.
		logger.Warn("redis ping", slog.Any("error", err))
	}
	return dbpool, redisClient, nil
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	dbpool, redisClient, err := connect(ctx, cfg, logger, "odyssey-cms")
	if err != nil {
		return err
	}
	defer dbpool.Close()
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	metrics.ClassifySessions(func(r *http.Request) string {
		if session.FromContext(r.Context()).IsAnonymous() {
			return "anonymous"
		}
		return "authenticated"
	})
	shared := cache.NewRedisStore(redisClient, cfg.RedisKeyPrefix)

	resolverOpts := cfg.ResolverOptions()
	resolverOpts.Logger = logger
	resolverOpts.Metrics = rbac.NewResolverMetrics(metrics.Registerer())
	resolver := rbac.NewResolver(rbac.NewRepository(dbpool), resolverOpts)

	userStore := users.NewCachedStore(users.NewRepository(dbpool), shared, cfg.UserCacheTTL, cfg.CacheTier2Timeout, logger)

	cacheOpts := cfg.SessionOptions()
	cacheOpts.Logger = logger
	cacheOpts.Metrics = session.NewCacheMetrics(metrics.Registerer())
	sessions := session.NewCache(shared, cacheOpts)
	sessions.Start()
	defer sessions.Stop()

	managerOpts := cfg.ManagerOptions()
	managerOpts.Logger = logger
	manager := session.NewManager(sessions, userStore, resolver, managerOpts)

	coordinator := invalidation.NewCoordinator(invalidation.Options{
		Sessions:    sessions,
		Resolver:    resolver,
		Users:       userStore,
		Shared:      shared,
		Broadcaster: invalidation.NewRedisBroadcaster(redisClient, cfg.InvalidationChannel, logger),
		Timeout:     cfg.StoreTimeout,
		Logger:      logger,
	})
	if err := coordinator.Listen(ctx); err != nil {
		logger.Warn("invalidation listener unavailable, relying on TTLs", slog.Any("error", err))
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	cookie := sessionhttp.CookieConfig{Name: cfg.SessionCookie, TTL: cfg.SessionTTL, Secure: cfg.IsProduction()}
	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Sessions:        manager,
		SessionHandler:  sessionhttp.NewHandler(manager, cookie, logger),
		InternalHandler: sessionhttp.NewInternalHandler(coordinator, logger),
		JobHandler:      jobs.NewHandler(inspector, logger),
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("node_id", coordinator.NodeID()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

// runAccess serves the administration commands. Mutations go through the
// services and reach the caches of running nodes through the job queue.
func runAccess(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	dbpool, redisClient, err := connect(ctx, cfg, logger, "odyssey-access")
	if err != nil {
		logger.Error("connect", slog.Any("error", err))
		return 1
	}
	defer dbpool.Close()
	_ = redisClient.Close()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	client, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("jobs client", slog.Any("error", err))
		return 1
	}
	defer client.Close()
	inspector := asynq.NewInspector(redisOpts)
	defer inspector.Close()

	access := cli.NewAccessCLI(cli.AccessOptions{
		RBAC:  rbac.NewService(rbac.NewRepository(dbpool), client, logger),
		Users: users.NewService(users.NewRepository(dbpool), client, logger),
		Cache: client,
		Queue: inspector,
	})
	return access.Run(ctx, args)
}
