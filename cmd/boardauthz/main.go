package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/boardauthz/cmd/boardauthz/cli"
	"github.com/odyssey-erp/boardauthz/internal/access"
	accesshttp "github.com/odyssey-erp/boardauthz/internal/access/http"
	"github.com/odyssey-erp/boardauthz/internal/app"
	"github.com/odyssey-erp/boardauthz/internal/audit"
	audithttp "github.com/odyssey-erp/boardauthz/internal/audit/http"
	"github.com/odyssey-erp/boardauthz/internal/batch"
	"github.com/odyssey-erp/boardauthz/internal/delegation"
	"github.com/odyssey-erp/boardauthz/internal/directory"
	"github.com/odyssey-erp/boardauthz/internal/grants"
	"github.com/odyssey-erp/boardauthz/internal/hierarchy"
	"github.com/odyssey-erp/boardauthz/internal/observability"
	"github.com/odyssey-erp/boardauthz/internal/permcache"
	"github.com/odyssey-erp/boardauthz/internal/platform/cache"
	"github.com/odyssey-erp/boardauthz/internal/platform/db"
	"github.com/odyssey-erp/boardauthz/internal/resolver"
	"github.com/odyssey-erp/boardauthz/jobs"
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

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobsCommand(ctx, cfg, os.Args[2:]))
	}

	if cfg.PGAutoMigrate {
		if err := db.Migrate(cfg.PGDSN, logger); err != nil {
			logger.Error("migrate", slog.Any("error", err))
			os.Exit(1)
		}
	}

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		// Decisions are still served uncached; the client reconnects on its own.
		logger.Warn("redis unavailable", slog.Any("error", err))
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	auditService := audit.NewService(audit.NewRepository(dbpool))
	directoryService := directory.NewService(directory.NewRepository(dbpool))
	grantStore := grants.NewStore(grants.NewRepository(dbpool))

	hierarchyService := hierarchy.NewService(hierarchy.NewRepository(dbpool), grantStore, logger)
	if err := hierarchyService.Reload(ctx); err != nil {
		logger.Error("load department tree", slog.Any("error", err))
		os.Exit(1)
	}
	go reloadHierarchy(ctx, hierarchyService, cfg.HierarchyReloadInterval, logger)

	decisionCache := permcache.NewTiered(
		permcache.NewLocalCache(cfg.CacheLocalSize, cfg.CacheLocalTTL),
		permcache.NewRedisCache(redisClient, cfg.CacheTTL),
		redisClient,
		logger,
	)
	if err := decisionCache.ListenForInvalidation(ctx); err != nil {
		logger.Warn("subscribe cache invalidations", slog.Any("error", err))
	}

	delegationRepo := delegation.NewRepository(dbpool)
	engine := resolver.New(resolver.Config{
		Directory:   directoryService,
		Grants:      grantStore,
		Departments: hierarchyService,
		Delegations: delegation.NewLookup(delegationRepo, auditService, logger),
		Cache:       decisionCache,
		Auditor:     auditService,
		Metrics:     resolver.NewMetrics(metrics.Registerer()),
		Logger:      logger,
		TTL:         cfg.CacheTTL,
		Concurrency: cfg.ResolverConcurrency,
	})
	delegationManager := delegation.NewManager(delegationRepo, directoryService, engine, auditService, logger)
	invalidator := permcache.NewInvalidator(decisionCache, directoryService, hierarchyService, logger)
	batchService := batch.NewService(grantStore, invalidator, auditService, logger)

	service := access.NewService(access.Config{
		Resolver:    engine,
		Grants:      grantStore,
		Batch:       batchService,
		Delegations: delegationManager,
		Hierarchy:   hierarchyService,
		Directory:   directoryService,
		Invalidator: invalidator,
		Auditor:     auditService,
		Logger:      logger,
	})

	inspector := asynq.NewInspector(redisOpts(cfg))
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		AccessHandler: accesshttp.NewHandler(logger, service),
		Authorizer:    service,
		AuditHandler:  audithttp.NewHandler(logger, auditService),
		JobHandler:    jobs.NewHandler(inspector, logger),
		Metrics:       metrics,
		Ready: func(r *http.Request) error {
			return dbpool.Ping(r.Context())
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
}

func runJobsCommand(ctx context.Context, cfg *app.Config, args []string) int {
	opts := redisOpts(cfg)
	client := asynq.NewClient(opts)
	defer client.Close()
	inspector := asynq.NewInspector(opts)
	defer inspector.Close()

	return cli.NewJobsCLI(client, inspector, jobDefaults(cfg)).Run(ctx, args, cli.CommandOptions{})
}

// reloadHierarchy picks up department syncs applied by other replicas.
func reloadHierarchy(ctx context.Context, svc *hierarchy.Service, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := svc.Reload(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("reload department tree", slog.Any("error", err))
			}
		}
	}
}

func redisOpts(cfg *app.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}

func jobDefaults(cfg *app.Config) jobs.Defaults {
	return jobs.Defaults{
		IdempotencyRetention: cfg.IdempotencyRetention,
		DenialWindow:         cfg.DenialScanWindow,
		DenialThreshold:      cfg.DenialScanThreshold,
	}
}
