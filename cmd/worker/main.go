package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/boardauthz/internal/app"
	"github.com/odyssey-erp/boardauthz/internal/audit"
	"github.com/odyssey-erp/boardauthz/internal/delegation"
	"github.com/odyssey-erp/boardauthz/internal/directory"
	"github.com/odyssey-erp/boardauthz/internal/grants"
	"github.com/odyssey-erp/boardauthz/internal/hierarchy"
	jobmetrics "github.com/odyssey-erp/boardauthz/internal/jobs"
	"github.com/odyssey-erp/boardauthz/internal/permcache"
	"github.com/odyssey-erp/boardauthz/internal/platform/db"
	"github.com/odyssey-erp/boardauthz/internal/shared"
	"github.com/odyssey-erp/boardauthz/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	metrics := jobmetrics.NewMetrics(nil)

	auditService := audit.NewService(audit.NewRepository(pool))
	directoryService := directory.NewService(directory.NewRepository(pool))
	grantStore := grants.NewStore(grants.NewRepository(pool))
	hierarchyService := hierarchy.NewService(hierarchy.NewRepository(pool), grantStore, logger)
	if err := hierarchyService.Reload(ctx); err != nil {
		logger.Error("load department tree", slog.Any("error", err))
		os.Exit(1)
	}

	// No local tier here; API replicas drop their copies on the published message.
	decisionCache := permcache.NewTiered(nil, permcache.NewRedisCache(redisClient, cfg.CacheTTL), redisClient, logger)
	invalidator := permcache.NewInvalidator(decisionCache, directoryService, hierarchyService, logger)

	delegations := delegation.NewLookup(delegation.NewRepository(pool), auditService, logger)

	sweepJob := jobs.NewDelegationSweepJob(jobs.DelegationSweepConfig{
		Sweeper:     delegations,
		Invalidator: invalidator,
		Idempotency: shared.NewIdempotencyStore(pool),
		Logger:      logger,
		Metrics:     metrics,
	})
	denialJob := jobs.NewDenialScanJob(auditService, logger, metrics)

	defaults := jobs.Defaults{
		IdempotencyRetention: cfg.IdempotencyRetention,
		DenialWindow:         cfg.DenialScanWindow,
		DenialThreshold:      cfg.DenialScanThreshold,
	}
	sweepTask, err := defaults.Task(jobs.TaskDelegationSweep)
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	denialTask, err := defaults.Task(jobs.TaskDenialScan)
	if err != nil {
		logger.Error("build denial scan task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskDelegationSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskDenialScan, Handler: denialJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.DelegationSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.DenialScanCron, Task: denialTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
