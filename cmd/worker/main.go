package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/gatehouse-id/gatehouse/internal/app"
	"github.com/gatehouse-id/gatehouse/internal/audit"
	"github.com/gatehouse-id/gatehouse/internal/authz"
	"github.com/gatehouse-id/gatehouse/internal/observability"
	"github.com/gatehouse-id/gatehouse/internal/platform/cache"
	"github.com/gatehouse-id/gatehouse/internal/platform/db"
	"github.com/gatehouse-id/gatehouse/internal/shared"
	"github.com/gatehouse-id/gatehouse/internal/tokens"
	"github.com/gatehouse-id/gatehouse/jobs"
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

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	authzRepo := authz.NewRepository(pool)
	authzCache := authz.NewCache(redisClient, cfg.RoleCacheTTL, cfg.PrivilegeCacheTTL, metrics)
	invalidator := authz.NewInvalidator(authzCache, authzRepo, cfg.FanoutBatchSize, logger)
	resolver := authz.NewResolver(authzRepo, authzCache, logger)

	auditLogger := shared.NewAuditLogger(pool)
	sink := audit.NewSink(auditLogger, logger)

	bus := authz.NewBus(logger)
	bus.Subscribe(sink)

	tokenRepo := tokens.NewRepository(pool)
	// The worker processes role fan-out itself, so the synchronizer runs
	// without an enqueuer and resyncs membership inline.
	synchronizer := tokens.NewSynchronizer(tokenRepo, resolver, authzRepo, nil, cfg.FanoutBatchSize, metrics, logger)
	bus.Subscribe(synchronizer)

	service := authz.NewService(authzRepo, invalidator, bus, authz.ServiceConfig{
		SuperAdminRole: cfg.SuperAdminRole,
	}, logger)

	resyncJob := jobs.NewTokenResyncJob(synchronizer, logger)
	sweepJob := jobs.NewSuspensionSweepJob(service, logger)

	sweepTask, err := jobs.NewSuspensionSweepTask(cfg.SuspensionSweepLimit)
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTokenResyncRole, Handler: resyncJob.Handle},
			{Type: jobs.TaskSuspensionSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 * * * *", Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
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
