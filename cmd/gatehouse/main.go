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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	authzRepo := authz.NewRepository(dbpool)
	authzCache := authz.NewCache(redisClient, cfg.RoleCacheTTL, cfg.PrivilegeCacheTTL, metrics)
	invalidator := authz.NewInvalidator(authzCache, authzRepo, cfg.FanoutBatchSize, logger)
	resolver := authz.NewResolver(authzRepo, authzCache, logger)

	auditLogger := shared.NewAuditLogger(dbpool)
	sink := audit.NewSink(auditLogger, logger)

	gate := authz.NewGate(resolver, authzRepo, authz.GateConfig{
		Policy:     authz.FailPolicy(cfg.FailPolicy),
		Production: cfg.IsProduction(),
	}, sink, metrics, logger)

	bus := authz.NewBus(logger)
	bus.Subscribe(sink)

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	tokenRepo := tokens.NewRepository(dbpool)
	synchronizer := tokens.NewSynchronizer(tokenRepo, resolver, authzRepo, jobsClient, cfg.FanoutBatchSize, metrics, logger)
	bus.Subscribe(synchronizer)

	service := authz.NewService(authzRepo, invalidator, bus, authz.ServiceConfig{
		SuperAdminRole: cfg.SuperAdminRole,
	}, logger)

	authzHandler := authz.NewHandler(logger, service, gate, resolver)

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		AuthzHandler: authzHandler,
		Metrics:      metrics,
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
