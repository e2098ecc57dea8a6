package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/admarket/admarket/internal/app"
	"github.com/admarket/admarket/internal/events"
	"github.com/admarket/admarket/internal/platform/cache"
	"github.com/admarket/admarket/internal/platform/db"
	"github.com/admarket/admarket/internal/roles"
	"github.com/admarket/admarket/internal/testmode"
	"github.com/admarket/admarket/jobs"
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
		logger.Error("connect postgres", slog.Any("error", err))
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

	registry := roles.NewRegistry()
	bus := events.NewBus()
	testModeManager := testmode.NewManager(redisClient, registry, bus, cfg.IsProduction(), cfg.TestModeMaxDuration)
	rolesRepo := roles.NewRepository(pool)

	sweepJob := jobs.NewTestModeSweepJob(testModeManager, logger)
	reconcileJob := jobs.NewRoleReconcileJob(rolesRepo, logger)

	reconcileTask, err := jobs.NewRoleReconcileTask(0)
	if err != nil {
		logger.Error("build reconcile task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTestModeSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskRoleReconcile, Handler: reconcileJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/30 * * * *", Task: jobs.NewTestModeSweepTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: "45 2 * * *", Task: reconcileTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
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
