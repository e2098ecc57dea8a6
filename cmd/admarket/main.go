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

	"github.com/admarket/admarket/internal/app"
	"github.com/admarket/admarket/internal/auth"
	"github.com/admarket/admarket/internal/events"
	"github.com/admarket/admarket/internal/guard"
	"github.com/admarket/admarket/internal/observability"
	"github.com/admarket/admarket/internal/platform/cache"
	"github.com/admarket/admarket/internal/platform/db"
	"github.com/admarket/admarket/internal/roles"
	"github.com/admarket/admarket/internal/shared"
	"github.com/admarket/admarket/internal/testmode"
	"github.com/admarket/admarket/internal/users"
	"github.com/admarket/admarket/jobs"
)

const eventsChannel = "admarket:events"

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

	sessionManager := shared.NewSessionManager(redisClient, "admarket_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	metrics := observability.NewMetrics()

	bus := events.NewBus()
	forwarder := events.NewForwarder(bus, redisClient, eventsChannel, logger)
	forwarder.Run(ctx,
		events.TopicRoleChanged,
		events.TopicRolesUpdated,
		events.TopicTestModeActivated,
		events.TopicTestModeDeactivated,
	)
	bus.Subscribe(events.TopicRoleChanged, func(string, any) {
		metrics.ObserveRoleChange()
	})

	registry := roles.NewRegistry()
	rolesRepo := roles.NewRepository(dbpool)
	testModeManager := testmode.NewManager(redisClient, registry, bus, cfg.IsProduction(), cfg.TestModeMaxDuration)
	resolver := roles.NewResolver(registry, rolesRepo, testModeManager)
	rolesCache := roles.NewCache(redisClient, cfg.RoleCacheTTL)
	rolesCache.BindBus(ctx, bus)

	queue, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("queue close", slog.Any("error", err))
		}
	}()

	rolesService := roles.NewService(registry, rolesRepo, resolver, bus, logger,
		roles.WithReconcileQueue(func(ctx context.Context) error {
			_, err := queue.EnqueueRoleReconcile(ctx, 0)
			return err
		}))
	rolesHandler := roles.NewHandler(logger, rolesService, rolesCache)

	testModeHandler := testmode.NewHandler(logger, testModeManager)

	authRepo := auth.NewRepository(dbpool)
	authService := auth.NewService(authRepo)
	authHandler := auth.NewHandler(logger, authService, sessionManager, resolver)

	usersRepo := users.NewRepository(dbpool)
	usersService := users.NewService(usersRepo, resolver)
	usersHandler := users.NewHandler(logger, usersService)

	routeGuard := guard.New(guard.DefaultTable(), "/dashboard", resolver, testModeManager, logger,
		guard.WithDecisionObserver(metrics.ObserveGuardDecision))

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		SessionManager:  sessionManager,
		CSRFManager:     csrfManager,
		AuthHandler:     authHandler,
		RolesHandler:    rolesHandler,
		UsersHandler:    usersHandler,
		TestModeHandler: testModeHandler,
		Guard:           routeGuard,
		Resolver:        resolver,
		Metrics:         metrics,
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
