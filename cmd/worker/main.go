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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/hibiken/asynq"

	"github.com/odyssey-data/lakeshare/internal/app"
	"github.com/odyssey-data/lakeshare/internal/locks"
	"github.com/odyssey-data/lakeshare/internal/notify"
	"github.com/odyssey-data/lakeshare/internal/observability"
	"github.com/odyssey-data/lakeshare/internal/platform/cache"
	"github.com/odyssey-data/lakeshare/internal/platform/db"
	"github.com/odyssey-data/lakeshare/internal/platform/httpx"
	"github.com/odyssey-data/lakeshare/internal/sharing"
	"github.com/odyssey-data/lakeshare/internal/shares"
	"github.com/odyssey-data/lakeshare/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
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

	if cfg.ProviderMode != "dev" {
		logger.Error("unsupported provider mode; bind cloud providers before enabling",
			slog.String("mode", cfg.ProviderMode))
		os.Exit(1)
	}
	if cfg.IsProduction() {
		logger.Error("the dev provider backend cannot serve a production environment")
		os.Exit(1)
	}
	backend := sharing.NewDevBackend()

	repo := shares.NewRepository(pool)
	metrics := observability.NewMetrics()
	alarms := notify.NewAlarmLogger(logger, redisClient, cfg.AlarmDedupeWindow)
	lockMgr := locks.NewManager(locks.NewSQLStore(pool), logger, cfg.LockMaxRetries, cfg.LockRetryInterval)

	dispatcher := sharing.NewDispatcher(map[shares.ShareableKind]sharing.Orchestrator{
		shares.KindTable: sharing.NewTableOrchestrator(
			repo, backend, backend, backend, backend, backend, alarms, logger, cfg.PivotRoleName),
		shares.KindFolder: sharing.NewFolderOrchestrator(
			repo, backend, backend, backend, alarms, logger),
		shares.KindDatabase: sharing.NewDatabaseOrchestrator(
			repo, backend, backend, backend, backend, alarms, logger),
	}, logger)

	queueClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()
	notifier := notify.NewEmailNotifier(queueClient, repo, func(ctx context.Context, datasetID string) (string, error) {
		ds, err := repo.GetDataset(ctx, datasetID)
		if err != nil {
			return "", err
		}
		return ds.AdminGroupID, nil
	}, logger)

	runner := jobs.NewRunner(repo, lockMgr, dispatcher, notifier, metrics, logger, cfg.VerifyParallelism)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers:    runner.Handlers(),
		Cron: []jobs.CronRegistration{
			{Spec: cfg.VerifyCronSpec, Task: jobs.NewVerifyAllTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	opsServer := newOpsServer(cfg.OpsAddr, metrics, jobs.NewHandler(inspector, logger))
	go func() {
		logger.Info("ops listener started", slog.String("addr", cfg.OpsAddr))
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops listener", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("ops listener shutdown", slog.Any("error", err))
		}
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func newOpsServer(addr string, metrics *observability.Metrics, jobsHandler *jobs.Handler) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(60, time.Minute))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())
	r.Route("/jobs", jobsHandler.MountRoutes)
	return &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
}
