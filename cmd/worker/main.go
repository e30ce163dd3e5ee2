package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/invoicely/invoicely/internal/app"
	jobmetrics "github.com/invoicely/invoicely/internal/jobs"
	"github.com/invoicely/invoicely/internal/observability"
	"github.com/invoicely/invoicely/jobs"
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

	backend, err := app.OpenBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", slog.String("backend", cfg.StoreBackend), slog.Any("error", err))
		os.Exit(1)
	}
	defer backend.Close()

	redisClient, err := app.ConnectRedis(ctx, cfg, logger)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	appMetrics := observability.NewMetrics()
	services, err := app.NewServices(cfg, backend, redisClient, appMetrics, logger)
	if err != nil {
		logger.Error("wire services", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := jobmetrics.NewMetrics(appMetrics.Registerer())
	integrityJob := jobs.NewLedgerIntegrityJob(services.Ledger, logger, metrics)
	sweepJob := jobs.NewOverdueSweepJob(services.Invoices, logger, metrics)

	handlers := []jobs.TaskHandler{
		{Type: jobs.TaskLedgerIntegrity, Handler: integrityJob.Handle},
		{Type: jobs.TaskInvoicesOverdueSweep, Handler: sweepJob.Handle},
	}
	if backend.Cleaner != nil {
		cleanupJob := jobs.NewIdempotencyCleanupJob(backend.Cleaner, logger, metrics)
		handlers = append(handlers, jobs.TaskHandler{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle})
	}
	var schedules []jobs.Schedule
	for _, s := range jobs.DefaultSchedules {
		if s.Task == jobs.TaskIdempotencyCleanup && backend.Cleaner == nil {
			continue
		}
		schedules = append(schedules, s)
	}

	redisOpts, err := cfg.AsynqRedis()
	if err != nil {
		logger.Error("asynq redis options", slog.Any("error", err))
		os.Exit(1)
	}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers:  handlers,
		Schedules: schedules,
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
