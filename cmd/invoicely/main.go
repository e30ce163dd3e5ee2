// Command invoicely serves the stock ledger and invoice API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/invoicely/invoicely/internal/app"
	"github.com/invoicely/invoicely/internal/auth"
	"github.com/invoicely/invoicely/internal/invoices"
	"github.com/invoicely/invoicely/internal/ledger"
	"github.com/invoicely/invoicely/internal/observability"
	"github.com/invoicely/invoicely/jobs"
)

const shutdownGrace = 10 * time.Second

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("invoicely exited", slog.Any("error", err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	backend, err := app.OpenBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	defer backend.Close()

	redisClient, err := app.ConnectRedis(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	readiness := map[string]app.ReadinessCheck{"store": backend.Ping}
	var jobHandler *jobs.Handler
	if redisClient != nil {
		defer closeQuietly(logger, "redis", redisClient.Close)
		readiness["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }

		redisOpts, err := cfg.AsynqRedis()
		if err != nil {
			return fmt.Errorf("asynq redis options: %w", err)
		}
		inspector := asynq.NewInspector(redisOpts)
		defer closeQuietly(logger, "queue inspector", inspector.Close)
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	metrics := observability.NewMetrics()
	services, err := app.NewServices(cfg, backend, redisClient, metrics, logger)
	if err != nil {
		return fmt.Errorf("wire services: %w", err)
	}
	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return fmt.Errorf("token verifier: %w", err)
	}

	server := &http.Server{
		Addr: cfg.AppAddr,
		Handler: app.NewRouter(app.RouterParams{
			Logger:         logger,
			Config:         cfg,
			Auth:           auth.Middleware{Verifier: verifier, Logger: logger},
			LedgerHandler:  ledger.NewHandler(logger, services.Ledger),
			InvoiceHandler: invoices.NewHandler(logger, services.Invoices),
			JobHandler:     jobHandler,
			Metrics:        metrics,
			Readiness:      readiness,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.AppReadTimeout,
		WriteTimeout:      cfg.AppWriteTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening",
			slog.String("addr", cfg.AppAddr),
			slog.String("store", cfg.StoreBackend),
			slog.String("locks", cfg.LedgerLockBackend))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", slog.Duration("grace", shutdownGrace))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func closeQuietly(logger *slog.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Warn("close "+what, slog.Any("error", err))
	}
}
