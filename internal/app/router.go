package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/invoicely/invoicely/internal/auth"
	"github.com/invoicely/invoicely/internal/invoices"
	"github.com/invoicely/invoicely/internal/ledger"
	"github.com/invoicely/invoicely/internal/observability"
	"github.com/invoicely/invoicely/internal/platform/httpx"
	"github.com/invoicely/invoicely/jobs"
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// RouterParams groups dependencies for building the HTTP router. Nil job
// handler or metrics leave their routes unmounted.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	Auth           auth.Middleware
	LedgerHandler  *ledger.Handler
	InvoiceHandler *invoices.Handler
	JobHandler     *jobs.Handler
	Metrics        *observability.Metrics
	Readiness      map[string]ReadinessCheck
}

// NewRouter mounts the probes, the authenticated /api tree and the
// operational endpoints behind the shared middleware stack.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()
	r.Use(MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	})...)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readyHandler(params.Readiness, params.Logger))

	r.Route("/api", func(api chi.Router) {
		api.Use(params.Auth.Require)
		params.LedgerHandler.MountRoutes(api)
		params.InvoiceHandler.MountRoutes(api)
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}

// readyHandler runs every check with a shared deadline and answers 503 with
// the failing dependency names when any of them fails.
func readyHandler(checks map[string]ReadinessCheck, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		failed := map[string]string{}
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
				if logger != nil {
					logger.Warn("readiness check failed", slog.String("dependency", name), slog.Any("error", err))
				}
			}
		}
		if len(failed) > 0 {
			httpx.JSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
