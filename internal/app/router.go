package app

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/punchsync/internal/observability"
	"github.com/odyssey-erp/punchsync/internal/platform/httpx"
	"github.com/odyssey-erp/punchsync/internal/syncer"
)

// Pinger reports dependency health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// RouterParams groups dependencies for building the ops router.
type RouterParams struct {
	Logger     *slog.Logger
	Config     *Config
	Module     string
	Runs       syncer.RunStore
	JobHandler interface{ MountRoutes(chi.Router) }
	Checks     map[string]Pinger
	Metrics    *observability.Metrics
}

// NewRouter constructs the ops chi.Router.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		report := map[string]string{"status": "ok"}
		for name, check := range params.Checks {
			if err := check.Ping(r.Context()); err != nil {
				status = http.StatusServiceUnavailable
				report["status"] = "degraded"
				report[name] = err.Error()
				continue
			}
			report[name] = "ok"
		}
		httpx.JSON(w, status, report)
	})

	r.Get("/runs/last", func(w http.ResponseWriter, r *http.Request) {
		module := strings.TrimSpace(r.URL.Query().Get("module"))
		if module == "" {
			module = params.Module
		}
		summary, err := params.Runs.Last(r.Context(), module)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, summary)
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}
