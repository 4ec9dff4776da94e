package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	accesshttp "github.com/odyssey-erp/boardauthz/internal/access/http"
	audithttp "github.com/odyssey-erp/boardauthz/internal/audit/http"
	"github.com/odyssey-erp/boardauthz/internal/observability"
	"github.com/odyssey-erp/boardauthz/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger        *slog.Logger
	Config        *Config
	AccessHandler *accesshttp.Handler
	Authorizer    accesshttp.Authorizer
	AuditHandler  *audithttp.Handler
	JobHandler    *jobs.Handler
	Metrics       *observability.Metrics
	// Ready reports dependency health for /readyz; nil means always ready.
	Ready func(r *http.Request) error
}

// NewRouter constructs the chi.Router with API defaults.
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
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if params.Ready != nil {
			if err := params.Ready(r); err != nil {
				if params.Logger != nil {
					params.Logger.Warn("readiness", slog.Any("error", err))
				}
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	adminMenu := "system.permissions"
	batchLimit := 0
	if params.Config != nil {
		adminMenu = params.Config.AdminMenuCode
		batchLimit = params.Config.BatchLimitPerMinute
	}
	if params.AccessHandler != nil {
		params.AccessHandler.MountRoutes(r, accesshttp.RouteConfig{
			Middleware:     accesshttp.Middleware{Authorizer: params.Authorizer, Logger: params.Logger},
			AdminMenu:      adminMenu,
			BatchPerMinute: batchLimit,
			Audit:          params.AuditHandler,
		})
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
