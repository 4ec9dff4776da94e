package accesshttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	audithttp "github.com/odyssey-erp/boardauthz/internal/audit/http"
	"github.com/odyssey-erp/boardauthz/internal/grants"
	"github.com/odyssey-erp/boardauthz/internal/shared"
)

// RouteConfig controls how routes are guarded.
type RouteConfig struct {
	Middleware Middleware
	// AdminMenu is the menu whose edit capability gates administrative calls.
	AdminMenu string
	// BatchPerMinute limits batch calls per actor; zero disables the limit.
	BatchPerMinute int
	Audit          *audithttp.Handler
}

// MountRoutes registers the /v1 API.
func (h *Handler) MountRoutes(r chi.Router, cfg RouteConfig) {
	mw := cfg.Middleware
	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.Actor)
		r.Get("/check", h.handleCheck)

		r.Group(func(r chi.Router) {
			r.Use(mw.RequireActor)
			r.Post("/delegations", h.handleDelegateCreate)
			r.Delete("/delegations/{id}", h.handleDelegateRevoke)
		})

		r.Group(func(r chi.Router) {
			r.Use(mw.RequireCapability(shared.NormalizeMenuCode(cfg.AdminMenu), grants.ActionEdit))

			r.Get("/grants/{kind}/{scopeID}", h.handleListFor)
			r.Put("/grants/{kind}/{scopeID}/{menu}", h.handleGrant)
			r.Delete("/grants/{kind}/{scopeID}", h.handleRevoke)
			r.Delete("/grants/{kind}/{scopeID}/{menu}", h.handleRevoke)
			r.Post("/grants/{kind}/{scopeID}/copy", h.handleCopy)

			r.Route("/batch", func(r chi.Router) {
				if cfg.BatchPerMinute > 0 {
					r.Use(httprate.Limit(cfg.BatchPerMinute, time.Minute, httprate.WithKeyFuncs(actorKey)))
				}
				r.Post("/grants", h.handleBatchGrant)
				r.Post("/revoke", h.handleBatchRevoke)
				r.Post("/copy", h.handleBatchCopy)
			})

			r.Get("/delegations", h.handleListDelegations)
			r.Get("/subjects/{id}/effective", h.handleListEffective)

			r.Put("/directory/departments", h.handleSyncDepartments)
			r.Put("/directory/subjects/{id}", h.handleSyncSubject)
			r.Put("/directory/roles/{code}", h.handleSyncRole)
			r.Put("/directory/menus/{code}", h.handleSyncMenu)

			if cfg.Audit != nil {
				cfg.Audit.MountRoutes(r)
			}
		})
	})
}

func actorKey(r *http.Request) (string, error) {
	if actor, ok := shared.ActorFromContext(r.Context()); ok {
		return "actor:" + actor, nil
	}
	return httprate.KeyByIP(r)
}
