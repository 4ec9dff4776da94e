package audithttp

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes mendaftarkan endpoint audit timeline. Callers wrap the router
// with the admin capability check.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Get("/audit", h.handleTimeline)
}
