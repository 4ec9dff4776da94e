package accesshttp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/boardauthz/internal/grants"
	"github.com/odyssey-erp/boardauthz/internal/platform/httpx"
	"github.com/odyssey-erp/boardauthz/internal/shared"
)

// ActorHeader carries the calling subject id, set by the upstream gateway.
const ActorHeader = "X-Actor-ID"

// Authorizer answers capability checks for the calling actor.
type Authorizer interface {
	Allowed(ctx context.Context, subjectID, menuCode string, action grants.Action) bool
}

// Middleware wires actor extraction and capability checks for HTTP handlers.
type Middleware struct {
	Authorizer Authorizer
	Logger     *slog.Logger
}

// Actor stores the X-Actor-ID header in the request context when present.
func (m Middleware) Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
			r = r.WithContext(shared.ContextWithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireActor rejects requests without an actor.
func (m Middleware) RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := shared.ActorFromContext(r.Context()); !ok {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing "+ActorHeader)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireCapability ensures the actor holds action on menuCode, as resolved by
// the engine itself.
func (m Middleware) RequireCapability(menuCode string, action grants.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return m.RequireActor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, _ := shared.ActorFromContext(r.Context())
			if m.Authorizer == nil || !m.Authorizer.Allowed(r.Context(), actor, menuCode, action) {
				if m.Logger != nil {
					m.Logger.Info("admin capability denied",
						slog.String("actor", actor),
						slog.String("menu_code", menuCode),
						slog.String("action", string(action)),
					)
				}
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}
