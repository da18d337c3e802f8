package httpserver

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"lv-marginbook/internal/auth"
	"lv-marginbook/internal/httputil"
	"lv-marginbook/internal/ledger"
	"lv-marginbook/internal/types"
)

type ctxKey string

const actorKey ctxKey = "actor"

func bearer(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// WithAuth verifies the bearer token and stores the caller as a ledger
// actor on the request context.
func WithAuth(v *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearer(r)
			if token == "" {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "missing bearer token"})
				return
			}
			claims, err := v.Parse(token)
			if err != nil {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid token"})
				return
			}
			ctx := context.WithValue(r.Context(), actorKey, claims.Actor())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func ActorFrom(r *http.Request) (ledger.Actor, bool) {
	a, ok := r.Context().Value(actorKey).(ledger.Actor)
	return a, ok && a.ID != ""
}

func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFrom(r)
		if !ok || actor.Type != types.ActorAdmin {
			httputil.WriteJSON(w, http.StatusForbidden, httputil.ErrorResponse{Error: "admin role required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// InternalAuth guards service-to-service routes. An empty token disables
// them.
func InternalAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := strings.TrimSpace(r.Header.Get("X-Internal-Token"))
			if token == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid internal token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// withActor adapts a handler method that needs the authenticated caller.
func withActor(fn func(http.ResponseWriter, *http.Request, ledger.Actor)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFrom(r)
		if !ok {
			httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
			return
		}
		fn(w, r, actor)
	}
}
