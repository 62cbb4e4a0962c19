package guard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"relay/cmd/identity"
)

type ctxKey struct{}

// IdentityFromContext returns the identity stored by Require.
func IdentityFromContext(ctx context.Context) (identity.Identity, bool) {
	ident, ok := ctx.Value(ctxKey{}).(identity.Identity)
	return ident, ok
}

// WithIdentity stores ident in ctx. Exposed for handler tests.
func WithIdentity(ctx context.Context, ident identity.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, ident)
}

// Require returns middleware that authorizes the bearer token with the given roles.
// With no roles any active identity passes.
func Require(g *Guard, roles ...identity.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := BearerToken(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}

			ident, err := g.Authorize(r.Context(), raw, roles...)
			if err != nil {
				status, code, msg := StatusFor(err)
				if status >= http.StatusInternalServerError {
					g.log.Error("auth.guard.fail", "path", r.URL.Path, "err", err)
				} else {
					g.log.Info("auth.guard.deny", "path", r.URL.Path, "reason", ReasonOf(err))
				}
				writeError(w, status, code, msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), ident)))
		})
	}
}

// StatusFor maps an Authorize error to an HTTP status, an error code and a client-safe message.
func StatusFor(err error) (int, string, string) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthorized", "invalid or expired token"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden", "insufficient role"
	default:
		return http.StatusInternalServerError, "server_error", "check server logs"
	}
}

// BearerToken extracts the token from "Authorization: Bearer <token>".
func BearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": msg},
	})
}

// WriteDenied writes the JSON error response StatusFor picks for err.
func WriteDenied(w http.ResponseWriter, err error) {
	status, code, msg := StatusFor(err)
	writeError(w, status, code, msg)
}
