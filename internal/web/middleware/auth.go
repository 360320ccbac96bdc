package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey string

// ownerKey carries the authenticated owner id through the request context.
const ownerKey contextKey = "owner"

// DevOwner is the implicit owner used when no tokens are configured. It
// exists so the service can run without auth during development.
const DevOwner = "dev"

// OwnerFromContext returns the authenticated owner id, or "" when the
// request did not pass through OwnerAuth.
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey).(string)
	return owner
}

// WithOwner returns a context carrying the given owner id. Exposed for
// handler tests that bypass the middleware.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}

// OwnerAuth returns middleware that resolves the Authorization bearer token
// to an owner id and stores it in the request context. With an empty token
// map all requests are attributed to DevOwner.
func OwnerAuth(tokens map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(tokens) == 0 {
				next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), DevOwner)))
				return
			}

			token := bearerToken(r)
			if token == "" {
				slog.Warn("auth: missing bearer token",
					"path", r.URL.Path,
					"method", r.Method,
					"remote_addr", r.RemoteAddr,
				)
				http.Error(w, `{"error":"missing bearer token","code":"AUTH_MISSING_TOKEN"}`, http.StatusUnauthorized)
				return
			}

			owner, ok := resolveOwner(token, tokens)
			if !ok {
				slog.Warn("auth: invalid bearer token",
					"path", r.URL.Path,
					"method", r.Method,
					"remote_addr", r.RemoteAddr,
				)
				http.Error(w, `{"error":"invalid bearer token","code":"AUTH_INVALID_TOKEN"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// resolveOwner compares the presented token against every configured token
// in constant time, so comparison duration does not depend on which token
// matches, or whether any does.
func resolveOwner(token string, tokens map[string]string) (string, bool) {
	matched := ""
	valid := 0
	for candidate, owner := range tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			matched = owner
			valid = 1
		}
	}
	return matched, valid == 1
}
