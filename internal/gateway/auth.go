package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authMiddleware validates a bearer token with constant-time comparison.
// When no token is configured the middleware passes everything through;
// the default bind is loopback-only so this matches local-tool behavior.
func authMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.IsConfigured() {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
				if constantTimeEqual(after, cfg.BearerToken) {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		})
	}
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
