package httpapi

import (
	"net/http"
	"strings"

	"session-provisioner/internal/security"
)

// TokenVerifier validates API bearer tokens.
type TokenVerifier interface {
	Verify(token string) (*security.Claims, error)
}

// AuthMiddleware requires a valid bearer token on every endpoint except the health check.
// Reads need the sessions:read scope, everything else sessions:write.
func AuthMiddleware(verifier TokenVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
			return
		}
		scope := security.ScopeSessionsWrite
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			scope = security.ScopeSessionsRead
		}
		if !claims.HasScope(scope) {
			writeError(w, http.StatusForbidden, "forbidden", "token lacks scope "+scope)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
