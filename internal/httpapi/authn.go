package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"denticore.org/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Routes reachable without a bearer token. The WebSocket route does its own
// first-frame authentication.
var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/auth/password-strength",
	"/v1/ws",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.tokens == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims := a.tokens.Verify(raw)
		if claims == nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := token.ContextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	raw := strings.TrimSpace(header[len(bearer):])
	if raw == "" {
		return "", errors.New("missing bearer token")
	}
	return raw, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// callerClaims pulls the verified claims a prior withAuth pass stored.
func callerClaims(r *http.Request) (*token.Claims, bool) {
	return token.ClaimsFromContext(r.Context())
}
