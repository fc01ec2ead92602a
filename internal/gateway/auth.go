package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/apiforge/internal/audit"
)

// AuthMiddleware checks a bearer token on every request except the
// unauthenticated probe routes.
type AuthMiddleware struct {
	tokens [][]byte
}

// NewAuthMiddleware accepts any of tokens. Blank entries are ignored; with no
// usable token the middleware rejects everything but the probe routes.
func NewAuthMiddleware(tokens ...string) *AuthMiddleware {
	am := &AuthMiddleware{}
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			am.tokens = append(am.tokens, []byte(t))
		}
	}
	return am
}

// Wrap wraps an http.Handler with token checking.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isProbeRoute(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractAPIKey(r)
		if key == "" {
			audit.Record("gateway.auth", r.RemoteAddr, r.URL.Path, audit.OutcomeDenied, "missing API key")
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		if !am.Valid(key) {
			audit.Record("gateway.auth", r.RemoteAddr, r.URL.Path, audit.OutcomeDenied, "invalid API key")
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Valid compares candidate against every token in constant time.
func (am *AuthMiddleware) Valid(candidate string) bool {
	ok := 0
	for _, t := range am.tokens {
		ok |= subtle.ConstantTimeCompare([]byte(candidate), t)
	}
	return ok == 1
}

// ExtractAPIKey extracts an API key from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header, api_key query param.
func ExtractAPIKey(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// Browsers cannot set headers on EventSource or WebSocket requests.
	return r.URL.Query().Get("api_key")
}

func isProbeRoute(path string) bool {
	return path == "/healthz" || path == "/metrics/prometheus"
}
