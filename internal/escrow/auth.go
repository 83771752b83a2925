package escrow

import (
	"net/http"
	"strings"
)

// authMiddleware validates bearer tokens on every path except /health.
// An empty token set means open access, logged loudly once at startup
// by the caller rather than here.
func authMiddleware(tokens []string, next http.Handler) http.Handler {
	tokenSet := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if len(tokenSet) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or malformed authorization"})
			return
		}
		if _, ok := tokenSet[parts[1]]; !ok {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
