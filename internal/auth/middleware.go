package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/HyphaGroup/bastille/internal/logger"
)

type contextKey int

const tokenContextKey contextKey = iota

// TokenFromContext returns the authenticated token for a request, or
// nil when the handler runs outside the auth middleware.
func TokenFromContext(ctx context.Context) *Token {
	t, _ := ctx.Value(tokenContextKey).(*Token)
	return t
}

// Middleware creates HTTP middleware enforcing bearer-token auth.
// Only owner and device tokens pass; everything else is 401.
func Middleware(store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			bearer, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				JSONError(w, "authentication required", http.StatusUnauthorized)
				return
			}

			token, err := store.ValidateToken(bearer)
			if err != nil {
				logger.Info("Token validation failed (%s): %v", logger.AuthPresence(bearer), err)
				JSONError(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), tokenContextKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// JSONError writes a JSON error body with the given status
func JSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
