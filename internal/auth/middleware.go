package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Middleware authenticates requests from the X-API-Key header. Requests
// without a key pass through unauthenticated; RequireMinRole rejects
// them downstream.
func Middleware(keys *KeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get("X-API-Key")
			if presented == "" {
				next.ServeHTTP(w, r)
				return
			}

			id, err := keys.Authenticate(r.Context(), presented)
			if err != nil {
				if !errors.Is(err, ErrInvalidKey) {
					logger.Error("authenticating api key", "error", err)
				}
				respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireMinRole rejects requests whose identity is missing or below the
// minimum role. Hierarchical: RequireMinRole(RoleOps) admits ops and
// super_admin.
func RequireMinRole(minRole string) func(http.Handler) http.Handler {
	minLevel := roleLevel[minRole]

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				respondErr(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			if roleLevel[id.Role] < minLevel {
				respondErr(w, http.StatusForbidden, "forbidden", "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func respondErr(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
