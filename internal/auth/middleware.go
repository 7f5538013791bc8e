package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// AnonymousUser is the identity of callers when authentication is disabled
// and no X-User-ID header is sent.
const AnonymousUser = "anonymous"

// Middleware resolves the caller identity. With a secret configured it
// requires a bearer token, read from the Authorization header or, for
// browsers opening a websocket, the access_token query parameter. Without
// one it trusts the X-User-ID header.
func Middleware(service *JWTService, logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !service.Enabled() {
			id := Identity{UserID: strings.TrimSpace(r.Header.Get("X-User-ID"))}
			if id.UserID == "" {
				id.UserID = AnonymousUser
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
			return
		}

		token := extractBearer(r)
		if token == "" {
			http.Error(w, "missing credentials", http.StatusUnauthorized)
			return
		}
		id, err := service.Validate(token)
		if err != nil {
			logger.Warn("jwt validation failed", "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func extractBearer(r *http.Request) string {
	value := r.Header.Get("Authorization")
	if len(value) > len("bearer ") && strings.EqualFold(value[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(value[len("bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
