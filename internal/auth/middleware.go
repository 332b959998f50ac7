// Package auth guards the HTTP API with a shared bearer key.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// BearerToken returns the token of an "Authorization: Bearer <token>" header. The
// scheme is case-insensitive (RFC 7235). Browsers cannot set headers on WebSocket
// handshakes, so the token query parameter is accepted as a fallback.
func BearerToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		fields := strings.Fields(authHeader)
		if len(fields) >= 2 && strings.EqualFold(fields[0], "Bearer") {
			return strings.TrimSpace(strings.Join(fields[1:], " "))
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// RequireAPIKey rejects requests whose bearer token is not apiKey. An empty apiKey
// disables the check, which config only allows outside production.
func RequireAPIKey(apiKey string, logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.Named("auth")
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				logger.Debug("missing bearer token", zap.String("path", r.URL.Path))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				logger.Warn("invalid API key", zap.String("path", r.URL.Path), zap.String("remote_addr", r.RemoteAddr))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
