package handler

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"refill-service/pkg/jwtutil"
	"refill-service/pkg/response"

	"go.uber.org/zap"
)

type contextKey string

const ContextSessionID contextKey = "session_id"

func extractToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	// Browsers cannot set headers on a websocket upgrade.
	if q := r.URL.Query().Get("token"); q != "" {
		return q
	}
	return ""
}

// RequireSession rejects requests without a valid terminal session token.
func RequireSession(signer *jwtutil.Signer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" {
				response.Error(w, http.StatusUnauthorized, "No token provided")
				return
			}
			claims, err := signer.ParseAndValidate(token)
			if err != nil {
				response.Error(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}
			ctx := context.WithValue(r.Context(), ContextSessionID, claims.SessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireOperatorKey guards back-office routes with a shared X-API-Key.
// With no key configured every request is refused.
func RequireOperatorKey(apiKey string, logger *zap.Logger) func(http.Handler) http.Handler {
	want := sha256.Sum256([]byte(apiKey))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-API-Key")
			if provided == "" || apiKey == "" {
				response.Error(w, http.StatusUnauthorized, "Operator key required")
				return
			}
			got := sha256.Sum256([]byte(provided))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				logger.Warn("invalid operator key",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr))
				response.Error(w, http.StatusUnauthorized, "Invalid operator key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func sessionIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ContextSessionID).(string)
	return id, ok && id != ""
}
