// Package identity authenticates requests and carries the caller's identity
// through the request context.
package identity

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ashureev/chatline/internal/domain"
	"github.com/ashureev/chatline/internal/store"
)

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// WithUser returns a context carrying the given identity.
func WithUser(ctx context.Context, userID, username string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, usernameKey, username)
}

func deriveUsername(userID string) string {
	if len(userID) > 8 {
		return "user-" + userID[len(userID)-8:]
	}
	return "user-" + userID
}

// ensureUser creates the user record on first sight and keeps the display
// name in sync with the token.
func ensureUser(ctx context.Context, repo store.Repository, userID, username string) error {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user != nil && user.Username == username {
		return nil
	}

	now := time.Now()
	u := &domain.User{
		UserID:    userID,
		Username:  username,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if user != nil {
		u.CreatedAt = user.CreatedAt
	}
	return repo.UpsertUser(ctx, u)
}

// Middleware verifies the request token and injects the caller's identity.
// Unauthenticated requests are refused with 401 before reaching next, so
// websocket upgrades never happen for them.
func Middleware(repo store.Repository, secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := Verify(secret, TokenFromRequest(r))
			if err != nil {
				slog.Debug("Rejected unauthenticated request", "path", r.URL.Path, "remote_ip", IPFromRequest(r), "error", err)
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}

			userID := claims.Subject
			username := claims.Name
			if username == "" {
				username = deriveUsername(userID)
			}

			if err := ensureUser(r.Context(), repo, userID, username); err != nil {
				slog.Error("Failed to initialize user", "user_id", userID, "error", err)
				http.Error(w, `{"error":"failed to initialize user"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID, username)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
