// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"askanna/internal/auth"
	"askanna/internal/store"
	"askanna/pkg/api"
)

// userKey is the context key for the authenticated user.
type userKey struct{}

// TokenStore resolves API tokens.
type TokenStore interface {
	GetUserByTokenHash(ctx context.Context, hash string) (*store.User, error)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Error: message,
		Code:  http.StatusText(code),
	})
}

// parseAuthorization splits an Authorization header into its scheme and
// credential. An absent header returns an empty scheme and ok false.
func parseAuthorization(header string) (scheme, credential string, ok bool) {
	parts := strings.Fields(header)
	switch len(parts) {
	case 0:
		return "", "", false
	case 2:
		return parts[0], parts[1], true
	}
	return parts[0], "", false
}

// AuthMiddleware resolves the user behind an "Authorization: Token <key>" (or
// "Bearer <key>") header. Requests without the header continue anonymously;
// a header with an unknown token is rejected.
func AuthMiddleware(s TokenStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, key, ok := parseAuthorization(r.Header.Get("Authorization"))
			if scheme == "" && !ok {
				next.ServeHTTP(w, r)
				return
			}
			if !ok || (scheme != "Token" && scheme != "Bearer") {
				writeError(w, "Invalid authorization header", http.StatusUnauthorized)
				return
			}

			user, err := s.GetUserByTokenHash(r.Context(), auth.HashKey(key))
			if err != nil {
				if store.IsNotFound(err) {
					writeError(w, "Invalid token", http.StatusUnauthorized)
					return
				}
				slog.Error("token lookup failed", "error", err)
				writeError(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			if user == nil || !user.IsActive {
				writeError(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContextWithUser(r.Context(), user)))
		})
	}
}

// RequireUser rejects anonymous requests.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserFromContext(r.Context()); !ok {
			writeError(w, "Authentication credentials were not provided", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewContextWithUser stores the authenticated user in ctx.
func NewContextWithUser(ctx context.Context, user *store.User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (*store.User, bool) {
	u, ok := ctx.Value(userKey{}).(*store.User)
	return u, ok && u != nil
}
