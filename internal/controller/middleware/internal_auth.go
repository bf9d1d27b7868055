package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"askanna/internal/logger"
)

// RequireInternalAuth guards the task administration endpoints. Operators
// present the deployment's internal secret as "Authorization: Bearer <secret>".
// Without a configured secret the endpoints do not exist.
func RequireInternalAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.NotFound(w, r)
				return
			}

			scheme, credential, ok := parseAuthorization(r.Header.Get("Authorization"))
			switch {
			case scheme == "" && !ok:
				writeError(w, "Missing authorization header", http.StatusUnauthorized)
				return
			case !ok || scheme != "Bearer":
				writeError(w, "Invalid authorization header", http.StatusUnauthorized)
				return
			}

			if subtle.ConstantTimeCompare([]byte(credential), []byte(secret)) != 1 {
				logger.FromContext(r.Context(), slog.Default()).Warn("rejected internal request",
					"path", r.URL.Path, "remote", r.RemoteAddr)
				writeError(w, "Invalid authorization token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
