package gateway

import (
	"log/slog"
	"net/http"

	"github.com/rjsadow/mortis/internal/middleware"
)

// Limit rejects requests over the caller's budget with 429. Authenticated
// callers are keyed by principal so each plugin gets its own bucket; anything
// else is keyed by client IP. It must run after middleware.Auth.
func Limit(rl *RateLimiter, onLimited func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := callerKey(r)
			if !rl.Allow(key) {
				slog.WarnContext(r.Context(), "ipc rate limit exceeded", "caller", key, "path", r.URL.Path)
				if onLimited != nil {
					onLimited()
				}
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func callerKey(r *http.Request) string {
	if p := middleware.GetPrincipalFromContext(r.Context()); p != nil {
		if p.Role == middleware.RolePlugin {
			return "plugin:" + p.PluginID
		}
		return p.Role
	}
	return "ip:" + clientIP(r)
}
