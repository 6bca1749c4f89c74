package middleware

import (
	"context"
	"net/http"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// PrincipalContextKey is the key used to store the authenticated caller in the request context
	PrincipalContextKey contextKey = "principal"
)

// Principal is an authenticated IPC caller: the host UI or one plugin
// surface.
type Principal struct {
	Role     string `json:"role"`
	PluginID string `json:"pluginId,omitempty"`
}

// AuthResult is the outcome of validating a bearer token.
type AuthResult struct {
	Authenticated bool
	Principal     *Principal
	Message       string
}

// Authenticator validates bearer tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*AuthResult, error)
}

// BearerToken extracts a token from the Authorization header, falling back
// to the "token" query parameter for EventSource and WebSocket clients,
// which cannot set headers.
func BearerToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Auth creates middleware that requires a valid bearer token.
func Auth(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				http.Error(w, "Token required", http.StatusUnauthorized)
				return
			}

			result, err := a.Authenticate(r.Context(), token)
			if err != nil {
				http.Error(w, "Authentication failed", http.StatusUnauthorized)
				return
			}

			if !result.Authenticated || result.Principal == nil {
				msg := "Unauthorized"
				if result.Message != "" {
					msg = result.Message
				}
				http.Error(w, msg, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), result.Principal)))
		})
	}
}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

// GetPrincipalFromContext retrieves the authenticated caller from the request context
func GetPrincipalFromContext(ctx context.Context) *Principal {
	p, ok := ctx.Value(PrincipalContextKey).(*Principal)
	if !ok {
		return nil
	}
	return p
}
