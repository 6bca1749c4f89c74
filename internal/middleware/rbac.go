package middleware

import (
	"net/http"
	"slices"
)

// Role constants define the two kinds of IPC caller.
const (
	RoleHost   = "host"
	RolePlugin = "plugin"
)

// RequireRole returns middleware that checks the authenticated caller has
// one of the specified roles. The caller must already be authenticated (use
// Auth first in the chain). The host role always grants access.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := GetPrincipalFromContext(r.Context())
			if p == nil {
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			if !HasRole(p.Role, roles...) {
				http.Error(w, "Insufficient permissions", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HasRole reports whether role is one of required. The host role always
// returns true.
func HasRole(role string, required ...string) bool {
	if role == RoleHost {
		return true
	}
	return slices.Contains(required, role)
}
