package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHasRole(t *testing.T) {
	tests := []struct {
		name     string
		role     string
		required []string
		want     bool
	}{
		{"host always granted", RoleHost, nil, true},
		{"host granted plugin route", RoleHost, []string{RolePlugin}, true},
		{"plugin exact match", RolePlugin, []string{RolePlugin}, true},
		{"plugin denied host route", RolePlugin, []string{RoleHost}, false},
		{"empty role", "", []string{RolePlugin}, false},
		{"no required", RolePlugin, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasRole(tt.role, tt.required...); got != tt.want {
				t.Errorf("HasRole(%q, %v) = %v, want %v", tt.role, tt.required, got, tt.want)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name      string
		principal *Principal
		wantCode  int
	}{
		{"host", &Principal{Role: RoleHost}, http.StatusOK},
		{"plugin", &Principal{Role: RolePlugin, PluginID: "calc"}, http.StatusForbidden},
		{"anonymous", nil, http.StatusUnauthorized},
	}

	handler := RequireRole(RoleHost)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/ipc/install-plugin", nil)
			if tt.principal != nil {
				req = req.WithContext(WithPrincipal(req.Context(), tt.principal))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rec.Code)
			}
		})
	}
}
