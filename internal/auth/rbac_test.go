package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func request(role string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/admin/flags/x", nil)
	if role == "" {
		return r
	}
	id := &Identity{KeyID: uuid.New(), Name: "test", Role: role}
	return r.WithContext(WithIdentity(r.Context(), id))
}

func TestRequireMinRole(t *testing.T) {
	tests := []struct {
		name       string
		minRole    string
		callerRole string
		wantStatus int
	}{
		{"unauthenticated", RoleReadOnly, "", http.StatusUnauthorized},
		{"read_only reads", RoleReadOnly, RoleReadOnly, http.StatusOK},
		{"read_only cannot mutate", RoleSupport, RoleReadOnly, http.StatusForbidden},
		{"support adjusts karma", RoleSupport, RoleSupport, http.StatusOK},
		{"support cannot touch flags", RoleOps, RoleSupport, http.StatusForbidden},
		{"ops mutates flags", RoleOps, RoleOps, http.StatusOK},
		{"super_admin everywhere", RoleOps, RoleSuperAdmin, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler := RequireMinRole(tt.minRole)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			handler.ServeHTTP(rec, request(tt.callerRole))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestValidRole(t *testing.T) {
	for _, r := range []string{RoleReadOnly, RoleSupport, RoleOps, RoleSuperAdmin} {
		if !ValidRole(r) {
			t.Errorf("ValidRole(%q) = false", r)
		}
	}
	if ValidRole("admin") {
		t.Error("unknown role should be invalid")
	}
}

func TestFromContextMissing(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if FromContext(r.Context()) != nil {
		t.Error("FromContext on bare request should be nil")
	}
}
