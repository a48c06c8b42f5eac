package auth

import (
	"net/http"
	"testing"
)

func TestHasAtLeast(t *testing.T) {
	tests := []struct {
		name     string
		roles    []string
		required string
		want     bool
	}{
		{"viewer satisfies viewer", []string{"viewer"}, RoleViewer, true},
		{"viewer lacks editor", []string{"viewer"}, RoleEditor, false},
		{"editor satisfies viewer", []string{"editor"}, RoleViewer, true},
		{"admin satisfies everything", []string{"admin"}, RoleEditor, true},
		{"best role wins", []string{"viewer", "admin"}, RoleEditor, true},
		{"case and whitespace ignored", []string{" Admin "}, RoleEditor, true},
		{"no roles", nil, RoleViewer, false},
		{"unknown role grants nothing", []string{"operator"}, RoleViewer, false},
		{"unknown required role never satisfied", []string{"admin"}, "owner", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := HasAtLeast(tc.roles, tc.required); got != tc.want {
				t.Fatalf("HasAtLeast(%v, %q)=%v, want %v", tc.roles, tc.required, got, tc.want)
			}
		})
	}
}

func TestRequiredRoleForRequest(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{http.MethodGet, RoleViewer},
		{http.MethodHead, RoleViewer},
		{http.MethodOptions, RoleViewer},
		{http.MethodPost, RoleEditor},
		{http.MethodPut, RoleEditor},
		{http.MethodDelete, RoleEditor},
	}
	for _, tc := range tests {
		req, _ := http.NewRequest(tc.method, "http://example.test/instances/inst-1", nil)
		if got := RequiredRoleForRequest(req); got != tc.want {
			t.Errorf("RequiredRoleForRequest(%s)=%q, want %q", tc.method, got, tc.want)
		}
	}
}
