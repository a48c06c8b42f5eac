package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

func roleLevel(role string) int {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

func HasAtLeast(roles []string, required string) bool {
	requiredLevel := roleLevel(required)
	if requiredLevel == 0 {
		return false
	}
	maxLevel := 0
	for _, role := range roles {
		if level := roleLevel(role); level > maxLevel {
			maxLevel = level
		}
	}
	return maxLevel >= requiredLevel
}

// RequiredRoleForRequest maps reads to viewer and mutations to editor.
// Submitting, cancelling, and registering templates all mutate state.
func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	default:
		return RoleEditor
	}
}
