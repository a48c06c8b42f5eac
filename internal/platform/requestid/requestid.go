// Package requestid generates correlation identifiers attached to every
// request and echoed back in the X-Request-Id response header.
package requestid

import (
	"strings"

	"github.com/google/uuid"
)

// maxLen caps inbound identifiers so a hostile client cannot inflate logs.
const maxLen = 64

// New returns a fresh identifier.
func New() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Sanitize returns the inbound identifier if it is usable, or "" when a new
// one should be generated instead.
func Sanitize(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > maxLen {
		return ""
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return ""
		}
	}
	return id
}
