package auth

import (
	"context"
	"strings"
)

// Identity is the authenticated caller of a request. Subject is the
// stable caller key used for quota accounting and instance ownership.
type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

// IsZero reports whether the identity carries no usable subject.
// Authenticators must never place a zero identity on the context.
func (id Identity) IsZero() bool {
	return strings.TrimSpace(id.Subject) == ""
}

type identityKey struct{}

func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the caller identity stamped by the auth
// middleware. ok is false on unauthenticated paths such as health probes.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
