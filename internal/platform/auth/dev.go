package auth

import (
	"context"
	"net/http"
)

// Authenticator turns an incoming request into a verified Identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// DevAuthenticator stamps every request with one fixed identity. Local
// development only; never enabled outside AUTH_MODE=dev.
type DevAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) *DevAuthenticator {
	return &DevAuthenticator{identity: Identity{
		Subject: cfg.DevSubject,
		Email:   cfg.DevEmail,
		Roles:   cfg.DevRoles,
	}}
}

func (a *DevAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.identity, nil
}
