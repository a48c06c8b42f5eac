package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCAuthenticator verifies bearer tokens against the configured
// issuer. Login and session handling live at the edge; this service
// only validates tokens presented on API calls.
type OIDCAuthenticator struct {
	cfg      Config
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

func NewOIDCAuthenticator(ctx context.Context, cfg Config) (*OIDCAuthenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}

	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}

	return &OIDCAuthenticator{
		cfg:      cfg,
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}),
	}, nil
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	rawToken := tokenFromHeader(r)
	if rawToken == "" {
		return Identity{}, ErrUnauthenticated
	}

	idToken, err := a.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Identity{}, err
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, err
	}

	identity := Identity{
		Subject: idToken.Subject,
		Email:   extractStringClaim(claims, a.cfg.EmailClaim),
		Roles:   extractRolesClaim(claims, a.cfg.RolesClaim),
	}

	if a.cfg.OIDCFetchUserInfo && (identity.Email == "" || len(identity.Roles) == 0) {
		a.enrichFromUserInfo(ctx, rawToken, &identity)
	}

	return identity, nil
}

// enrichFromUserInfo fills gaps in the token claims from the provider's
// userinfo endpoint. Failures leave the identity as verified from the
// token alone.
func (a *OIDCAuthenticator) enrichFromUserInfo(ctx context.Context, rawToken string, identity *Identity) {
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: rawToken, TokenType: "Bearer"})
	info, err := a.provider.UserInfo(ctx, source)
	if err != nil {
		return
	}
	var claims map[string]any
	if err := info.Claims(&claims); err != nil {
		return
	}
	if identity.Email == "" {
		if info.Email != "" {
			identity.Email = info.Email
		} else {
			identity.Email = extractStringClaim(claims, a.cfg.EmailClaim)
		}
	}
	if len(identity.Roles) == 0 {
		identity.Roles = extractRolesClaim(claims, a.cfg.RolesClaim)
	}
}

func tokenFromHeader(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return ""
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func extractStringClaim(claims map[string]any, name string) string {
	if name == "" {
		return ""
	}
	value, _ := claims[name].(string)
	return strings.TrimSpace(value)
}

func extractRolesClaim(claims map[string]any, name string) []string {
	if name == "" {
		return nil
	}
	switch value := claims[name].(type) {
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.ToLower(strings.TrimSpace(s)))
			}
		}
		return out
	case []string:
		out := make([]string, 0, len(value))
		for _, s := range value {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.ToLower(strings.TrimSpace(s)))
			}
		}
		return out
	case string:
		return parseCSV(value)
	default:
		return nil
	}
}
