package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Identity headers minted by the edge gateway. The timestamp and signature
// prove the headers were produced by a holder of the shared internal secret,
// so spoofed headers from outside the mesh are rejected.
const (
	HeaderSubject = "X-Helix-Subject"
	HeaderEmail   = "X-Helix-Email"
	HeaderRoles   = "X-Helix-Roles"

	HeaderInternalAuthTimestamp = "X-Helix-Auth-Ts"
	HeaderInternalAuthSignature = "X-Helix-Auth-Sig"
)

// SignedHeaders is the canonical input of the gateway signature: everything
// the edge asserts about one request, in fixed order.
type SignedHeaders struct {
	Timestamp string
	Method    string
	Path      string
	RequestID string
	Subject   string
	Email     string
	Roles     string
}

// SignedHeadersFromRequest collects the signed fields as the verifier sees
// them. Any header the gateway did not set verifies as the empty string.
func SignedHeadersFromRequest(r *http.Request) SignedHeaders {
	return SignedHeaders{
		Timestamp: r.Header.Get(HeaderInternalAuthTimestamp),
		Method:    r.Method,
		Path:      r.URL.Path,
		RequestID: r.Header.Get("X-Request-Id"),
		Subject:   r.Header.Get(HeaderSubject),
		Email:     r.Header.Get(HeaderEmail),
		Roles:     r.Header.Get(HeaderRoles),
	}
}

func (h SignedHeaders) canonical() string {
	return strings.Join([]string{
		strings.TrimSpace(h.Timestamp),
		strings.ToUpper(strings.TrimSpace(h.Method)),
		strings.TrimSpace(h.Path),
		strings.TrimSpace(h.RequestID),
		strings.TrimSpace(h.Subject),
		strings.TrimSpace(h.Email),
		strings.TrimSpace(h.Roles),
	}, "\n")
}

// Sign returns the base64url HMAC-SHA256 of the canonical form.
func (h SignedHeaders) Sign(secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("internal auth secret is required")
	}
	if strings.TrimSpace(h.Timestamp) == "" {
		return "", errors.New("timestamp is required")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(h.canonical()))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature and compares in constant time.
func (h SignedHeaders) Verify(secret, signature string) error {
	expected, err := h.Sign(secret)
	if err != nil {
		return err
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return errors.New("signature is required")
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("invalid signature")
	}
	return nil
}

// VerifyTimestamp bounds replay: the signed unix timestamp must fall within
// maxSkew of now. maxSkew <= 0 disables the check.
func (h SignedHeaders) VerifyTimestamp(now time.Time, maxSkew time.Duration) error {
	ts := strings.TrimSpace(h.Timestamp)
	if ts == "" {
		return errors.New("timestamp is required")
	}
	parsed, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if maxSkew <= 0 {
		return nil
	}

	tsTime := time.Unix(parsed, 0).UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if tsTime.After(now.Add(maxSkew)) || tsTime.Before(now.Add(-maxSkew)) {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}

// GatewayHeadersAuthenticator accepts identities asserted by the edge
// gateway, conditional on a valid signature over the identity headers.
type GatewayHeadersAuthenticator struct {
	Secret  string
	MaxSkew time.Duration
}

func NewGatewayHeadersAuthenticator(secret string) (*GatewayHeadersAuthenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("HELIX_INTERNAL_AUTH_SECRET is required")
	}
	return &GatewayHeadersAuthenticator{
		Secret:  secret,
		MaxSkew: 5 * time.Minute,
	}, nil
}

func (a *GatewayHeadersAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	headers := SignedHeadersFromRequest(r)
	subject := strings.TrimSpace(headers.Subject)
	if subject == "" {
		return Identity{}, ErrUnauthenticated
	}

	signature := strings.TrimSpace(r.Header.Get(HeaderInternalAuthSignature))
	if strings.TrimSpace(headers.Timestamp) == "" || signature == "" {
		return Identity{}, ErrUnauthenticated
	}

	if err := headers.VerifyTimestamp(time.Now().UTC(), a.MaxSkew); err != nil {
		return Identity{}, err
	}
	if err := headers.Verify(a.Secret, signature); err != nil {
		return Identity{}, err
	}

	return Identity{
		Subject: subject,
		Email:   strings.TrimSpace(headers.Email),
		Roles:   parseCSV(headers.Roles),
	}, nil
}
