package auth

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
)

type ctxKeyNamespace struct{}

var (
	// ErrNamespaceRequired indicates a missing namespace scope for a request.
	ErrNamespaceRequired = errors.New("namespace_required")
	// ErrNamespaceInvalid indicates a namespace that is not a valid DNS label.
	ErrNamespaceInvalid = errors.New("namespace_invalid")
)

var namespacePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// NamespaceResolver extracts the execution namespace for the request.
type NamespaceResolver func(r *http.Request, identity Identity) (string, error)

func ContextWithNamespace(ctx context.Context, namespace string) context.Context {
	return context.WithValue(ctx, ctxKeyNamespace{}, strings.TrimSpace(namespace))
}

func NamespaceFromContext(ctx context.Context) (string, bool) {
	value, ok := ctx.Value(ctxKeyNamespace{}).(string)
	return strings.TrimSpace(value), ok
}

// NamespaceFromRequest checks path parameters and headers for a namespace.
func NamespaceFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if v := strings.TrimSpace(r.PathValue("namespace")); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get("X-Helix-Namespace")); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.URL.Query().Get("namespace")); v != "" {
		return v
	}
	return ""
}

func ValidateNamespace(namespace string) error {
	if !namespacePattern.MatchString(namespace) {
		return ErrNamespaceInvalid
	}
	return nil
}

// ScopedNamespaceResolver requires a valid namespace for paths under the
// given prefixes and validates the namespace wherever one is present.
func ScopedNamespaceResolver(requirePrefixes []string) NamespaceResolver {
	return func(r *http.Request, identity Identity) (string, error) {
		namespace := NamespaceFromRequest(r)
		if namespace == "" {
			for _, prefix := range requirePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					return "", ErrNamespaceRequired
				}
			}
			return "", nil
		}
		if err := ValidateNamespace(namespace); err != nil {
			return "", err
		}
		return namespace, nil
	}
}
