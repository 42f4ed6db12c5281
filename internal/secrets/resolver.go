// Package secrets resolves secret references in stored credentials and
// keeps resolved values out of log output.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoResolver is returned for a reference in a reserved scheme that
// has no resolver registered, such as vault(...) without a Vault
// address.
var ErrNoResolver = errors.New("no resolver registered for secret reference")

// reserved lists the schemes that always denote a reference. Values in
// any other scheme(...) shape are treated as literals.
var reserved = map[string]bool{"env": true, "vault": true}

// Resolver resolves secret references to their values.
type Resolver interface {
	// Resolve looks up a secret reference and returns its value.
	// The ref format depends on the implementation (e.g., "env(VAR_NAME)").
	Resolve(ctx context.Context, ref string) (string, error)
}

// Chain dispatches a reference to the resolver registered for its
// scheme ("env", "vault"). Values that are not references pass through
// unchanged, so plain credentials need no resolver at all.
type Chain struct {
	schemes map[string]Resolver
}

// NewChain creates a chain with the env resolver registered.
func NewChain() *Chain {
	return &Chain{schemes: map[string]Resolver{"env": NewEnvResolver()}}
}

// Register adds or replaces the resolver for scheme.
func (c *Chain) Register(scheme string, r Resolver) *Chain {
	c.schemes[scheme] = r
	return c
}

// Resolve returns value itself unless it is a reference for a
// registered or reserved scheme. A reserved scheme with no resolver
// fails with ErrNoResolver so the reference is never sent as a secret.
func (c *Chain) Resolve(ctx context.Context, value string) (string, error) {
	scheme, ok := Scheme(value)
	if !ok {
		return value, nil
	}
	r, ok := c.schemes[scheme]
	if !ok {
		if reserved[scheme] {
			return "", fmt.Errorf("%w: %s", ErrNoResolver, scheme)
		}
		return value, nil
	}
	out, err := r.Resolve(ctx, value)
	if err != nil {
		return "", fmt.Errorf("resolve %s reference: %w", scheme, err)
	}
	return out, nil
}

// Scheme returns the scheme of a reference of the form "scheme(...)".
func Scheme(value string) (string, bool) {
	open := strings.IndexByte(value, '(')
	if open <= 0 || !strings.HasSuffix(value, ")") {
		return "", false
	}
	scheme := value[:open]
	for _, r := range scheme {
		if (r < 'a' || r > 'z') && r != '_' {
			return "", false
		}
	}
	return scheme, true
}
