package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvResolver resolves references of the form "env(VAR_NAME)" from the
// process environment.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

// NewEnvResolver creates an environment variable secret resolver.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv}
}

// Resolve looks up an env() reference and returns the value.
func (r *EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "env(") || !strings.HasSuffix(ref, ")") {
		return "", fmt.Errorf("unsupported secret reference format: %q (expected env(VAR_NAME))", ref)
	}

	name := strings.TrimSpace(ref[4 : len(ref)-1])
	if name == "" {
		return "", fmt.Errorf("empty variable name in %q", ref)
	}
	value, ok := r.lookup(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", name)
	}
	if value == "" {
		return "", fmt.Errorf("environment variable %q is empty", name)
	}
	return value, nil
}
