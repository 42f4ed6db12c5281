package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// VaultResolver reads "vault(path#key)" references from a Vault KV v2
// mount. Lookups are cached for CacheTTL; concurrent misses on one
// secret share a single request.
type VaultResolver struct {
	Address   string
	Token     string
	MountPath string
	CacheTTL  time.Duration

	client *http.Client
	flight singleflight.Group
	cache  ttlCache
}

// NewVaultResolver returns a resolver for the "secret" mount with a
// five minute cache.
func NewVaultResolver(address, token string) *VaultResolver {
	return &VaultResolver{
		Address:   strings.TrimRight(address, "/"),
		Token:     token,
		MountPath: "secret",
		CacheTTL:  5 * time.Minute,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// ParseVaultRef splits "vault(path#key)" into path and key. The key
// defaults to "value".
func ParseVaultRef(ref string) (path, key string, err error) {
	inner, ok := strings.CutPrefix(ref, "vault(")
	if ok {
		inner, ok = strings.CutSuffix(inner, ")")
	}
	if !ok {
		return "", "", fmt.Errorf("secret reference %q: want vault(path#key)", ref)
	}
	path, key, found := strings.Cut(inner, "#")
	if !found {
		key = "value"
	}
	if path == "" || key == "" {
		return "", "", fmt.Errorf("secret reference %q: empty path or key", ref)
	}
	return path, key, nil
}

// Resolve returns the secret ref points at.
func (v *VaultResolver) Resolve(ctx context.Context, ref string) (string, error) {
	path, key, err := ParseVaultRef(ref)
	if err != nil {
		return "", err
	}
	id := path + "#" + key
	if s, ok := v.cache.get(id); ok {
		return s, nil
	}
	res, err, _ := v.flight.Do(id, func() (any, error) {
		fields, err := v.read(ctx, path)
		if err != nil {
			return "", err
		}
		s, ok := fields[key].(string)
		if !ok {
			return "", fmt.Errorf("vault secret %s: field %q missing or not a string", path, key)
		}
		v.cache.put(id, s, v.CacheTTL)
		return s, nil
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// read fetches the latest version of the secret at path.
func (v *VaultResolver) read(ctx context.Context, path string) (map[string]any, error) {
	endpoint, err := url.JoinPath(v.Address, "v1", v.MountPath, "data", path)
	if err != nil {
		return nil, fmt.Errorf("vault address: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Vault-Token", v.Token)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return nil, fmt.Errorf("vault returned status %d for %s", resp.StatusCode, path)
	}

	var payload struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode vault secret %s: %w", path, err)
	}
	return payload.Data.Data, nil
}

type ttlCache struct {
	mu      sync.Mutex
	entries map[string]ttlEntry
}

type ttlEntry struct {
	value   string
	expires time.Time
}

func (c *ttlCache) get(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || time.Now().After(e.expires) {
		return "", false
	}
	return e.value, true
}

func (c *ttlCache) put(id, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]ttlEntry)
	}
	c.entries[id] = ttlEntry{value: value, expires: time.Now().Add(ttl)}
}
