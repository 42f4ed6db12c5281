package secrets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func vaultServer(t *testing.T, data map[string]any, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if got := r.Header.Get("X-Vault-Token"); got != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Path != "/v1/secret/data/ctf/creds" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		time.Sleep(10 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"data": data}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestParseVaultRef(t *testing.T) {
	tests := []struct {
		ref, path, key string
		wantErr        bool
	}{
		{ref: "vault(ctf/creds#token)", path: "ctf/creds", key: "token"},
		{ref: "vault(ctf/creds)", path: "ctf/creds", key: "value"},
		{ref: "vault(#token)", wantErr: true},
		{ref: "notavault(path)", wantErr: true},
	}
	for _, tt := range tests {
		path, key, err := ParseVaultRef(tt.ref)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseVaultRef(%q) should fail", tt.ref)
			}
			continue
		}
		if err != nil || path != tt.path || key != tt.key {
			t.Errorf("ParseVaultRef(%q) = %q, %q, %v", tt.ref, path, key, err)
		}
	}
}

func TestVaultResolver_ResolveAndCache(t *testing.T) {
	var hits atomic.Int32
	srv := vaultServer(t, map[string]any{"token": "abc", "value": "default"}, &hits)

	v := NewVaultResolver(srv.URL+"/", "test-token")
	ctx := context.Background()

	got, err := v.Resolve(ctx, "vault(ctf/creds#token)")
	if err != nil || got != "abc" {
		t.Fatalf("Resolve = %q, %v; want abc", got, err)
	}
	got, err = v.Resolve(ctx, "vault(ctf/creds#token)")
	if err != nil || got != "abc" {
		t.Fatalf("cached Resolve = %q, %v", got, err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hit %d times, want 1", n)
	}

	got, err = v.Resolve(ctx, "vault(ctf/creds)")
	if err != nil || got != "default" {
		t.Errorf("Resolve default key = %q, %v", got, err)
	}
}

func TestVaultResolver_ConcurrentLookupsShareRequest(t *testing.T) {
	var hits atomic.Int32
	srv := vaultServer(t, map[string]any{"token": "abc"}, &hits)
	v := NewVaultResolver(srv.URL, "test-token")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got, err := v.Resolve(context.Background(), "vault(ctf/creds#token)"); err != nil || got != "abc" {
				t.Errorf("Resolve = %q, %v", got, err)
			}
		}()
	}
	wg.Wait()
	if n := hits.Load(); n > 2 {
		t.Errorf("server hit %d times for one secret", n)
	}
}

func TestVaultResolver_Errors(t *testing.T) {
	var hits atomic.Int32
	srv := vaultServer(t, map[string]any{"token": 42}, &hits)
	v := NewVaultResolver(srv.URL, "test-token")
	ctx := context.Background()

	if _, err := v.Resolve(ctx, "vault(missing/path#key)"); err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Errorf("404 error = %v", err)
	}
	if _, err := v.Resolve(ctx, "vault(ctf/creds#token)"); err == nil || !strings.Contains(err.Error(), "not a string") {
		t.Errorf("non-string error = %v", err)
	}
}
