package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// LocalBackend implements Backend using a local JSON file. The file is
// re-read on every transaction and replaced atomically on commit.
type LocalBackend struct {
	Path string

	mu sync.Mutex
}

// NewLocalBackend creates a new local JSON state backend.
func NewLocalBackend(path string) *LocalBackend {
	return &LocalBackend{Path: path}
}

// stateFile is the on-disk JSON structure.
type stateFile struct {
	Version string      `json:"version"`
	Entries []fileEntry `json:"entries"`
}

type fileEntry struct {
	Table   Table           `json:"table"`
	URL     string          `json:"url"`
	Context string          `json:"context"`
	Value   json.RawMessage `json:"value"`
}

// View runs fn against the records currently on disk.
func (b *LocalBackend) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := b.load()
	if err != nil {
		return err
	}
	return fn(newBufferedTx(data))
}

// Update runs fn and rewrites the file if fn succeeds.
func (b *LocalBackend) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := b.load()
	if err != nil {
		return err
	}
	tx := newBufferedTx(data)
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.writes) == 0 {
		return nil
	}
	next := cloneSnapshot(data)
	tx.commit(next)
	return b.save(next)
}

// Close is a no-op; the file is not held open between transactions.
func (b *LocalBackend) Close() error { return nil }

func (b *LocalBackend) load() (snapshot, error) {
	raw, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(snapshot), nil
		}
		return nil, err
	}
	var sf stateFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", b.Path, err)
	}
	data := make(snapshot, len(sf.Entries))
	for _, e := range sf.Entries {
		data[tableKey{e.Table, Key{URL: e.URL, Context: e.Context}}] = []byte(e.Value)
	}
	return data, nil
}

// save writes all entries sorted by table and key so diffs stay small.
func (b *LocalBackend) save(data snapshot) error {
	entries := make([]fileEntry, 0, len(data))
	for k, v := range data {
		entries = append(entries, fileEntry{
			Table:   k.table,
			URL:     k.key.URL,
			Context: k.key.Context,
			Value:   json.RawMessage(v),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, c := entries[i], entries[j]
		if a.Table != c.Table {
			return a.Table < c.Table
		}
		if a.Context != c.Context {
			return a.Context < c.Context
		}
		return a.URL < c.URL
	})
	out, err := json.MarshalIndent(stateFile{Version: "1.0", Entries: entries}, "", "  ")
	if err != nil {
		return err
	}
	out = append(out, '\n')

	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".ctfops-state-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// Credentials live in this file.
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), b.Path)
}
