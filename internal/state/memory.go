package state

import (
	"context"
	"maps"
	"sync"
)

type tableKey struct {
	table Table
	key   Key
}

// snapshot is the committed contents of an in-process backend.
type snapshot map[tableKey][]byte

// bufferedTx reads through to a committed snapshot and holds writes
// until commit. A nil value in writes marks a delete.
type bufferedTx struct {
	base   snapshot
	writes map[tableKey][]byte
}

func newBufferedTx(base snapshot) *bufferedTx {
	return &bufferedTx{base: base, writes: make(map[tableKey][]byte)}
}

func (t *bufferedTx) Get(table Table, key Key) ([]byte, bool, error) {
	tk := tableKey{table, key}
	if v, ok := t.writes[tk]; ok {
		return v, v != nil, nil
	}
	v, ok := t.base[tk]
	return v, ok, nil
}

func (t *bufferedTx) Put(table Table, key Key, value []byte) error {
	t.writes[tableKey{table, key}] = append([]byte(nil), value...)
	return nil
}

func (t *bufferedTx) Delete(table Table, key Key) error {
	t.writes[tableKey{table, key}] = nil
	return nil
}

func (t *bufferedTx) commit(dst snapshot) {
	for k, v := range t.writes {
		if v == nil {
			delete(dst, k)
		} else {
			dst[k] = v
		}
	}
}

// MemoryBackend keeps records in process memory. Updates are
// serialized by a single mutex.
type MemoryBackend struct {
	mu   sync.RWMutex
	data snapshot
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(snapshot)}
}

// View runs fn against the committed records.
func (b *MemoryBackend) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fn(newBufferedTx(b.data))
}

// Update runs fn and commits its writes if fn succeeds.
func (b *MemoryBackend) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	tx := newBufferedTx(b.data)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit(b.data)
	return nil
}

// Len returns the number of stored records.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// Close is a no-op.
func (b *MemoryBackend) Close() error { return nil }

func cloneSnapshot(s snapshot) snapshot {
	return maps.Clone(s)
}
