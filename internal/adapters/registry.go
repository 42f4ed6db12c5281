package adapters

import (
	"context"
	"fmt"
	"slices"
)

// Registry is an ordered set of adapters. Detection walks it in
// registration order and the first match wins. It holds no state
// besides the adapter list.
type Registry struct {
	adapters []Adapter
	byName   map[string]Adapter
}

// NewRegistry creates a registry from adapters in priority order.
func NewRegistry(list ...Adapter) (*Registry, error) {
	r := &Registry{byName: make(map[string]Adapter, len(list))}
	for _, a := range list {
		if a == nil {
			return nil, fmt.Errorf("nil adapter at position %d", len(r.adapters))
		}
		name := a.Name()
		if name == "" {
			return nil, fmt.Errorf("adapter at position %d has no name", len(r.adapters))
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("adapter %q registered twice", name)
		}
		r.adapters = append(r.adapters, a)
		r.byName[name] = a
	}
	return r, nil
}

// Names returns adapter names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for _, a := range r.adapters {
		names = append(names, a.Name())
	}
	return names
}

// Adapters returns the registered adapters in registration order.
func (r *Registry) Adapters() []Adapter {
	return slices.Clone(r.adapters)
}

// Get retrieves an adapter by name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.byName[name]
	if !ok {
		return nil, Fail("get_adapter", "", ErrNoAdapterFound, fmt.Errorf("adapter %q not registered", name))
	}
	return a, nil
}

// Detect returns the first adapter that recognizes url.
func (r *Registry) Detect(ctx context.Context, url string) (Adapter, error) {
	for _, a := range r.adapters {
		if a.Detect(ctx, url) {
			return a, nil
		}
	}
	return nil, Fail("identify", "", ErrNoAdapterFound, fmt.Errorf("no adapter recognizes %q", url))
}
