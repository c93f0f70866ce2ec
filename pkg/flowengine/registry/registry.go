// Package registry provides a thread-safe keyed registry used for flow
// implementations, responder protocols and external event factories.
package registry

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrDuplicate is returned when registering a key that already exists.
var ErrDuplicate = errors.New("registry: duplicate key")

// Registry is a thread-safe registry for values indexed by key.
type Registry[K cmp.Ordered, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

// New creates a new empty registry.
func New[K cmp.Ordered, V any]() *Registry[K, V] {
	return &Registry[K, V]{
		entries: make(map[K]V),
	}
}

// Register adds or replaces a value.
func (r *Registry[K, V]) Register(key K, value V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = value
}

// RegisterUnique adds a value, failing if the key is already registered.
func (r *Registry[K, V]) RegisterUnique(key K, value V) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("%w: %v", ErrDuplicate, key)
	}
	r.entries[key] = value
	return nil
}

// Get returns the value for a key and whether it exists.
func (r *Registry[K, V]) Get(key K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[key]
	return v, ok
}

// MustGet returns the value for a key, panicking if not found.
func (r *Registry[K, V]) MustGet(key K) V {
	v, ok := r.Get(key)
	if !ok {
		panic(fmt.Sprintf("registry: key %v not found", key))
	}
	return v
}

// Has returns true if the key exists in the registry.
func (r *Registry[K, V]) Has(key K) bool {
	_, ok := r.Get(key)
	return ok
}

// Delete removes a key from the registry.
func (r *Registry[K, V]) Delete(key K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Keys returns all keys in sorted order.
func (r *Registry[K, V]) Keys() []K {
	r.mu.RLock()
	keys := make([]K, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	slices.Sort(keys)
	return keys
}

// Len returns the number of entries in the registry.
func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// GetOrCreate returns the value for a key, creating it with factory if it
// doesn't exist. The factory is called at most once per key.
func (r *Registry[K, V]) GetOrCreate(key K, factory func() V) (V, bool) {
	r.mu.RLock()
	v, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return v, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.entries[key]; ok {
		return v, false
	}
	v = factory()
	r.entries[key] = v
	return v, true
}
