// Package registry maps connection ids to live connections.
package registry

import (
	"errors"
	"sync"
)

var (
	ErrDuplicateID = errors.New("registry: id already registered")
	ErrFull        = errors.New("registry: full")
)

// Registry is a concurrency-safe id -> connection table. No operation
// blocks on I/O, and All returns a snapshot that callers may iterate
// while the registry keeps changing.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]T)}
}

// Add registers conn under id, replacing any previous entry.
func (r *Registry[T]) Add(id string, conn T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = conn
}

// Insert registers conn under id unless id is taken or the table already
// holds limit entries. A limit of zero or less means unbounded. The checks
// and the insert happen under one lock.
func (r *Registry[T]) Insert(id string, conn T, limit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return ErrDuplicateID
	}
	if limit > 0 && len(r.entries) >= limit {
		return ErrFull
	}
	r.entries[id] = conn
	return nil
}

// Remove deletes id. Removing an unknown id is a no-op.
func (r *Registry[T]) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// Get returns the connection registered under id.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.entries[id]
	return conn, ok
}

// Has reports whether id is registered.
func (r *Registry[T]) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// All returns a copy of the table.
func (r *Registry[T]) All() map[string]T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]T, len(r.entries))
	for id, conn := range r.entries {
		out[id] = conn
	}
	return out
}

// IDs returns the registered ids.
func (r *Registry[T]) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of entries.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
