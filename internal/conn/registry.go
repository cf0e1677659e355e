package conn

import (
	"reflect"
	"sync"
)

// registry is an insertion ordered set of subscribers.
type registry[T comparable] struct {
	mu    sync.RWMutex
	items []T
}

func (r *registry[T]) add(v T) bool {
	if !comparableValue(v) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.items {
		if existing == v {
			return false
		}
	}
	r.items = append(r.items, v)
	return true
}

func (r *registry[T]) remove(v T) bool {
	if !comparableValue(v) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.items {
		if existing == v {
			r.items = append(r.items[:i:i], r.items[i+1:]...)
			return true
		}
	}
	return false
}

func (r *registry[T]) snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

func (r *registry[T]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// comparableValue rejects nil and dynamic types that would panic on ==,
// such as func values stored in an interface.
func comparableValue(v any) bool {
	if v == nil {
		return false
	}
	return reflect.TypeOf(v).Comparable()
}
