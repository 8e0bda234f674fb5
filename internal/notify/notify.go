// Package notify provides a typed, ordered listener registry with removable
// subscriptions.
package notify

import (
	"slices"
	"sync"
)

// Registry holds listeners of type T in subscription order. The zero value
// is ready to use and safe for concurrent use.
type Registry[T any] struct {
	mu      sync.Mutex
	next    uint64
	entries []entry[T]
}

type entry[T any] struct {
	id uint64
	fn T
}

// Add registers fn and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (r *Registry[T]) Add(fn T) (remove func()) {
	r.mu.Lock()
	id := r.next
	r.next++
	r.entries = append(r.entries, entry[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.entries = slices.DeleteFunc(r.entries, func(e entry[T]) bool { return e.id == id })
		})
	}
}

// Each calls visit for every listener registered at the time of the call.
// Listeners may add or remove subscriptions from within visit.
func (r *Registry[T]) Each(visit func(T)) {
	r.mu.Lock()
	snapshot := make([]T, len(r.entries))
	for i, e := range r.entries {
		snapshot[i] = e.fn
	}
	r.mu.Unlock()

	for _, fn := range snapshot {
		visit(fn)
	}
}

// Len returns the number of registered listeners.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
