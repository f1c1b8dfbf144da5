// Package listener broadcasts received lines to a mutable set of callbacks.
package listener

import "sync"

// Func receives one line. It runs on the transport's read goroutine and
// must not block.
type Func func(line string)

// ID identifies a registered listener.
type ID uint64

type entry struct {
	id ID
	fn Func
}

// Registry delivers every dispatched line to all registered listeners in
// registration order. It is safe for concurrent use; a listener removed
// while a line is being dispatched may still see that line but no later
// ones.
type Registry struct {
	mu      sync.Mutex
	next    ID
	entries []entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Add registers fn and returns its handle.
func (r *Registry) Add(fn Func) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.entries = append(r.entries, entry{id: r.next, fn: fn})
	return r.next
}

// Remove unregisters id. Removing an unknown or already removed id is a
// no-op.
func (r *Registry) Remove(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			// Copy so that snapshots held by Dispatch are never mutated.
			entries := make([]entry, 0, len(r.entries)-1)
			entries = append(entries, r.entries[:i]...)
			r.entries = append(entries, r.entries[i+1:]...)
			return
		}
	}
}

// Dispatch calls every listener registered at the time of the call.
func (r *Registry) Dispatch(line string) {
	r.mu.Lock()
	snapshot := r.entries
	r.mu.Unlock()

	for _, e := range snapshot {
		e.fn(line)
	}
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
