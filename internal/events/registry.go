// Package events provides an ordered listener registry used by components to
// publish state transitions to the rest of the application.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fifatracker/datalayer/pkg/logger"
)

// ListenerID identifies a registered listener.
type ListenerID uint64

type entry[T any] struct {
	id      ListenerID
	fn      func(T)
	removed atomic.Bool
}

// Registry is an ordered set of listeners for values of type T.
//
// Listeners are notified in registration order. Add and Remove may be called
// from inside a listener: a listener added during a notification first sees
// the next one, and a removed listener is never called again, including for
// the notification in progress. A panicking listener is logged and skipped.
type Registry[T any] struct {
	mu      sync.Mutex
	entries []*entry[T]
	nextID  ListenerID
	log     *logger.Logger
}

// NewRegistry returns an empty registry. log may be nil.
func NewRegistry[T any](log *logger.Logger) *Registry[T] {
	return &Registry[T]{log: logger.OrDefault(log, "events")}
}

// Add registers fn and returns its ID.
func (r *Registry[T]) Add(fn func(T)) ListenerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.entries = append(r.entries, &entry[T]{id: r.nextID, fn: fn})
	return r.nextID
}

// Remove deregisters the listener with id. It reports whether it was present.
func (r *Registry[T]) Remove(id ListenerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			e.removed.Store(true)
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Notify delivers v to every registered listener.
func (r *Registry[T]) Notify(v T) {
	r.mu.Lock()
	snapshot := make([]*entry[T], len(r.entries))
	copy(snapshot, r.entries)
	r.mu.Unlock()

	for _, e := range snapshot {
		if e.removed.Load() {
			continue
		}
		r.call(e, v)
	}
}

func (r *Registry[T]) call(e *entry[T], v T) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("listener", e.id).
				WithError(fmt.Errorf("panic: %v", rec)).
				Error("listener failed")
		}
	}()
	e.fn(v)
}

// Len returns the number of registered listeners.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Clear removes every listener.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.removed.Store(true)
	}
	r.entries = nil
}
