// Package resettable lets stateful modules opt in to a process-wide reset,
// triggered when the host returns with a live session after being hidden.
package resettable

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fifatracker/datalayer/pkg/logger"
)

// Resettable is implemented by modules holding state that must be cleared.
type Resettable interface {
	Name() string
	Reset(ctx context.Context) error
}

type funcResettable struct {
	name string
	fn   func(ctx context.Context) error
}

func (f funcResettable) Name() string                    { return f.name }
func (f funcResettable) Reset(ctx context.Context) error { return f.fn(ctx) }

// Func adapts fn to Resettable.
func Func(name string, fn func(ctx context.Context) error) Resettable {
	return funcResettable{name: name, fn: fn}
}

// Registry holds resettable modules in registration order.
type Registry struct {
	mu    sync.Mutex
	items []Resettable
	log   *logger.Logger
}

// NewRegistry returns an empty registry. log may be nil.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{log: logger.OrDefault(log, "resettable")}
}

// Register adds items. A name registered twice replaces the earlier entry.
func (r *Registry) Register(items ...Resettable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range items {
		if it == nil {
			continue
		}
		replaced := false
		for i, existing := range r.items {
			if existing.Name() == it.Name() {
				r.items[i] = it
				replaced = true
				break
			}
		}
		if !replaced {
			r.items = append(r.items, it)
		}
	}
}

// Unregister removes the entry called name.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, it := range r.items {
		if it.Name() == name {
			r.items = append(r.items[:i], r.items[i+1:]...)
			return true
		}
	}
	return false
}

// Names lists registered entries in order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.items))
	for i, it := range r.items {
		names[i] = it.Name()
	}
	return names
}

// ResetAll resets every entry in order. A failing entry does not stop the
// others; all failures are returned joined.
func (r *Registry) ResetAll(ctx context.Context) error {
	r.mu.Lock()
	items := append([]Resettable(nil), r.items...)
	r.mu.Unlock()

	var errs []error
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := it.Reset(ctx); err != nil {
			r.log.WithError(err).WithField("module", it.Name()).Warn("reset failed")
			errs = append(errs, fmt.Errorf("reset %s: %w", it.Name(), err))
		}
	}
	if len(errs) == 0 {
		r.log.WithField("modules", len(items)).Debug("module states reset")
	}
	return errors.Join(errs...)
}
