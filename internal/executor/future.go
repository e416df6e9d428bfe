package executor

import (
	"context"
	"sync"
	"sync/atomic"
)

// Future is the pending outcome of a submitted request. It resolves exactly
// once, with either a value or an error.
type Future struct {
	once     sync.Once
	done     chan struct{}
	val      any
	err      error
	attempts atomic.Int32
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done is closed once the request is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the request resolves or ctx ends. A ctx ending here does
// not cancel the request.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Attempts returns how many times the operation was invoked.
func (f *Future) Attempts() int { return int(f.attempts.Load()) }

func (f *Future) resolve(val any, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.val, f.err = val, err
		close(f.done)
		resolved = true
	})
	return resolved
}
