// Package executor runs remote operations through a bounded worker pool with
// a two-tier priority queue, per-request retry with backoff, and running
// latency and outcome metrics.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fifatracker/datalayer/internal/backoff"
	"github.com/fifatracker/datalayer/internal/remote"
	"github.com/fifatracker/datalayer/pkg/logger"
)

// Common errors
var (
	ErrClosed         = errors.New("executor is closed")
	ErrOperationPanic = errors.New("operation panicked")
)

// Priority orders queued requests.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

// Operation is one unit of remote work. It must be safe to call more than
// once.
type Operation func(ctx context.Context) (any, error)

// Config configures an Executor.
type Config struct {
	// PoolSize is the maximum number of operations running at once.
	PoolSize int
	// Policy bounds attempts per request and the delay between them.
	Policy backoff.Policy
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		PoolSize: 5,
		Policy: backoff.Policy{
			MaxAttempts:    3,
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			JitterFraction: 0.1,
		},
	}
}

// Observer receives attempt and request outcomes, typically to export them.
type Observer interface {
	ObserveAttempt(latency time.Duration, err error)
	ObserveResult(priority Priority, attempts int, err error)
	ObserveQueue(active, queued int)
}

// Option configures an Executor.
type Option func(*Executor)

// WithBackoff sets the delay source used between attempts.
func WithBackoff(s *backoff.Scheduler) Option {
	return func(e *Executor) { e.delays = s }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithObserver attaches an Observer.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

type request struct {
	ctx        context.Context
	op         Operation
	priority   Priority
	future     *Future
	enqueuedAt time.Time
}

// Executor is a bounded-concurrency retrying request queue.
type Executor struct {
	cfg      Config
	delays   *backoff.Scheduler
	log      *logger.Logger
	observer Observer

	mu     sync.Mutex
	high   []*request
	normal []*request
	active int
	closed bool
	quit   chan struct{}
	wg     sync.WaitGroup

	metrics metrics
}

// New creates an executor. Zero config fields fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Executor {
	def := DefaultConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy.MaxAttempts = def.Policy.MaxAttempts
	}
	e := &Executor{cfg: cfg, quit: make(chan struct{})}
	for _, opt := range opts {
		opt(e)
	}
	if e.delays == nil {
		e.delays = backoff.NewRandomScheduler()
	}
	e.log = logger.OrDefault(e.log, "executor")
	return e
}

// Submit enqueues op and returns its Future. High priority requests are
// started before every queued Normal request; within a tier the order is
// FIFO. ctx bounds the request: a request whose context ends while queued
// resolves with ctx.Err() without running.
func (e *Executor) Submit(ctx context.Context, op Operation, priority Priority) *Future {
	f := newFuture()
	if op == nil {
		f.resolve(nil, fmt.Errorf("%w: operation is required", remote.ErrInvalidRequest))
		return f
	}
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		f.resolve(nil, ErrClosed)
		return f
	}
	req := &request{ctx: ctx, op: op, priority: priority, future: f, enqueuedAt: time.Now()}
	if priority == PriorityHigh {
		e.high = append(e.high, req)
	} else {
		e.normal = append(e.normal, req)
	}
	e.pumpLocked()
	e.observeQueueLocked()
	e.mu.Unlock()
	return f
}

// Stats returns a snapshot of the executor metrics.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	active, queued := e.active, len(e.high)+len(e.normal)
	e.mu.Unlock()
	s := e.metrics.snapshot()
	s.Active = active
	s.Queued = queued
	return s
}

// ResetStats zeroes every counter and the latency averages.
func (e *Executor) ResetStats() {
	e.metrics.reset()
}

// Close rejects new work, resolves every queued request with ErrClosed,
// interrupts retry waits and blocks until running attempts return.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.quit)
	pending := append(e.high, e.normal...)
	e.high, e.normal = nil, nil
	e.mu.Unlock()

	for _, req := range pending {
		e.complete(req, nil, ErrClosed)
	}
	e.wg.Wait()
	e.log.WithField("dropped", len(pending)).Info("executor closed")
}

func (e *Executor) pumpLocked() {
	for e.active < e.cfg.PoolSize {
		req := e.popLocked()
		if req == nil {
			return
		}
		if err := req.ctx.Err(); err != nil {
			e.complete(req, nil, err)
			continue
		}
		e.active++
		e.wg.Add(1)
		go e.run(req)
	}
}

func (e *Executor) popLocked() *request {
	if len(e.high) > 0 {
		req := e.high[0]
		e.high[0] = nil
		e.high = e.high[1:]
		return req
	}
	if len(e.normal) > 0 {
		req := e.normal[0]
		e.normal[0] = nil
		e.normal = e.normal[1:]
		return req
	}
	return nil
}

func (e *Executor) run(req *request) {
	defer e.wg.Done()

	val, err := e.execute(req)

	e.mu.Lock()
	e.active--
	if !e.closed {
		e.pumpLocked()
	}
	e.observeQueueLocked()
	e.mu.Unlock()

	e.complete(req, val, err)
}

func (e *Executor) execute(req *request) (any, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.Policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := e.delays.NextDelay(attempt-1, e.cfg.Policy)
			if err := e.wait(req.ctx, delay); err != nil {
				return nil, err
			}
			e.metrics.retry()
		}

		req.future.attempts.Add(1)
		start := time.Now()
		val, err := call(req.ctx, req.op)
		latency := time.Since(start)
		e.metrics.attempt(latency)
		if e.observer != nil {
			e.observer.ObserveAttempt(latency, err)
		}
		if err == nil {
			return val, nil
		}

		lastErr = err
		if Classify(err) == Terminal {
			e.log.WithError(err).WithField("attempt", attempt).Debug("terminal error, not retrying")
			return nil, err
		}
		e.log.WithError(err).
			WithField("attempt", attempt).
			WithField("max_attempts", e.cfg.Policy.MaxAttempts).
			Warn("operation failed")
	}
	return nil, lastErr
}

func (e *Executor) wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.quit:
		return ErrClosed
	}
}

func (e *Executor) complete(req *request, val any, err error) {
	if !req.future.resolve(val, err) {
		return
	}
	e.metrics.result(err == nil)
	if e.observer != nil {
		e.observer.ObserveResult(req.priority, req.future.Attempts(), err)
	}
}

func (e *Executor) observeQueueLocked() {
	if e.observer != nil {
		e.observer.ObserveQueue(e.active, len(e.high)+len(e.normal))
	}
}

func call(ctx context.Context, op Operation) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrOperationPanic, r)
		}
	}()
	return op(ctx)
}
