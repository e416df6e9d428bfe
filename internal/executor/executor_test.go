package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fifatracker/datalayer/internal/backoff"
	"github.com/fifatracker/datalayer/internal/remote"
	"github.com/fifatracker/datalayer/pkg/logger"
)

var errBlip = errors.New("connection reset by peer")

type statusErr int

func (s statusErr) Error() string   { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) HTTPStatus() int { return int(s) }

type codeErr string

func (c codeErr) Error() string     { return "backend error " + string(c) }
func (c codeErr) ErrorCode() string { return string(c) }

func fastConfig(pool int) Config {
	return Config{
		PoolSize: pool,
		Policy: backoff.Policy{
			MaxAttempts:    3,
			BaseDelay:      time.Millisecond,
			MaxDelay:       5 * time.Millisecond,
			JitterFraction: 0.1,
		},
	}
}

func newTestExecutor(t *testing.T, pool int, opts ...Option) *Executor {
	t.Helper()
	base := []Option{WithBackoff(backoff.NewScheduler(7)), WithLogger(logger.Discard())}
	e := New(fastConfig(pool), append(base, opts...)...)
	t.Cleanup(e.Close)
	return e
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestExecutor_TerminalErrorSingleAttempt(t *testing.T) {
	e := newTestExecutor(t, 2)
	for _, terminal := range []error{statusErr(409), codeErr("23505"), remote.ErrUnscopedMutation} {
		var calls atomic.Int32
		f := e.Submit(context.Background(), func(context.Context) (any, error) {
			calls.Add(1)
			return nil, terminal
		}, PriorityNormal)

		_, err := f.Wait(waitCtx(t))
		assert.ErrorIs(t, err, terminal)
		assert.Equal(t, 1, f.Attempts())
		assert.Equal(t, int32(1), calls.Load())
	}
}

func TestExecutor_RetriesThenSucceeds(t *testing.T) {
	e := newTestExecutor(t, 2)
	for k := 0; k < 3; k++ {
		var calls atomic.Int32
		f := e.Submit(context.Background(), func(context.Context) (any, error) {
			if int(calls.Add(1)) <= k {
				return nil, errBlip
			}
			return "ok", nil
		}, PriorityNormal)

		val, err := f.Wait(waitCtx(t))
		require.NoError(t, err)
		assert.Equal(t, "ok", val)
		assert.Equal(t, k+1, f.Attempts())
	}
}

func TestExecutor_ExhaustsAttempts(t *testing.T) {
	e := newTestExecutor(t, 1)
	f := e.Submit(context.Background(), func(context.Context) (any, error) {
		return nil, statusErr(503)
	}, PriorityNormal)

	_, err := f.Wait(waitCtx(t))
	assert.Equal(t, statusErr(503), err)
	assert.Equal(t, 3, f.Attempts())

	s := e.Stats()
	assert.Equal(t, int64(1), s.FailedRequests)
	assert.Equal(t, int64(3), s.TotalAttempts)
	assert.Equal(t, int64(2), s.Retries)
}

func TestExecutor_ConcurrencyBounded(t *testing.T) {
	const pool = 3
	e := newTestExecutor(t, pool)

	var running, peak atomic.Int32
	op := func(context.Context) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}

	futures := make([]*Future, 40)
	for i := range futures {
		futures[i] = e.Submit(context.Background(), op, Priority(i%2))
	}
	for _, f := range futures {
		_, err := f.Wait(waitCtx(t))
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(pool))
	assert.Equal(t, int64(40), e.Stats().SuccessfulRequests)
}

func TestExecutor_HighPriorityDequeuedFirst(t *testing.T) {
	e := newTestExecutor(t, 1)

	gate := make(chan struct{})
	blocker := e.Submit(context.Background(), func(context.Context) (any, error) {
		<-gate
		return nil, nil
	}, PriorityNormal)

	var mu sync.Mutex
	var order []string
	record := func(name string) Operation {
		return func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	n1 := e.Submit(context.Background(), record("n1"), PriorityNormal)
	n2 := e.Submit(context.Background(), record("n2"), PriorityNormal)
	h1 := e.Submit(context.Background(), record("h1"), PriorityHigh)
	h2 := e.Submit(context.Background(), record("h2"), PriorityHigh)
	assert.Equal(t, 4, e.Stats().Queued)

	close(gate)
	for _, f := range []*Future{blocker, n1, n2, h1, h2} {
		_, err := f.Wait(waitCtx(t))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"h1", "h2", "n1", "n2"}, order)
}

func TestExecutor_SlowOperationOnlyHoldsItsSlot(t *testing.T) {
	e := newTestExecutor(t, 2)

	gate := make(chan struct{})
	defer close(gate)
	e.Submit(context.Background(), func(context.Context) (any, error) {
		<-gate
		return nil, nil
	}, PriorityNormal)

	f := e.Submit(context.Background(), func(context.Context) (any, error) {
		return 1, nil
	}, PriorityNormal)
	val, err := f.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 1, val)
}

func TestExecutor_QueuedRequestWithCancelledContext(t *testing.T) {
	e := newTestExecutor(t, 1)

	gate := make(chan struct{})
	e.Submit(context.Background(), func(context.Context) (any, error) {
		<-gate
		return nil, nil
	}, PriorityNormal)

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	f := e.Submit(ctx, func(context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	}, PriorityNormal)
	cancel()
	close(gate)

	_, err := f.Wait(waitCtx(t))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran.Load())
	assert.Zero(t, f.Attempts())
}

func TestExecutor_Close(t *testing.T) {
	e := New(fastConfig(1), WithLogger(logger.Discard()))

	gate := make(chan struct{})
	running := e.Submit(context.Background(), func(context.Context) (any, error) {
		<-gate
		return "done", nil
	}, PriorityNormal)
	queued := e.Submit(context.Background(), func(context.Context) (any, error) {
		return nil, nil
	}, PriorityNormal)

	closed := make(chan struct{})
	go func() {
		e.Close()
		close(closed)
	}()

	_, err := queued.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrClosed)

	close(gate)
	<-closed
	val, err := running.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "done", val)

	_, err = e.Submit(context.Background(), func(context.Context) (any, error) { return nil, nil }, PriorityHigh).Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrClosed)
	e.Close()
}

func TestExecutor_NilOperationRejected(t *testing.T) {
	e := newTestExecutor(t, 1)
	_, err := e.Submit(context.Background(), nil, PriorityNormal).Wait(waitCtx(t))
	assert.ErrorIs(t, err, remote.ErrInvalidRequest)
}

func TestExecutor_PanicIsTerminal(t *testing.T) {
	e := newTestExecutor(t, 1)
	f := e.Submit(context.Background(), func(context.Context) (any, error) {
		panic("nil map")
	}, PriorityNormal)

	_, err := f.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrOperationPanic)
	assert.Equal(t, 1, f.Attempts())
}

func TestExecutor_StatsAndReset(t *testing.T) {
	e := newTestExecutor(t, 1)
	ok := e.Submit(context.Background(), func(context.Context) (any, error) { return nil, nil }, PriorityNormal)
	bad := e.Submit(context.Background(), func(context.Context) (any, error) { return nil, statusErr(401) }, PriorityNormal)
	_, _ = ok.Wait(waitCtx(t))
	_, _ = bad.Wait(waitCtx(t))

	s := e.Stats()
	assert.Equal(t, int64(2), s.TotalRequests)
	assert.Equal(t, int64(1), s.SuccessfulRequests)
	assert.Equal(t, int64(1), s.FailedRequests)
	assert.InDelta(t, 0.5, s.SuccessRate, 1e-9)

	e.ResetStats()
	assert.Equal(t, Stats{}, e.Stats())
}

func TestMetrics_ExponentialMovingAverage(t *testing.T) {
	var m metrics
	m.attempt(100 * time.Millisecond)
	m.attempt(200 * time.Millisecond)
	m.attempt(200 * time.Millisecond)

	s := m.snapshot()
	// 100 -> 0.8*100+0.2*200 = 120 -> 0.8*120+0.2*200 = 136
	assert.InDelta(t, float64(136*time.Millisecond), float64(s.AverageLatency), float64(time.Microsecond))
	assert.Equal(t, 200*time.Millisecond, s.LastLatency)
}

type recordingObserver struct {
	mu       sync.Mutex
	attempts int
	results  []int
}

func (o *recordingObserver) ObserveAttempt(time.Duration, error) {
	o.mu.Lock()
	o.attempts++
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveResult(_ Priority, attempts int, _ error) {
	o.mu.Lock()
	o.results = append(o.results, attempts)
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveQueue(int, int) {}

func TestExecutor_Observer(t *testing.T) {
	obs := &recordingObserver{}
	e := newTestExecutor(t, 1, WithObserver(obs))

	var calls atomic.Int32
	f := e.Submit(context.Background(), func(context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errBlip
		}
		return nil, nil
	}, PriorityHigh)
	_, err := f.Wait(waitCtx(t))
	require.NoError(t, err)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 2, obs.attempts)
	assert.Equal(t, []int{2}, obs.results)
}
