package datalayer

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fifatracker/datalayer/internal/backoff"
	"github.com/fifatracker/datalayer/internal/connmon"
	"github.com/fifatracker/datalayer/internal/executor"
	"github.com/fifatracker/datalayer/internal/livesync"
	"github.com/fifatracker/datalayer/internal/metrics"
	"github.com/fifatracker/datalayer/internal/remote"
	"github.com/fifatracker/datalayer/internal/resettable"
	"github.com/fifatracker/datalayer/internal/scheduler"
	"github.com/fifatracker/datalayer/internal/session"
	"github.com/fifatracker/datalayer/pkg/logger"
	"github.com/fifatracker/datalayer/pkg/testutil"
)

type harness struct {
	layer    *Layer
	clock    *scheduler.ManualClock
	source   *testutil.MockDataSource
	sub      *testutil.MockSubscriber
	sessions *session.Store
	refresh  int
	resets   int
	changes  []livesync.Change

	mu     sync.Mutex
	events []connmon.StatusEvent
}

type harnessOption func(*Deps, *Config)

func withSessions(s *session.Store) harnessOption {
	return func(d *Deps, _ *Config) { d.Sessions = s }
}

func withMetrics(c *metrics.Collector) harnessOption {
	return func(d *Deps, _ *Config) { d.Metrics = c }
}

func withLogger(l *logger.Logger) harnessOption {
	return func(d *Deps, _ *Config) { d.Logger = l }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		clock:  scheduler.NewManualClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)),
		source: testutil.NewMockDataSource(),
		sub:    testutil.NewMockSubscriber(),
	}

	cfg := DefaultConfig()
	cfg.LiveSync.Topics = []string{"players", "matches"}
	cfg.StatsSchedule = ""
	deps := Deps{
		Source:     h.source,
		Subscriber: h.sub,
		OnChange:   func(c livesync.Change) { h.changes = append(h.changes, c) },
		Refresh:    func(context.Context) { h.refresh++ },
		Resettables: []resettable.Resettable{
			resettable.Func("kader", func(context.Context) error { h.resets++; return nil }),
		},
		Clock:   h.clock,
		Backoff: backoff.NewScheduler(42),
		Logger:  logger.Discard(),
	}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}
	if deps.Sessions != nil {
		h.sessions, _ = deps.Sessions.(*session.Store)
	}

	l, err := New(deps, cfg)
	require.NoError(t, err)
	l.AddListener(func(ev connmon.StatusEvent) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})
	h.layer = l
	t.Cleanup(func() { _ = l.Close() })
	return h
}

func (h *harness) reasons() []connmon.Reason {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]connmon.Reason, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.Reason
	}
	return out
}

func TestNew_RequiresSource(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig())
	assert.ErrorIs(t, err, ErrNoDataSource)
}

func TestNew_InvalidStatsSchedule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StatsSchedule = "every once in a while"
	_, err := New(Deps{Source: testutil.NewMockDataSource(), Logger: logger.Discard()}, cfg)
	assert.Error(t, err)
}

func TestStart_OpensLiveSyncWithoutSessionProvider(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.layer.Start(context.Background()))

	assert.True(t, h.layer.IsAvailable())
	assert.Equal(t, []connmon.Reason{connmon.ReasonInitial}, h.reasons())
	require.Len(t, h.sub.Open(), 1)
	assert.Equal(t, []string{"players", "matches"}, h.sub.Open()[0].Topics())
	assert.Equal(t, livesync.StateActive, h.layer.Stats().LiveSync)

	h.sub.Open()[0].Emit(livesync.Change{Topic: "players", Event: "UPDATE"})
	require.Len(t, h.changes, 1)
}

func TestSubmitAndStore_RunThroughExecutor(t *testing.T) {
	h := newHarness(t)
	h.source.SetRows("players", remote.Row{"id": 1}, remote.Row{"id": 2})
	require.NoError(t, h.layer.Start(context.Background()))

	val, err := h.layer.Submit(context.Background(), func(context.Context) (any, error) {
		return "ok", nil
	}, executor.PriorityHigh).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", val)

	rows, err := h.layer.Store().Select(context.Background(), remote.Query{Resource: "players"}, executor.PriorityNormal)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	_, err = h.layer.Store().Delete(context.Background(), "players", nil)
	assert.ErrorIs(t, err, remote.ErrUnscopedMutation)
	assert.Empty(t, h.source.Mutations())

	st := h.layer.Stats()
	assert.EqualValues(t, 2, st.Executor.TotalRequests)
	assert.EqualValues(t, 2, st.Executor.SuccessfulRequests)
	assert.True(t, st.Visible)
}

func TestHealthCheck_FailureAndRecovery(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.layer.Start(context.Background()))

	h.source.Fail(nil)
	h.clock.Advance(DefaultConfig().Monitor.HealthCheckInterval)
	assert.False(t, h.layer.IsAvailable())
	assert.Contains(t, h.reasons(), connmon.ReasonReconnecting)

	h.source.Recover()
	next, ok := h.clock.NextDeadline()
	require.True(t, ok)
	h.clock.Advance(next.Sub(h.clock.Now()))

	assert.True(t, h.layer.IsAvailable())
	assert.Equal(t, connmon.ReasonReconnected, h.reasons()[len(h.reasons())-1])
}

func TestSetVisible_GracePeriodTearsDown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.layer.Start(ctx))
	first := h.sub.Open()[0]

	h.layer.SetVisible(ctx, false)
	h.clock.Advance(5*time.Minute - time.Second)
	assert.False(t, first.Closed())
	assert.Equal(t, connmon.StatusConnected, h.layer.Monitor().Status())

	h.clock.Advance(time.Second)
	assert.True(t, first.Closed())
	assert.Empty(t, h.sub.Open())
	assert.Equal(t, connmon.StatusPaused, h.layer.Monitor().Status())
	assert.False(t, h.layer.Stats().Visible)

	events := len(h.reasons())
	h.layer.SetVisible(ctx, true)
	assert.Equal(t, connmon.StatusConnected, h.layer.Monitor().Status())
	assert.Len(t, h.reasons(), events, "resume while connected is silent")
	require.Len(t, h.sub.Open(), 1)
	assert.Equal(t, 1, h.resets)
	assert.Equal(t, 1, h.refresh)
}

func TestSetVisible_ShortHideKeepsMonitorRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.layer.Start(ctx))

	h.layer.SetVisible(ctx, false)
	h.clock.Advance(time.Minute)
	h.layer.SetVisible(ctx, true)
	h.clock.Advance(10 * time.Minute)

	assert.Equal(t, connmon.StatusConnected, h.layer.Monitor().Status())
	assert.Len(t, h.sub.Open(), 1)
	assert.Len(t, h.sub.Handles(), 2, "becoming visible restarts live sync")
	assert.Equal(t, 1, h.refresh)

	// Repeating the current visibility is a no-op.
	h.layer.SetVisible(ctx, true)
	assert.Equal(t, 1, h.refresh)
}

func TestAuthEvents(t *testing.T) {
	store := session.NewStore(logger.Discard())
	h := newHarness(t, withSessions(store))
	ctx := context.Background()
	require.NoError(t, h.layer.Start(ctx))
	assert.Empty(t, h.sub.Handles(), "no live sync before sign in")

	s := &session.Session{AccessToken: "a", RefreshToken: "r", UserID: "u"}
	store.Publish(session.Event{Type: session.SignedIn, Session: s})
	require.Len(t, h.sub.Open(), 1)

	store.Publish(session.Event{Type: session.TokenRefreshed})
	assert.False(t, h.layer.IsAvailable())
	assert.True(t, h.layer.Monitor().Snapshot().SessionExpired)
	assert.Equal(t, connmon.ReasonSessionExpired, h.reasons()[len(h.reasons())-1])

	store.Publish(session.Event{Type: session.SignedIn, Session: s})
	assert.True(t, h.layer.IsAvailable())
	assert.False(t, h.layer.Monitor().Snapshot().SessionExpired)

	store.Publish(session.Event{Type: session.SignedOut})
	assert.Empty(t, h.sub.Open())
	assert.Equal(t, livesync.StateClosed, h.layer.Stats().LiveSync)
}

func TestAuthEvents_SignInResetsStats(t *testing.T) {
	store := session.NewStore(logger.Discard())
	h := newHarness(t, withSessions(store))
	require.NoError(t, h.layer.Start(context.Background()))

	_, err := h.layer.Submit(context.Background(), func(context.Context) (any, error) { return nil, nil }, executor.PriorityNormal).Wait(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, h.layer.Stats().Executor.TotalRequests)

	store.Publish(session.Event{Type: session.SignedIn, Session: &session.Session{AccessToken: "a"}})
	assert.Zero(t, h.layer.Stats().Executor.TotalRequests)
}

func TestSetVisible_KeepsExecutorStatsAndSlowLog(t *testing.T) {
	store := session.NewStore(logger.Discard())
	h := newHarness(t, withSessions(store))
	ctx := context.Background()
	require.NoError(t, h.layer.Start(ctx))
	store.Publish(session.Event{Type: session.SignedIn, Session: &session.Session{AccessToken: "a"}})

	_, err := h.layer.Submit(ctx, func(context.Context) (any, error) { return nil, nil }, executor.PriorityNormal).Wait(ctx)
	require.NoError(t, err)
	h.layer.Store().SlowLog().Observe("select players", time.Minute, nil)
	require.EqualValues(t, 1, h.layer.Stats().Executor.TotalRequests)

	h.layer.SetVisible(ctx, false)
	h.clock.Advance(5 * time.Minute)
	h.layer.SetVisible(ctx, true)

	assert.Equal(t, 1, h.resets, "feature modules are reset")
	assert.EqualValues(t, 1, h.layer.Stats().Executor.TotalRequests)
	assert.Len(t, h.layer.SlowQueries(), 1)
	assert.Equal(t, []string{"kader"}, h.layer.Resettables().Names())

	require.NoError(t, h.layer.ResetStats(ctx))
	assert.Zero(t, h.layer.Stats().Executor.TotalRequests)
	assert.Empty(t, h.layer.SlowQueries())
}

func TestHidden_ResumeWithoutSessionSkipsReset(t *testing.T) {
	store := session.NewStore(logger.Discard())
	h := newHarness(t, withSessions(store))
	ctx := context.Background()
	require.NoError(t, h.layer.Start(ctx))

	h.layer.SetVisible(ctx, false)
	h.clock.Advance(5 * time.Minute)
	h.layer.SetVisible(ctx, true)

	assert.Zero(t, h.resets)
	assert.Zero(t, h.refresh)
	assert.Equal(t, connmon.StatusConnected, h.layer.Monitor().Status())
}

func TestMetricsWiring(t *testing.T) {
	collector := metrics.NewCollector("fifa")
	h := newHarness(t, withMetrics(collector))
	require.NoError(t, h.layer.Start(context.Background()))

	_, err := h.layer.Submit(context.Background(), func(context.Context) (any, error) { return nil, nil }, executor.PriorityNormal).Wait(context.Background())
	require.NoError(t, err)
	h.layer.reportStats()

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `fifa_connection_events_total{reason="initial"} 1`)
	assert.Contains(t, string(body), `fifa_executor_requests_total{priority="normal",result="success"} 1`)
	assert.Contains(t, string(body), "fifa_livesync_state 2")
}

func TestReportStats_OnlyWithTraffic(t *testing.T) {
	var buf bytes.Buffer
	h := newHarness(t, withLogger(logger.New(logger.Config{Output: &buf, Format: "json", Level: "info"})))
	require.NoError(t, h.layer.Start(context.Background()))

	buf.Reset()
	h.layer.reportStats()
	assert.NotContains(t, buf.String(), "data layer stats")

	_, err := h.layer.Submit(context.Background(), func(context.Context) (any, error) {
		return nil, remote.ErrMissingPayload
	}, executor.PriorityNormal).Wait(context.Background())
	require.Error(t, err)

	h.layer.reportStats()
	assert.Contains(t, buf.String(), "data layer stats")
	assert.Contains(t, buf.String(), `"failed":1`)
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.layer.Start(context.Background()))

	require.NoError(t, h.layer.Close())
	require.NoError(t, h.layer.Close())
	assert.Empty(t, h.sub.Open())
	assert.Zero(t, h.clock.Pending())

	_, err := h.layer.Submit(context.Background(), func(context.Context) (any, error) { return nil, nil }, executor.PriorityNormal).Wait(context.Background())
	assert.ErrorIs(t, err, executor.ErrClosed)
	assert.ErrorIs(t, h.layer.Start(context.Background()), executor.ErrClosed)
}
