// Package datalayer composes the connection monitor, the request executor,
// the datastore and live sync into the one object the application talks to.
package datalayer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fifatracker/datalayer/internal/backoff"
	"github.com/fifatracker/datalayer/internal/connmon"
	"github.com/fifatracker/datalayer/internal/datastore"
	"github.com/fifatracker/datalayer/internal/events"
	"github.com/fifatracker/datalayer/internal/executor"
	"github.com/fifatracker/datalayer/internal/livesync"
	"github.com/fifatracker/datalayer/internal/metrics"
	"github.com/fifatracker/datalayer/internal/remote"
	"github.com/fifatracker/datalayer/internal/resettable"
	"github.com/fifatracker/datalayer/internal/scheduler"
	"github.com/fifatracker/datalayer/internal/session"
	"github.com/fifatracker/datalayer/pkg/logger"
)

// ErrNoDataSource is returned by New without a data source.
var ErrNoDataSource = errors.New("datalayer: data source is required")

// Config configures the layer.
type Config struct {
	Executor        executor.Config
	Monitor         connmon.Config
	LiveSync        livesync.Config
	LiveSyncEnabled bool

	SlowQueryThreshold time.Duration
	SlowQueryKeep      int

	// VisibilityGrace is how long the host may stay hidden before live sync is
	// torn down and the monitor paused.
	VisibilityGrace time.Duration
	// StatsSchedule is the cron spec of the periodic stats report. Empty
	// disables it.
	StatsSchedule string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Executor:           executor.DefaultConfig(),
		Monitor:            connmon.DefaultConfig(),
		LiveSync:           livesync.DefaultConfig(),
		LiveSyncEnabled:    true,
		SlowQueryThreshold: 2 * time.Second,
		SlowQueryKeep:      10,
		VisibilityGrace:    5 * time.Minute,
		StatsSchedule:      "@every 1m",
	}
}

// Deps are the collaborators the layer is built on. Only Source is required.
type Deps struct {
	Source     remote.DataSource
	Subscriber livesync.Subscriber
	Sessions   session.Provider
	// OnChange receives every inbound change, throttled.
	OnChange func(livesync.Change)
	// Refresh reloads the current view after the host becomes visible again.
	Refresh func(ctx context.Context)
	// Resettables are feature modules reset when the host becomes visible
	// with a live session.
	Resettables []resettable.Resettable

	Metrics *metrics.Collector
	Clock   scheduler.Clock
	Backoff *backoff.Scheduler
	Logger  *logger.Logger
}

// Stats is the diagnostics snapshot of the layer.
type Stats struct {
	Executor    executor.Stats   `json:"executor"`
	Connection  connmon.Snapshot `json:"connection"`
	LiveSync    livesync.State   `json:"live_sync"`
	Visible     bool             `json:"visible"`
	SlowQueries int              `json:"slow_queries"`
	Uptime      time.Duration    `json:"uptime"`
}

// Layer is the data access layer.
type Layer struct {
	cfg      Config
	log      *logger.Logger
	tasks    *scheduler.Group
	started  time.Time
	sessions session.Provider
	refresh  func(context.Context)
	metrics  *metrics.Collector

	exec        *executor.Executor
	monitor     *connmon.Monitor
	store       *datastore.Store
	sync        *livesync.Manager
	resettables *resettable.Registry
	cron        *cron.Cron

	mu          sync.Mutex
	running     bool
	closed      bool
	visible     bool
	hidden      *scheduler.Token
	tornDown    bool
	unsubscribe func()
}

// New composes a layer. Call Start to begin monitoring.
func New(deps Deps, cfg Config) (*Layer, error) {
	if deps.Source == nil {
		return nil, ErrNoDataSource
	}
	if cfg.VisibilityGrace <= 0 {
		cfg.VisibilityGrace = DefaultConfig().VisibilityGrace
	}

	log := logger.OrDefault(deps.Logger, "datalayer")
	delays := deps.Backoff
	if delays == nil {
		delays = backoff.NewRandomScheduler()
	}

	l := &Layer{
		cfg:         cfg,
		log:         log,
		tasks:       scheduler.NewGroup(deps.Clock),
		sessions:    deps.Sessions,
		refresh:     deps.Refresh,
		metrics:     deps.Metrics,
		visible:     true,
		resettables: resettable.NewRegistry(log),
	}
	l.started = l.tasks.Clock().Now()

	execOpts := []executor.Option{executor.WithBackoff(delays), executor.WithLogger(log)}
	if deps.Metrics != nil {
		execOpts = append(execOpts, executor.WithObserver(deps.Metrics))
	}
	l.exec = executor.New(cfg.Executor, execOpts...)

	slow := datastore.NewSlowLog(cfg.SlowQueryThreshold, cfg.SlowQueryKeep, log)
	if deps.Metrics != nil {
		slow.OnSlow(func(datastore.SlowQuery) { deps.Metrics.RecordSlowQuery() })
	}
	l.store = datastore.New(deps.Source, l.exec, datastore.WithSlowLog(slow), datastore.WithLogger(log))

	l.monitor = connmon.New(cfg.Monitor, connmon.ProberFunc(l.store.Probe),
		connmon.WithClock(l.tasks.Clock()),
		connmon.WithBackoff(delays),
		connmon.WithLogger(log),
		connmon.WithKeepAlive(connmon.ProberFunc(l.keepAlive)),
	)
	if deps.Metrics != nil {
		l.monitor.AddListener(deps.Metrics.RecordStatusEvent)
	}

	if deps.Subscriber != nil && cfg.LiveSyncEnabled {
		onChange := deps.OnChange
		if onChange == nil {
			onChange = func(livesync.Change) {}
		}
		l.sync = livesync.New(cfg.LiveSync, deps.Subscriber, l.monitor, onChange,
			livesync.WithClock(l.tasks.Clock()),
			livesync.WithLogger(log),
		)
	}

	l.resettables.Register(deps.Resettables...)

	if cfg.StatsSchedule != "" {
		l.cron = cron.New()
		if _, err := l.cron.AddFunc(cfg.StatsSchedule, l.reportStats); err != nil {
			return nil, fmt.Errorf("stats schedule %q: %w", cfg.StatsSchedule, err)
		}
	}
	return l, nil
}

// Start begins health checks and, when a session exists or no session
// provider is configured, opens live sync.
func (l *Layer) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return executor.ErrClosed
	}
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	if l.sessions != nil {
		l.unsubscribe = l.sessions.OnAuthStateChange(l.HandleAuthEvent)
	}
	l.mu.Unlock()

	l.monitor.Start()
	if l.cron != nil {
		l.cron.Start()
	}
	if l.hasSession(ctx) {
		return l.startSync(ctx)
	}
	return nil
}

// IsAvailable reports whether the monitor believes the backend is reachable.
func (l *Layer) IsAvailable() bool { return l.monitor.IsAvailable() }

// Submit queues an arbitrary operation on the executor.
func (l *Layer) Submit(ctx context.Context, op executor.Operation, priority executor.Priority) *executor.Future {
	return l.exec.Submit(ctx, op, priority)
}

// Store returns the validated CRUD surface.
func (l *Layer) Store() *datastore.Store { return l.store }

// Monitor returns the connection monitor.
func (l *Layer) Monitor() *connmon.Monitor { return l.monitor }

// AddListener registers fn for connectivity events.
func (l *Layer) AddListener(fn func(connmon.StatusEvent)) events.ListenerID {
	return l.monitor.AddListener(fn)
}

// RemoveListener removes a listener added with AddListener.
func (l *Layer) RemoveListener(id events.ListenerID) bool {
	return l.monitor.RemoveListener(id)
}

// Pause suspends health checks.
func (l *Layer) Pause() {
	l.monitor.Pause()
	if l.metrics != nil {
		l.metrics.RecordStatus(l.monitor.Status())
	}
}

// Resume restarts health checks and releases held back resubscribes.
func (l *Layer) Resume(ctx context.Context) {
	l.monitor.Resume(ctx)
	if l.sync != nil {
		l.sync.Resume(ctx)
	}
}

// SetVisible records host visibility. Staying hidden past the grace period
// stops live sync and pauses the monitor. Becoming visible again resumes the
// monitor and, with a live session, resets feature state, restarts live sync
// and refreshes the view.
func (l *Layer) SetVisible(ctx context.Context, visible bool) {
	l.mu.Lock()
	if l.closed || l.visible == visible {
		l.mu.Unlock()
		return
	}
	l.visible = visible
	if l.sync != nil {
		l.sync.SetVisible(visible)
	}
	if !visible {
		l.hidden = l.tasks.After(l.cfg.VisibilityGrace, l.teardown)
		l.mu.Unlock()
		l.log.Debug("host hidden")
		return
	}
	l.hidden.Cancel()
	l.hidden = nil
	l.tornDown = false
	l.mu.Unlock()

	l.log.Debug("host visible")
	l.Resume(ctx)
	if !l.hasSession(ctx) {
		return
	}
	if err := l.ResetAll(ctx); err != nil {
		l.log.WithError(err).Warn("feature reset failed")
	}
	if err := l.startSync(ctx); err != nil {
		l.log.WithError(err).Warn("live sync restart failed")
	}
	if l.refresh != nil {
		l.refresh(ctx)
	}
}

func (l *Layer) teardown() {
	l.mu.Lock()
	if l.closed || l.visible {
		l.mu.Unlock()
		return
	}
	l.tornDown = true
	l.hidden = nil
	l.mu.Unlock()

	l.log.Info("host hidden past grace period, releasing live sync")
	l.stopSync()
	l.Pause()
}

// HandleAuthEvent applies a session lifecycle event. A failed refresh raises
// SessionExpired on the monitor.
func (l *Layer) HandleAuthEvent(ev session.Event) {
	ctx := context.Background()
	l.log.WithField("event", ev.Type.String()).Debug("auth state changed")

	switch ev.Type {
	case session.SignedIn:
		l.exec.ResetStats()
		l.monitor.SessionRestored(ctx)
		if err := l.startSync(ctx); err != nil {
			l.log.WithError(err).Warn("live sync start failed")
		}
	case session.SignedOut:
		l.exec.ResetStats()
		l.stopSync()
	case session.TokenRefreshed:
		if ev.Failed() {
			l.monitor.SessionExpired()
			return
		}
		l.monitor.SessionRestored(ctx)
	}
}

// Stats returns a diagnostics snapshot.
func (l *Layer) Stats() Stats {
	l.mu.Lock()
	visible := l.visible
	l.mu.Unlock()

	st := Stats{
		Executor:    l.exec.Stats(),
		Connection:  l.monitor.Snapshot(),
		LiveSync:    livesync.StateIdle,
		Visible:     visible,
		SlowQueries: len(l.store.SlowLog().Entries()),
		Uptime:      l.tasks.Clock().Now().Sub(l.started),
	}
	if l.sync != nil {
		st.LiveSync = l.sync.State()
	}
	return st
}

// SlowQueries returns the recorded slow operations.
func (l *Layer) SlowQueries() []datastore.SlowQuery {
	return l.store.SlowLog().Entries()
}

// Resettables returns the reset registry. Feature modules register here.
func (l *Layer) Resettables() *resettable.Registry { return l.resettables }

// ResetAll resets every registered feature module. Executor metrics and the
// slow-query log are not part of it; see ResetStats.
func (l *Layer) ResetAll(ctx context.Context) error {
	return l.resettables.ResetAll(ctx)
}

// ResetStats clears the executor metrics and the slow-query log.
func (l *Layer) ResetStats(ctx context.Context) error {
	l.exec.ResetStats()
	return l.store.SlowLog().Reset(ctx)
}

// LiveSync returns the subscription manager, or nil when disabled.
func (l *Layer) LiveSync() *livesync.Manager { return l.sync }

// Close stops live sync, destroys the monitor and drains the executor.
func (l *Layer) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.tasks.CancelAll()
	unsubscribe := l.unsubscribe
	l.unsubscribe = nil
	l.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if l.cron != nil {
		<-l.cron.Stop().Done()
	}
	l.stopSync()
	l.monitor.Destroy()
	l.exec.Close()
	l.log.Info("data layer closed")
	return nil
}

func (l *Layer) hasSession(ctx context.Context) bool {
	if l.sessions == nil {
		return true
	}
	s, err := l.sessions.Current(ctx)
	return err == nil && s != nil
}

func (l *Layer) startSync(ctx context.Context) error {
	if l.sync == nil {
		return nil
	}
	err := l.sync.Start(ctx)
	l.recordSync()
	return err
}

func (l *Layer) stopSync() {
	if l.sync == nil {
		return
	}
	l.sync.Stop()
	l.recordSync()
}

func (l *Layer) recordSync() {
	if l.metrics != nil && l.sync != nil {
		l.metrics.RecordSyncState(l.sync.State())
	}
}

// keepAlive touches the session and the backend so neither idles out.
func (l *Layer) keepAlive(ctx context.Context) error {
	if l.sessions != nil {
		if _, err := l.sessions.Current(ctx); err != nil {
			return err
		}
	}
	return l.store.Probe(ctx)
}

func (l *Layer) reportStats() {
	st := l.Stats()
	if l.metrics != nil {
		l.metrics.RecordStatus(st.Connection.Status)
		l.metrics.UpdateUptime()
		l.recordSync()
	}
	if st.Executor.TotalRequests == 0 {
		return
	}
	l.log.WithFields(map[string]interface{}{
		"total":       st.Executor.TotalRequests,
		"success":     st.Executor.SuccessfulRequests,
		"failed":      st.Executor.FailedRequests,
		"avg_latency": st.Executor.AverageLatency,
		"status":      st.Connection.Status.String(),
		"live_sync":   st.LiveSync.String(),
	}).Info("data layer stats")
}
