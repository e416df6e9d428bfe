// Package connmon tracks whether the backend is reachable. It probes on a
// fixed interval, keeps idle sessions alive, drives a backoff reconnect loop
// and broadcasts every transition to registered listeners.
package connmon

import (
	"context"
	"sync"
	"time"

	"github.com/fifatracker/datalayer/internal/backoff"
	"github.com/fifatracker/datalayer/internal/events"
	"github.com/fifatracker/datalayer/internal/scheduler"
	"github.com/fifatracker/datalayer/pkg/logger"
)

// Prober issues one lightweight read against the backend.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe calls f(ctx).
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Config holds monitor timing.
type Config struct {
	// HealthCheckInterval is the period of the reachability probe.
	HealthCheckInterval time.Duration
	// KeepAliveInterval is the period of the idle-session heartbeat.
	KeepAliveInterval time.Duration
	// ProbeTimeout bounds one probe.
	ProbeTimeout time.Duration
	// Reconnect drives the delay between reconnect attempts.
	Reconnect backoff.Policy
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 30 * time.Second,
		KeepAliveInterval:   4 * time.Minute,
		ProbeTimeout:        10 * time.Second,
		Reconnect: backoff.Policy{
			MaxAttempts:    5,
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			JitterFraction: 0.1,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = def.KeepAliveInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = def.Reconnect.BaseDelay
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = def.Reconnect.MaxDelay
	}
	return c
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the time source for every timer the monitor arms.
func WithClock(c scheduler.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithBackoff sets the delay source for the reconnect loop.
func WithBackoff(s *backoff.Scheduler) Option {
	return func(m *Monitor) { m.delays = s }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// WithKeepAlive sets a separate prober for the heartbeat. By default the
// heartbeat reuses the health prober.
func WithKeepAlive(p Prober) Option {
	return func(m *Monitor) { m.keepAlive = p }
}

// Monitor owns the connectivity status. It never returns errors: every
// failure is reported through StatusEvent.
type Monitor struct {
	cfg       Config
	prober    Prober
	keepAlive Prober
	delays    *backoff.Scheduler
	clock     scheduler.Clock
	tasks     *scheduler.Group
	listeners *events.Registry[StatusEvent]
	log       *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	status      Status
	preserved   Status
	attempts    int
	offline     bool
	expired     bool
	started     bool
	destroyed   bool
	lastSuccess time.Time
	reconnect   *scheduler.Token
}

// New creates a monitor in the Connected state. Call Start to begin probing.
func New(cfg Config, prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:    cfg.withDefaults(),
		prober: prober,
		status: StatusConnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = scheduler.RealClock()
	}
	if m.delays == nil {
		m.delays = backoff.NewRandomScheduler()
	}
	if m.keepAlive == nil {
		m.keepAlive = prober
	}
	m.log = logger.OrDefault(m.log, "connmon")
	m.tasks = scheduler.NewGroup(m.clock)
	m.listeners = events.NewRegistry[StatusEvent](m.log)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Start emits the Initial event and arms the health check and keep-alive.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started || m.destroyed {
		m.mu.Unlock()
		return
	}
	m.started = true
	if m.status != StatusPaused {
		m.armLocked()
	}
	ev := m.eventLocked(ReasonInitial)
	m.mu.Unlock()

	m.log.WithField("health_interval", m.cfg.HealthCheckInterval).Info("connection monitor started")
	m.emit(ev)
}

// AddListener registers fn for every subsequent StatusEvent.
func (m *Monitor) AddListener(fn func(StatusEvent)) events.ListenerID {
	return m.listeners.Add(fn)
}

// RemoveListener deregisters a listener.
func (m *Monitor) RemoveListener(id events.ListenerID) bool {
	return m.listeners.Remove(id)
}

// Status returns the current status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsAvailable reports whether the backend is believed reachable and
// monitoring is not paused.
func (m *Monitor) IsAvailable() bool {
	return m.Status() == StatusConnected
}

// Snapshot returns the monitor state for diagnostics.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Status:         m.status,
		Connected:      m.status == StatusConnected,
		Paused:         m.status == StatusPaused,
		Offline:        m.offline,
		SessionExpired: m.expired,
		Attempts:       m.attempts,
		LastSuccess:    m.lastSuccess,
	}
	if !m.lastSuccess.IsZero() {
		s.SinceLastSuccess = m.clock.Now().Sub(m.lastSuccess)
	}
	return s
}

// Probe issues one reachability read and applies the result. It is a no-op
// returning false while paused. A result arriving after Pause is discarded.
func (m *Monitor) Probe(ctx context.Context) bool {
	m.mu.Lock()
	if m.status == StatusPaused || m.destroyed {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	err := m.run(ctx, m.prober)

	m.mu.Lock()
	if m.status == StatusPaused || m.destroyed {
		m.mu.Unlock()
		return err == nil
	}
	var (
		ev   StatusEvent
		emit bool
	)
	if err == nil {
		m.lastSuccess = m.clock.Now()
		m.offline = false
		if !m.expired && (m.status == StatusDisconnected || m.status == StatusReconnecting) {
			m.status = StatusConnected
			m.attempts = 0
			m.reconnect.Cancel()
			m.reconnect = nil
			ev, emit = m.eventLocked(ReasonReconnected), true
		}
	} else if m.status == StatusConnected {
		m.status = StatusDisconnected
		ev, emit = m.eventLocked(ReasonConnectionLost), true
		ev.Err = err
	}
	m.mu.Unlock()

	if err != nil {
		m.log.WithError(err).Debug("probe failed")
	}
	if emit {
		if ev.Reason == ReasonReconnected {
			m.log.Info("connection restored")
		} else {
			m.log.WithError(err).Warn("connection lost")
		}
		m.emit(ev)
	}
	return err == nil
}

// AttemptReconnect runs one step of the reconnect loop. It only acts while
// Disconnected or Reconnecting, and not while offline or session-expired.
func (m *Monitor) AttemptReconnect(ctx context.Context) {
	m.mu.Lock()
	if !m.canReconnectLocked() {
		m.mu.Unlock()
		return
	}
	m.reconnect.Cancel()
	m.reconnect = nil
	m.attempts++
	attempt := m.attempts
	m.status = StatusReconnecting
	m.mu.Unlock()

	if m.Probe(ctx) {
		return
	}

	m.mu.Lock()
	if m.status != StatusReconnecting || !m.canReconnectLocked() || m.reconnect != nil {
		m.mu.Unlock()
		return
	}
	var ev StatusEvent
	if attempt >= m.cfg.Reconnect.MaxAttempts {
		ev = m.eventLocked(ReasonMaxAttemptsReached)
		ev.NextRetryAt = ev.Timestamp.Add(m.cfg.Reconnect.MaxDelay)
		m.scheduleReconnectLocked(m.cfg.Reconnect.MaxDelay, true)
	} else {
		delay := m.delays.NextDelay(attempt, m.cfg.Reconnect)
		ev = m.eventLocked(ReasonReconnecting)
		ev.NextRetryAt = ev.Timestamp.Add(delay)
		m.scheduleReconnectLocked(delay, false)
	}
	ev.Attempt = attempt
	m.mu.Unlock()

	m.log.WithField("attempt", attempt).
		WithField("next_retry_at", ev.NextRetryAt).
		Info("reconnect attempt failed")
	m.emit(ev)
}

// Pause cancels every pending timer and preserves the current status for
// Resume. It emits nothing. In-flight probes complete but are discarded.
func (m *Monitor) Pause() {
	m.mu.Lock()
	if m.destroyed || m.status == StatusPaused {
		m.mu.Unlock()
		return
	}
	m.preserved = m.status
	m.status = StatusPaused
	m.tasks.CancelAll()
	m.reconnect = nil
	m.mu.Unlock()

	m.log.Debug("connection monitor paused")
}

// Resume restores the preserved status and re-arms the timers. When the
// preserved status was not Connected it probes once; if that probe fails the
// reconnect loop is re-armed at the current attempt's delay without emitting.
func (m *Monitor) Resume(ctx context.Context) {
	m.mu.Lock()
	if m.destroyed || m.status != StatusPaused {
		m.mu.Unlock()
		return
	}
	m.status = m.preserved
	if m.started {
		m.armLocked()
	}
	needProbe := m.status != StatusConnected
	m.mu.Unlock()

	m.log.Debug("connection monitor resumed")
	if !needProbe || m.Probe(ctx) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.canReconnectLocked() || m.reconnect != nil {
		return
	}
	if m.attempts >= m.cfg.Reconnect.MaxAttempts {
		m.scheduleReconnectLocked(m.cfg.Reconnect.MaxDelay, true)
		return
	}
	attempt := m.attempts
	if attempt < 1 {
		attempt = 1
	}
	m.scheduleReconnectLocked(m.delays.NextDelay(attempt, m.cfg.Reconnect), false)
}

// NetworkOffline forces Disconnected without probing and stops the
// reconnect loop until NetworkOnline.
func (m *Monitor) NetworkOffline() {
	m.mu.Lock()
	if m.destroyed || m.offline {
		m.mu.Unlock()
		return
	}
	m.offline = true
	m.forceDownLocked()
	ev := m.eventLocked(ReasonNetworkOffline)
	m.mu.Unlock()

	m.log.Warn("network offline")
	m.emit(ev)
}

// NetworkOnline probes immediately and starts the reconnect loop on failure.
func (m *Monitor) NetworkOnline(ctx context.Context) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.offline = false
	paused := m.status == StatusPaused
	m.mu.Unlock()

	m.log.Info("network online")
	if paused {
		return
	}
	if !m.Probe(ctx) {
		m.AttemptReconnect(ctx)
	}
}

// SessionExpired forces Disconnected. No automatic reconnection happens until
// SessionRestored.
func (m *Monitor) SessionExpired() {
	m.mu.Lock()
	if m.destroyed || m.expired {
		m.mu.Unlock()
		return
	}
	m.expired = true
	m.forceDownLocked()
	ev := m.eventLocked(ReasonSessionExpired)
	m.mu.Unlock()

	m.log.Warn("session expired")
	m.emit(ev)
}

// SessionRestored lifts the session-expired block and probes.
func (m *Monitor) SessionRestored(ctx context.Context) {
	m.mu.Lock()
	if m.destroyed || !m.expired {
		m.mu.Unlock()
		return
	}
	m.expired = false
	paused := m.status == StatusPaused
	m.mu.Unlock()

	if paused {
		return
	}
	if !m.Probe(ctx) {
		m.AttemptReconnect(ctx)
	}
}

// Destroy cancels every timer and clears listeners. It is idempotent.
func (m *Monitor) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.tasks.CancelAll()
	m.reconnect = nil
	m.mu.Unlock()

	m.cancel()
	m.listeners.Clear()
	m.log.Debug("connection monitor destroyed")
}

func (m *Monitor) healthTick() {
	m.mu.Lock()
	status := m.status
	pending := m.reconnect.Active()
	blocked := m.offline || m.expired || m.destroyed
	m.mu.Unlock()

	switch {
	case status == StatusConnected:
		if !m.Probe(m.ctx) {
			m.AttemptReconnect(m.ctx)
		}
	case status == StatusDisconnected && !pending && !blocked:
		m.AttemptReconnect(m.ctx)
	}
}

func (m *Monitor) keepAliveTick() {
	m.mu.Lock()
	skip := m.status != StatusConnected || m.destroyed
	m.mu.Unlock()
	if skip {
		return
	}
	if err := m.run(m.ctx, m.keepAlive); err != nil {
		m.log.WithError(err).Warn("keep-alive failed")
		return
	}
	m.log.Debug("keep-alive ok")
}

func (m *Monitor) run(ctx context.Context, p Prober) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	return p.Probe(ctx)
}

func (m *Monitor) armLocked() {
	m.tasks.Every(m.cfg.HealthCheckInterval, m.healthTick)
	m.tasks.Every(m.cfg.KeepAliveInterval, m.keepAliveTick)
}

func (m *Monitor) scheduleReconnectLocked(delay time.Duration, reset bool) {
	m.reconnect = m.tasks.After(delay, func() {
		if reset {
			m.mu.Lock()
			m.attempts = 0
			m.mu.Unlock()
		}
		m.AttemptReconnect(m.ctx)
	})
}

func (m *Monitor) forceDownLocked() {
	m.reconnect.Cancel()
	m.reconnect = nil
	m.attempts = 0
	if m.status == StatusPaused {
		m.preserved = StatusDisconnected
	} else {
		m.status = StatusDisconnected
	}
}

func (m *Monitor) canReconnectLocked() bool {
	if m.destroyed || m.offline || m.expired {
		return false
	}
	return m.status == StatusDisconnected || m.status == StatusReconnecting
}

func (m *Monitor) eventLocked(reason Reason) StatusEvent {
	return StatusEvent{
		Connected: m.status == StatusConnected,
		Reason:    reason,
		Timestamp: m.clock.Now(),
	}
}

func (m *Monitor) emit(ev StatusEvent) {
	m.listeners.Notify(ev)
}
