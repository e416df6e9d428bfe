// Package livesync keeps exactly one push subscription open over a set of
// change topics. It tears the subscription down and recreates it after
// channel errors or closes, and holds back while the connection monitor is
// paused or disconnected or while the host is hidden.
package livesync

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fifatracker/datalayer/internal/connmon"
	"github.com/fifatracker/datalayer/internal/events"
	"github.com/fifatracker/datalayer/internal/scheduler"
	"github.com/fifatracker/datalayer/pkg/logger"
)

// ErrNoTopics is returned by Start when no topic is configured.
var ErrNoTopics = errors.New("livesync: at least one topic is required")

// Monitor is the part of the connection monitor the manager consults.
type Monitor interface {
	Status() connmon.Status
	AddListener(fn func(connmon.StatusEvent)) events.ListenerID
	RemoveListener(id events.ListenerID) bool
}

// Config configures a Manager.
type Config struct {
	// Topics are the change feeds to subscribe to.
	Topics []string
	// ErroredRetryDelay is the wait before resubscribing after a channel error.
	ErroredRetryDelay time.Duration
	// ClosedRetryDelay is the wait before resubscribing after a channel close.
	ClosedRetryDelay time.Duration
	// ChangeRate caps change callbacks per second. The last change inside a
	// throttled window is always delivered; earlier ones in it are dropped.
	// Zero delivers every change unthrottled.
	ChangeRate rate.Limit
}

// DefaultConfig returns the default manager configuration without topics.
func DefaultConfig() Config {
	return Config{
		ErroredRetryDelay: 5 * time.Second,
		ClosedRetryDelay:  2 * time.Second,
		ChangeRate:        10,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source for retry timers and throttling.
func WithClock(c scheduler.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager owns the single live subscription.
type Manager struct {
	cfg      Config
	sub      Subscriber
	mon      Monitor
	onChange func(Change)
	clock    scheduler.Clock
	tasks    *scheduler.Group
	limiter  *rate.Limiter
	log      *logger.Logger

	mu         sync.Mutex
	ctx        context.Context
	state      State
	handle     Handle
	gen        uint64
	started    bool
	visible    bool
	suppressed bool
	retry      *scheduler.Token
	trailing   *scheduler.Token
	latest     *Change
	listener   events.ListenerID
}

// New creates a manager. onChange receives every change notification for any
// topic, throttled by cfg.ChangeRate when it is positive.
func New(cfg Config, sub Subscriber, mon Monitor, onChange func(Change), opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.ErroredRetryDelay <= 0 {
		cfg.ErroredRetryDelay = def.ErroredRetryDelay
	}
	if cfg.ClosedRetryDelay <= 0 {
		cfg.ClosedRetryDelay = def.ClosedRetryDelay
	}
	switch {
	case cfg.ChangeRate < 0:
		cfg.ChangeRate = def.ChangeRate
	case cfg.ChangeRate == 0:
		cfg.ChangeRate = rate.Inf
	}
	if onChange == nil {
		onChange = func(Change) {}
	}
	m := &Manager{
		cfg:      cfg,
		sub:      sub,
		mon:      mon,
		onChange: onChange,
		visible:  true,
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = scheduler.RealClock()
	}
	m.log = logger.OrDefault(m.log, "livesync")
	m.tasks = scheduler.NewGroup(m.clock)
	m.limiter = rate.NewLimiter(cfg.ChangeRate, 1)
	return m
}

// Start opens the subscription, tearing down any existing one first. A failed
// open leaves the manager Errored with a retry scheduled.
func (m *Manager) Start(ctx context.Context) error {
	if len(m.cfg.Topics) == 0 {
		return ErrNoTopics
	}
	m.mu.Lock()
	m.started = true
	m.ctx = context.WithoutCancel(ctx)
	if m.listener == 0 && m.mon != nil {
		m.listener = m.mon.AddListener(m.onMonitorEvent)
	}
	m.mu.Unlock()
	return m.subscribe(ctx)
}

// Stop closes the subscription and cancels pending retries. Late channel
// signals from the closed handle are ignored.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.started = false
	m.suppressed = false
	m.gen++
	m.tasks.CancelAll()
	m.retry, m.trailing, m.latest = nil, nil, nil
	old := m.handle
	m.handle = nil
	if old != nil {
		m.state = StateClosed
	}
	id := m.listener
	m.listener = 0
	m.mu.Unlock()

	if id != 0 && m.mon != nil {
		m.mon.RemoveListener(id)
	}
	m.closeHandle(old)
}

// SetVisible records host visibility. Hiding cancels a scheduled resubscribe
// and remembers it; showing flushes a remembered one.
func (m *Manager) SetVisible(visible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visible = visible
	if !visible {
		if m.retry.Active() {
			m.retry.Cancel()
			m.retry = nil
			m.suppressed = true
		}
		return
	}
	m.flushLocked()
}

// Resume schedules any resubscribe that was held back while paused, hidden
// or disconnected.
func (m *Manager) Resume(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushLocked()
}

// State returns the current subscription state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Handle returns the current subscription handle, or nil.
func (m *Manager) Handle() Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

func (m *Manager) subscribe(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.retry.Cancel()
	m.retry = nil
	m.suppressed = false
	old := m.handle
	m.handle = nil
	m.gen++
	gen := m.gen
	m.state = StateSubscribing
	m.mu.Unlock()

	m.closeHandle(old)

	h, err := m.sub.Subscribe(ctx, m.cfg.Topics,
		func(c Change) { m.handleChange(gen, c) },
		func(s ChannelStatus, err error) { m.handleStatus(gen, s, err) },
	)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.closeHandle(h)
		return nil
	}
	if err != nil {
		m.state = StateErrored
		m.scheduleLocked()
		m.mu.Unlock()
		m.log.WithError(err).Warn("subscribe failed")
		return err
	}
	m.handle = h
	m.mu.Unlock()

	m.log.WithField("topics", m.cfg.Topics).WithField("handle", h.ID()).Info("subscription opened")
	return nil
}

func (m *Manager) handleStatus(gen uint64, s ChannelStatus, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	switch s {
	case ChannelActive:
		m.state = StateActive
		m.log.Debug("subscription active")
	case ChannelErrored:
		m.state = StateErrored
		m.log.WithError(err).Warn("subscription errored")
		m.scheduleLocked()
	case ChannelClosed:
		m.state = StateClosed
		m.log.Info("subscription closed")
		m.scheduleLocked()
	}
}

// scheduleLocked arms a resubscribe for the current state or remembers it
// when conditions do not allow one now.
func (m *Manager) scheduleLocked() {
	if !m.started || m.retry.Active() {
		return
	}
	if m.state != StateErrored && m.state != StateClosed {
		return
	}
	if !m.allowedLocked() {
		m.suppressed = true
		return
	}
	delay := m.cfg.ErroredRetryDelay
	if m.state == StateClosed {
		delay = m.cfg.ClosedRetryDelay
	}
	m.suppressed = false
	gen := m.gen
	m.retry = m.tasks.After(delay, func() { m.resubscribe(gen) })
}

func (m *Manager) allowedLocked() bool {
	if !m.visible {
		return false
	}
	if m.mon == nil {
		return true
	}
	status := m.mon.Status()
	if m.state == StateClosed {
		return status == connmon.StatusConnected
	}
	return status != connmon.StatusPaused
}

func (m *Manager) flushLocked() {
	if m.suppressed {
		m.scheduleLocked()
	}
}

func (m *Manager) resubscribe(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.started {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	if !m.allowedLocked() {
		m.suppressed = true
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.mu.Unlock()

	_ = m.subscribe(ctx)
}

func (m *Manager) onMonitorEvent(ev connmon.StatusEvent) {
	if ev.Reason != connmon.ReasonReconnected {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushLocked()
}

func (m *Manager) handleChange(gen uint64, c Change) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.trailing.Active() {
		m.latest = &c
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	if m.limiter.AllowN(now, 1) {
		m.mu.Unlock()
		m.onChange(c)
		return
	}
	r := m.limiter.ReserveN(now, 1)
	m.latest = &c
	m.trailing = m.tasks.After(r.DelayFrom(now), func() { m.flushTrailing(gen) })
	m.mu.Unlock()
}

func (m *Manager) flushTrailing(gen uint64) {
	m.mu.Lock()
	c := m.latest
	m.latest = nil
	m.trailing = nil
	stale := gen != m.gen
	m.mu.Unlock()
	if c != nil && !stale {
		m.onChange(*c)
	}
}

func (m *Manager) closeHandle(h Handle) {
	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		m.log.WithError(err).WithField("handle", h.ID()).Warn("closing subscription")
	}
}
