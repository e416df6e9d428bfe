// Package metrics exports data layer telemetry to Prometheus: executor
// attempts and outcomes, queue depth, connectivity status and live
// subscription state.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fifatracker/datalayer/internal/connmon"
	"github.com/fifatracker/datalayer/internal/executor"
	"github.com/fifatracker/datalayer/internal/livesync"
)

// Collector provides data layer metrics collection on a private registry.
type Collector struct {
	registry *prometheus.Registry

	// Executor metrics
	attemptsTotal   *prometheus.CounterVec
	attemptLatency  prometheus.Histogram
	requestsTotal   *prometheus.CounterVec
	requestAttempts prometheus.Histogram
	active          prometheus.Gauge
	queued          prometheus.Gauge

	// Connectivity metrics
	connStatus   prometheus.Gauge
	connEvents   *prometheus.CounterVec
	syncState    prometheus.Gauge
	slowQueries  prometheus.Counter
	reconnecting prometheus.Gauge

	startTime time.Time
	uptime    prometheus.Gauge
}

// NewCollector creates a collector. An empty namespace defaults to "datalayer".
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "datalayer"
	}

	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	c.attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "attempts_total",
			Help:      "Total number of operation attempts",
		},
		[]string{"result"},
	)

	c.attemptLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "attempt_duration_seconds",
			Help:      "Latency of a single operation attempt",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	c.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "requests_total",
			Help:      "Total number of resolved requests",
		},
		[]string{"priority", "result"},
	)

	c.requestAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "request_attempts",
			Help:      "Attempts consumed per resolved request",
			Buckets:   prometheus.LinearBuckets(1, 1, 5),
		},
	)

	c.active = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "active",
		Help:      "Operations currently running",
	})

	c.queued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "queued",
		Help:      "Requests waiting for a worker slot",
	})

	c.connStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "connection",
		Name:      "status",
		Help:      "Connection status (0=connected, 1=disconnected, 2=reconnecting, 3=paused)",
	})

	c.connEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "events_total",
			Help:      "Connection status events by reason",
		},
		[]string{"reason"},
	)

	c.reconnecting = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "connection",
		Name:      "reconnect_attempt",
		Help:      "Current reconnect attempt, 0 when connected",
	})

	c.syncState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "livesync",
		Name:      "state",
		Help:      "Subscription state (0=idle, 1=subscribing, 2=active, 3=closed, 4=errored)",
	})

	c.slowQueries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "datastore",
		Name:      "slow_queries_total",
		Help:      "Operations slower than the slow-query threshold",
	})

	c.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the collector was created",
	})

	c.registry.MustRegister(
		c.attemptsTotal,
		c.attemptLatency,
		c.requestsTotal,
		c.requestAttempts,
		c.active,
		c.queued,
		c.connStatus,
		c.connEvents,
		c.reconnecting,
		c.syncState,
		c.slowQueries,
		c.uptime,
	)

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveAttempt implements executor.Observer.
func (c *Collector) ObserveAttempt(latency time.Duration, err error) {
	c.attemptsTotal.WithLabelValues(result(err)).Inc()
	c.attemptLatency.Observe(latency.Seconds())
}

// ObserveResult implements executor.Observer.
func (c *Collector) ObserveResult(priority executor.Priority, attempts int, err error) {
	c.requestsTotal.WithLabelValues(priority.String(), result(err)).Inc()
	if attempts > 0 {
		c.requestAttempts.Observe(float64(attempts))
	}
}

// ObserveQueue implements executor.Observer.
func (c *Collector) ObserveQueue(active, queued int) {
	c.active.Set(float64(active))
	c.queued.Set(float64(queued))
}

// RecordStatusEvent records a connection monitor transition.
func (c *Collector) RecordStatusEvent(ev connmon.StatusEvent) {
	c.connEvents.WithLabelValues(ev.Reason.String()).Inc()
	if ev.Connected {
		c.connStatus.Set(float64(connmon.StatusConnected))
		c.reconnecting.Set(0)
		return
	}
	switch ev.Reason {
	case connmon.ReasonReconnecting, connmon.ReasonMaxAttemptsReached:
		c.connStatus.Set(float64(connmon.StatusReconnecting))
		c.reconnecting.Set(float64(ev.Attempt))
	default:
		c.connStatus.Set(float64(connmon.StatusDisconnected))
	}
}

// RecordStatus records the monitor status directly, e.g. after pause.
func (c *Collector) RecordStatus(s connmon.Status) {
	c.connStatus.Set(float64(s))
}

// RecordSyncState records the live subscription state.
func (c *Collector) RecordSyncState(s livesync.State) {
	c.syncState.Set(float64(s))
}

// RecordSlowQuery increments the slow query counter.
func (c *Collector) RecordSlowQuery() {
	c.slowQueries.Inc()
}

// UpdateUptime updates the uptime metric.
func (c *Collector) UpdateUptime() {
	c.uptime.Set(time.Since(c.startTime).Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

var _ executor.Observer = (*Collector)(nil)
