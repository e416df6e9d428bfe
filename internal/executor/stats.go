package executor

import (
	"sync"
	"time"
)

// smoothing is the weight of the newest sample in the latency average.
const smoothing = 0.2

// Stats is a snapshot of executor metrics.
type Stats struct {
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	TotalAttempts      int64         `json:"total_attempts"`
	Retries            int64         `json:"retries"`
	LastLatency        time.Duration `json:"last_latency"`
	AverageLatency     time.Duration `json:"average_latency"`
	SuccessRate        float64       `json:"success_rate"`
	Active             int           `json:"active"`
	Queued             int           `json:"queued"`
}

type metrics struct {
	mu       sync.Mutex
	total    int64
	success  int64
	failed   int64
	attempts int64
	retries  int64
	last     time.Duration
	avg      float64
}

func (m *metrics) attempt(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts == 0 {
		m.avg = float64(latency)
	} else {
		m.avg = m.avg*(1-smoothing) + float64(latency)*smoothing
	}
	m.attempts++
	m.last = latency
}

func (m *metrics) retry() {
	m.mu.Lock()
	m.retries++
	m.mu.Unlock()
}

func (m *metrics) result(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	if ok {
		m.success++
	} else {
		m.failed++
	}
}

func (m *metrics) snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		TotalRequests:      m.total,
		SuccessfulRequests: m.success,
		FailedRequests:     m.failed,
		TotalAttempts:      m.attempts,
		Retries:            m.retries,
		LastLatency:        m.last,
		AverageLatency:     time.Duration(m.avg),
	}
	if m.total > 0 {
		s.SuccessRate = float64(m.success) / float64(m.total)
	}
	return s
}

func (m *metrics) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total, m.success, m.failed = 0, 0, 0
	m.attempts, m.retries = 0, 0
	m.last, m.avg = 0, 0
}
