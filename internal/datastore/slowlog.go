package datastore

import (
	"context"
	"sync"
	"time"

	"github.com/fifatracker/datalayer/pkg/logger"
)

// SlowQuery is one operation that took longer than the slow-log threshold.
type SlowQuery struct {
	Operation string        `json:"operation"`
	Duration  time.Duration `json:"duration"`
	At        time.Time     `json:"at"`
	Error     string        `json:"error,omitempty"`
}

// SlowLog keeps the most recent slow operations.
type SlowLog struct {
	threshold time.Duration
	keep      int
	log       *logger.Logger

	mu      sync.Mutex
	entries []SlowQuery
	hook    func(SlowQuery)
}

// NewSlowLog records operations slower than threshold, keeping the last keep.
func NewSlowLog(threshold time.Duration, keep int, log *logger.Logger) *SlowLog {
	if threshold <= 0 {
		threshold = 2 * time.Second
	}
	if keep <= 0 {
		keep = 10
	}
	return &SlowLog{threshold: threshold, keep: keep, log: logger.OrDefault(log, "slowlog")}
}

// Observe records op when d exceeds the threshold and reports whether it did.
func (s *SlowLog) Observe(op string, d time.Duration, err error) bool {
	if d <= s.threshold {
		return false
	}
	q := SlowQuery{Operation: op, Duration: d, At: time.Now()}
	if err != nil {
		q.Error = err.Error()
	}

	s.mu.Lock()
	s.entries = append(s.entries, q)
	if over := len(s.entries) - s.keep; over > 0 {
		s.entries = append(s.entries[:0:0], s.entries[over:]...)
	}
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		hook(q)
	}
	s.log.WithField("operation", op).WithField("duration", d).Warn("slow query detected")
	return true
}

// OnSlow sets a callback invoked for every recorded entry.
func (s *SlowLog) OnSlow(fn func(SlowQuery)) {
	s.mu.Lock()
	s.hook = fn
	s.mu.Unlock()
}

// Entries returns the recorded slow operations, oldest first.
func (s *SlowLog) Entries() []SlowQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SlowQuery(nil), s.entries...)
}

// Reset drops every entry.
func (s *SlowLog) Reset(context.Context) error {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
	return nil
}
