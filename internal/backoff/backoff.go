// Package backoff computes retry delays with exponential growth, a ceiling
// and one-sided jitter. It has no side effects beyond drawing random numbers,
// and draws from a seedable source so sequences can be replayed in tests.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy configures retry behavior. Policies are plain values and are never
// mutated after construction.
type Policy struct {
	// MaxAttempts is the number of attempts allowed before giving up.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration
	// MaxDelay caps the exponential delay (jitter is added on top).
	MaxDelay time.Duration
	// JitterFraction is the upper bound of the random extra delay, as a
	// fraction of the computed base (0.0 to 1.0).
	JitterFraction float64
}

// Base returns min(BaseDelay * 2^(attempt-1), MaxDelay) without jitter.
// Attempts below 1 are treated as 1.
func Base(attempt int, p Policy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delay returns Base(attempt, p) plus u*JitterFraction of that base, where u
// is expected in [0, 1).
func Delay(attempt int, p Policy, u float64) time.Duration {
	base := Base(attempt, p)
	jitter := p.JitterFraction
	if jitter <= 0 || u <= 0 {
		return base
	}
	if jitter > 1 {
		jitter = 1
	}
	if u >= 1 {
		u = math.Nextafter(1, 0)
	}
	return base + time.Duration(float64(base)*jitter*u)
}

// Scheduler draws jittered delays from its own random source.
type Scheduler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewScheduler returns a scheduler seeded with seed. Equal seeds produce equal
// delay sequences.
func NewScheduler(seed int64) *Scheduler {
	return &Scheduler{rng: rand.New(rand.NewSource(seed))}
}

// NewRandomScheduler returns a scheduler seeded from the wall clock.
func NewRandomScheduler() *Scheduler {
	return NewScheduler(time.Now().UnixNano())
}

// NextDelay returns the jittered delay for attempt under p.
func (s *Scheduler) NextDelay(attempt int, p Policy) time.Duration {
	s.mu.Lock()
	u := s.rng.Float64()
	s.mu.Unlock()
	return Delay(attempt, p, u)
}
