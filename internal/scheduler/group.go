package scheduler

import (
	"sync"
	"time"
)

// Token is the cancellation handle of one scheduled task.
type Token struct {
	mu        sync.Mutex
	group     *Group
	timer     Timer
	cancelled bool
}

// Cancel stops the task. A cancelled task never runs its callback again, even
// when its timer has already fired and the callback is waiting to start.
// Cancel is idempotent and safe on a nil token.
func (t *Token) Cancel() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	t.group.forget(t)
}

// Active reports whether the task may still run.
func (t *Token) Active() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.cancelled
}

// Group tracks the tasks scheduled by one owner.
type Group struct {
	clock  Clock
	mu     sync.Mutex
	tokens map[*Token]struct{}
}

// NewGroup returns a group scheduling on clock. A nil clock means RealClock.
func NewGroup(clock Clock) *Group {
	if clock == nil {
		clock = RealClock()
	}
	return &Group{clock: clock, tokens: make(map[*Token]struct{})}
}

// Clock returns the group's time source.
func (g *Group) Clock() Clock { return g.clock }

// After runs fn once after d unless the returned token is cancelled first.
func (g *Group) After(d time.Duration, fn func()) *Token {
	tok := &Token{group: g}
	g.track(tok)

	tok.mu.Lock()
	tok.timer = g.clock.AfterFunc(d, func() {
		tok.mu.Lock()
		if tok.cancelled {
			tok.mu.Unlock()
			return
		}
		tok.cancelled = true
		tok.mu.Unlock()
		g.forget(tok)
		fn()
	})
	tok.mu.Unlock()
	return tok
}

// Every runs fn every d until the returned token is cancelled. The next run is
// armed after fn returns, so slow callbacks never overlap.
func (g *Group) Every(d time.Duration, fn func()) *Token {
	tok := &Token{group: g}
	g.track(tok)

	var tick func()
	tick = func() {
		if !tok.Active() {
			return
		}
		fn()
		tok.mu.Lock()
		if !tok.cancelled {
			tok.timer = g.clock.AfterFunc(d, tick)
		}
		tok.mu.Unlock()
	}

	tok.mu.Lock()
	tok.timer = g.clock.AfterFunc(d, tick)
	tok.mu.Unlock()
	return tok
}

// CancelAll cancels every task still owned by the group.
func (g *Group) CancelAll() {
	g.mu.Lock()
	tokens := make([]*Token, 0, len(g.tokens))
	for tok := range g.tokens {
		tokens = append(tokens, tok)
	}
	g.mu.Unlock()

	for _, tok := range tokens {
		tok.Cancel()
	}
}

// Len returns the number of live tasks.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tokens)
}

func (g *Group) track(t *Token) {
	g.mu.Lock()
	g.tokens[t] = struct{}{}
	g.mu.Unlock()
}

func (g *Group) forget(t *Token) {
	g.mu.Lock()
	delete(g.tokens, t)
	g.mu.Unlock()
}
