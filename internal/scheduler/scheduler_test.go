package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestManualClock_RunsInDeadlineOrder(t *testing.T) {
	c := NewManualClock(epoch)
	var order []int
	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(2 * time.Second)
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, epoch.Add(2*time.Second), c.Now())

	c.Advance(time.Second)
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Zero(t, c.Pending())
}

func TestManualClock_NestedScheduling(t *testing.T) {
	c := NewManualClock(epoch)
	var fired []time.Time
	c.AfterFunc(time.Second, func() {
		fired = append(fired, c.Now())
		c.AfterFunc(time.Second, func() { fired = append(fired, c.Now()) })
	})

	c.Advance(5 * time.Second)
	require.Len(t, fired, 2)
	assert.Equal(t, epoch.Add(time.Second), fired[0])
	assert.Equal(t, epoch.Add(2*time.Second), fired[1])
}

func TestManualClock_Stop(t *testing.T) {
	c := NewManualClock(epoch)
	ran := false
	timer := c.AfterFunc(time.Second, func() { ran = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(time.Minute)
	assert.False(t, ran)
}

func TestGroup_AfterAndCancel(t *testing.T) {
	c := NewManualClock(epoch)
	g := NewGroup(c)

	var runs int32
	tok := g.After(time.Second, func() { atomic.AddInt32(&runs, 1) })
	cancelled := g.After(time.Second, func() { atomic.AddInt32(&runs, 100) })
	assert.Equal(t, 2, g.Len())

	cancelled.Cancel()
	c.Advance(time.Second)

	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))
	assert.False(t, tok.Active())
	assert.Zero(t, g.Len())
}

func TestGroup_EveryRepeatsUntilCancelled(t *testing.T) {
	c := NewManualClock(epoch)
	g := NewGroup(c)

	count := 0
	tok := g.Every(10*time.Second, func() { count++ })

	c.Advance(35 * time.Second)
	assert.Equal(t, 3, count)

	tok.Cancel()
	c.Advance(time.Minute)
	assert.Equal(t, 3, count)
	assert.Zero(t, c.Pending())
}

func TestGroup_CancelAll(t *testing.T) {
	c := NewManualClock(epoch)
	g := NewGroup(c)

	ran := 0
	g.After(time.Second, func() { ran++ })
	g.Every(time.Second, func() { ran++ })
	g.After(time.Hour, func() { ran++ })

	g.CancelAll()
	c.Advance(2 * time.Hour)
	assert.Zero(t, ran)
	assert.Zero(t, g.Len())
}

func TestGroup_CallbackCanCancelItself(t *testing.T) {
	c := NewManualClock(epoch)
	g := NewGroup(c)

	count := 0
	var tok *Token
	tok = g.Every(time.Second, func() {
		count++
		if count == 2 {
			tok.Cancel()
		}
	})

	c.Advance(10 * time.Second)
	assert.Equal(t, 2, count)
}

func TestGroup_RealClock(t *testing.T) {
	g := NewGroup(nil)
	done := make(chan struct{})
	g.After(5*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestToken_NilSafe(t *testing.T) {
	var tok *Token
	tok.Cancel()
	assert.False(t, tok.Active())
}
