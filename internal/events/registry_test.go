package events

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fifatracker/datalayer/pkg/logger"
)

func newTestRegistry() *Registry[int] {
	return NewRegistry[int](logger.Discard())
}

func TestRegistry_InsertionOrder(t *testing.T) {
	r := newTestRegistry()
	var got []string
	r.Add(func(int) { got = append(got, "a") })
	r.Add(func(int) { got = append(got, "b") })
	r.Add(func(int) { got = append(got, "c") })

	r.Notify(1)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestRegistry_AddThenRemoveReceivesNothing(t *testing.T) {
	r := newTestRegistry()
	calls := 0
	id := r.Add(func(int) { calls++ })
	assert.True(t, r.Remove(id))

	r.Notify(1)
	r.Notify(2)
	assert.Zero(t, calls)
	assert.False(t, r.Remove(id))
}

func TestRegistry_PanickingListenerIsolated(t *testing.T) {
	r := newTestRegistry()
	var after []int
	r.Add(func(int) { panic("boom") })
	r.Add(func(v int) { after = append(after, v) })

	assert.NotPanics(t, func() { r.Notify(7) })
	assert.Equal(t, []int{7}, after)
}

func TestRegistry_RemoveDuringNotification(t *testing.T) {
	r := newTestRegistry()
	var second ListenerID
	secondCalls := 0

	r.Add(func(int) { r.Remove(second) })
	second = r.Add(func(int) { secondCalls++ })

	r.Notify(1)
	assert.Zero(t, secondCalls)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_AddDuringNotification(t *testing.T) {
	r := newTestRegistry()
	lateCalls := 0
	added := false

	r.Add(func(int) {
		if !added {
			added = true
			r.Add(func(int) { lateCalls++ })
		}
	})

	r.Notify(1)
	assert.Zero(t, lateCalls)
	r.Notify(2)
	assert.Equal(t, 1, lateCalls)
}

func TestRegistry_SelfRemoval(t *testing.T) {
	r := newTestRegistry()
	calls := 0
	var id ListenerID
	id = r.Add(func(int) {
		calls++
		r.Remove(id)
	})

	r.Notify(1)
	r.Notify(2)
	assert.Equal(t, 1, calls)
}

func TestRegistry_Clear(t *testing.T) {
	r := newTestRegistry()
	calls := 0
	r.Add(func(int) { calls++ })
	r.Clear()
	r.Notify(1)
	assert.Zero(t, calls)
	assert.Zero(t, r.Len())
}
