package datastore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fifatracker/datalayer/internal/backoff"
	"github.com/fifatracker/datalayer/internal/executor"
	"github.com/fifatracker/datalayer/internal/remote"
	"github.com/fifatracker/datalayer/pkg/logger"
)

type fakeSource struct {
	mu        sync.Mutex
	queries   []remote.Query
	mutations []remote.Mutation
	rows      []remote.Row
	err       error
}

func (f *fakeSource) Query(_ context.Context, q remote.Query) ([]remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func (f *fakeSource) Mutate(_ context.Context, m remote.Mutation) ([]remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations = append(f.mutations, m)
	if f.err != nil {
		return nil, f.err
	}
	return m.Payload, nil
}

func newTestStore(t *testing.T, src *fakeSource) *Store {
	t.Helper()
	exec := executor.New(executor.Config{
		PoolSize: 2,
		Policy:   backoff.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, executor.WithLogger(logger.Discard()), executor.WithBackoff(backoff.NewScheduler(1)))
	t.Cleanup(exec.Close)
	return New(src, exec, WithLogger(logger.Discard()))
}

func TestStore_DeleteWithoutConditionsNeverReachesRemote(t *testing.T) {
	src := &fakeSource{}
	s := newTestStore(t, src)

	_, err := s.Delete(context.Background(), "bans", map[string]any{})
	assert.ErrorIs(t, err, remote.ErrUnscopedMutation)

	_, err = s.Delete(context.Background(), "bans", map[string]any{"id": nil})
	assert.ErrorIs(t, err, remote.ErrUnscopedMutation)

	_, err = s.Update(context.Background(), "players", remote.Row{"goals": 3}, nil)
	assert.ErrorIs(t, err, remote.ErrInvalidRequest)

	assert.Empty(t, src.mutations)
}

func TestStore_ValidationErrors(t *testing.T) {
	src := &fakeSource{}
	s := newTestStore(t, src)

	_, err := s.Select(context.Background(), remote.Query{}, executor.PriorityNormal)
	assert.ErrorIs(t, err, remote.ErrMissingResource)

	_, err = s.Insert(context.Background(), "players")
	assert.ErrorIs(t, err, remote.ErrMissingPayload)

	_, err = s.Insert(context.Background(), "", remote.Row{"name": "x"})
	assert.ErrorIs(t, err, remote.ErrMissingResource)

	assert.Empty(t, src.queries)
	assert.Empty(t, src.mutations)
}

func TestStore_SelectCapsLimit(t *testing.T) {
	src := &fakeSource{rows: []remote.Row{{"id": 1}}}
	s := newTestStore(t, src)

	rows, err := s.Select(context.Background(), remote.Query{Resource: "matches", Limit: 99999}, executor.PriorityNormal)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	require.Len(t, src.queries, 1)
	assert.Equal(t, remote.MaxLimit, src.queries[0].Limit)
}

func TestStore_MutationsReachRemote(t *testing.T) {
	src := &fakeSource{}
	s := newTestStore(t, src)
	ctx := context.Background()

	rows, err := s.Insert(ctx, "transactions", remote.Row{"amount": 100})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, err = s.Update(ctx, "players", remote.Row{"goals": 4}, map[string]any{"id": 7})
	require.NoError(t, err)
	_, err = s.Delete(ctx, "bans", map[string]any{"id": 2})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "finances", []remote.Row{{"team": "AEK", "balance": 10}}, "team")
	require.NoError(t, err)

	require.Len(t, src.mutations, 4)
	assert.Equal(t, remote.Update, src.mutations[1].Kind)
	assert.Equal(t, map[string]any{"id": 7}, src.mutations[1].Match)
	assert.Equal(t, "team", src.mutations[3].OnConflict)
}

func TestStore_RemoteErrorWrapped(t *testing.T) {
	boom := errors.New("upstream timeout")
	src := &fakeSource{err: boom}
	s := newTestStore(t, src)

	_, err := s.Select(context.Background(), remote.Query{Resource: "players"}, executor.PriorityNormal)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "select players")
	assert.Len(t, src.queries, 2)
}

func TestStore_BatchSelect(t *testing.T) {
	src := &fakeSource{rows: []remote.Row{{"id": 1}}}
	s := newTestStore(t, src)

	results := s.BatchSelect(context.Background(), []remote.Query{
		{Resource: "players"},
		{},
		{Resource: "matches"},
	})
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, remote.ErrMissingResource)
	assert.Equal(t, "matches", results[2].Resource)
	assert.Len(t, results[2].Rows, 1)
}

func TestStore_ProbeBypassesExecutor(t *testing.T) {
	src := &fakeSource{err: errors.New("down")}
	s := New(src, nil, WithLogger(logger.Discard()))

	assert.Error(t, s.Probe(context.Background()))
	require.Len(t, src.queries, 1)
	assert.Equal(t, "players", src.queries[0].Resource)
	assert.Equal(t, 1, src.queries[0].Limit)
}

func TestStore_HealthCheck(t *testing.T) {
	src := &fakeSource{}
	s := newTestStore(t, src)
	require.NoError(t, s.HealthCheck(context.Background()))
	assert.Equal(t, []string{"id"}, src.queries[0].Columns)
}

func TestSlowLog(t *testing.T) {
	l := NewSlowLog(10*time.Millisecond, 3, logger.Discard())
	assert.False(t, l.Observe("select players", 5*time.Millisecond, nil))

	for _, op := range []string{"a", "b", "c", "d"} {
		assert.True(t, l.Observe(op, 20*time.Millisecond, nil))
	}
	l.Observe("e", time.Second, errors.New("timeout"))

	entries := l.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Operation)
	assert.Equal(t, "e", entries[2].Operation)
	assert.Equal(t, "timeout", entries[2].Error)

	require.NoError(t, l.Reset(context.Background()))
	assert.Empty(t, l.Entries())
}

func TestSlowLog_OnSlow(t *testing.T) {
	l := NewSlowLog(10*time.Millisecond, 3, logger.Discard())

	var seen []SlowQuery
	l.OnSlow(func(q SlowQuery) { seen = append(seen, q) })

	l.Observe("fast", time.Millisecond, nil)
	l.Observe("slow", 50*time.Millisecond, nil)
	require.Len(t, seen, 1)
	assert.Equal(t, "slow", seen[0].Operation)
}
