// Package testutil provides common testing utilities and mock implementations
// of the data layer's remote collaborators.
package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/fifatracker/datalayer/internal/livesync"
	"github.com/fifatracker/datalayer/internal/remote"
)

// ErrUnavailable is the default failure of MockDataSource.
var ErrUnavailable = errors.New("backend unavailable")

// MockDataSource is an in-memory remote.DataSource. Tables hold rows served by
// Query; every call is recorded.
type MockDataSource struct {
	mu        sync.RWMutex
	tables    map[string][]remote.Row
	queries   []remote.Query
	mutations []remote.Mutation
	failing   error
}

// NewMockDataSource creates an empty data source.
func NewMockDataSource() *MockDataSource {
	return &MockDataSource{tables: make(map[string][]remote.Row)}
}

// SetRows replaces the rows of a table.
func (m *MockDataSource) SetRows(table string, rows ...remote.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = rows
}

// Fail makes every call return err until Recover. A nil err means
// ErrUnavailable.
func (m *MockDataSource) Fail(err error) {
	if err == nil {
		err = ErrUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = err
}

// Recover clears a failure set by Fail.
func (m *MockDataSource) Recover() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = nil
}

// Query returns the table rows, honouring Limit.
func (m *MockDataSource) Query(_ context.Context, q remote.Query) ([]remote.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, q)
	if m.failing != nil {
		return nil, m.failing
	}
	rows := m.tables[q.Resource]
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return append([]remote.Row{}, rows...), nil
}

// Mutate records m and echoes its payload.
func (m *MockDataSource) Mutate(_ context.Context, mut remote.Mutation) ([]remote.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations = append(m.mutations, mut)
	if m.failing != nil {
		return nil, m.failing
	}
	return append([]remote.Row{}, mut.Payload...), nil
}

// Queries returns the recorded queries.
func (m *MockDataSource) Queries() []remote.Query {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]remote.Query(nil), m.queries...)
}

// Mutations returns the recorded mutations.
func (m *MockDataSource) Mutations() []remote.Mutation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]remote.Mutation(nil), m.mutations...)
}

// MockHandle is a subscription opened by MockSubscriber.
type MockHandle struct {
	id       string
	topics   []string
	onChange func(livesync.Change)
	onStatus func(livesync.ChannelStatus, error)

	mu     sync.Mutex
	closed bool
}

// ID returns the handle ID.
func (h *MockHandle) ID() string { return h.id }

// Topics returns the subscribed topics.
func (h *MockHandle) Topics() []string { return h.topics }

// Close marks the handle closed.
func (h *MockHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// Closed reports whether Close was called.
func (h *MockHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Emit delivers a change as the backend would.
func (h *MockHandle) Emit(c livesync.Change) { h.onChange(c) }

// Signal reports a channel status as the backend would.
func (h *MockHandle) Signal(s livesync.ChannelStatus, err error) { h.onStatus(s, err) }

// MockSubscriber is a livesync.Subscriber whose handles report Active as soon
// as they open.
type MockSubscriber struct {
	mu      sync.Mutex
	handles []*MockHandle
}

// NewMockSubscriber creates a subscriber.
func NewMockSubscriber() *MockSubscriber {
	return &MockSubscriber{}
}

// Subscribe opens a handle.
func (s *MockSubscriber) Subscribe(_ context.Context, topics []string, onChange func(livesync.Change), onStatus func(livesync.ChannelStatus, error)) (livesync.Handle, error) {
	h := &MockHandle{
		id:       uuid.NewString(),
		topics:   append([]string(nil), topics...),
		onChange: onChange,
		onStatus: onStatus,
	}
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()

	onStatus(livesync.ChannelActive, nil)
	return h, nil
}

// Handles returns every handle opened so far.
func (s *MockSubscriber) Handles() []*MockHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*MockHandle(nil), s.handles...)
}

// Open returns the handles not yet closed.
func (s *MockSubscriber) Open() []*MockHandle {
	var out []*MockHandle
	for _, h := range s.Handles() {
		if !h.Closed() {
			out = append(out, h)
		}
	}
	return out
}
