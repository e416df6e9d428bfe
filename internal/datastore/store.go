// Package datastore is the validated CRUD surface the rest of the application
// uses. Every call is checked before it is queued, then runs through the
// retrying executor against a remote.DataSource.
package datastore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fifatracker/datalayer/internal/executor"
	"github.com/fifatracker/datalayer/internal/remote"
	"github.com/fifatracker/datalayer/pkg/logger"
)

// Submitter queues operations. *executor.Executor satisfies it.
type Submitter interface {
	Submit(ctx context.Context, op executor.Operation, priority executor.Priority) *executor.Future
}

// ProbeQuery is the reachability read used by Probe and HealthCheck.
var ProbeQuery = remote.Query{Resource: "players", Columns: []string{"id"}, Limit: 1}

// Option configures a Store.
type Option func(*Store)

// WithSlowLog replaces the default slow log.
func WithSlowLog(l *SlowLog) Option {
	return func(s *Store) { s.slow = l }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithProbeQuery overrides ProbeQuery.
func WithProbeQuery(q remote.Query) Option {
	return func(s *Store) { s.probe = q }
}

// Store validates requests and routes them through the executor.
type Store struct {
	src   remote.DataSource
	exec  Submitter
	slow  *SlowLog
	probe remote.Query
	log   *logger.Logger
}

// New returns a Store over src.
func New(src remote.DataSource, exec Submitter, opts ...Option) *Store {
	s := &Store{src: src, exec: exec, probe: ProbeQuery}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrDefault(s.log, "datastore")
	if s.slow == nil {
		s.slow = NewSlowLog(0, 0, s.log)
	}
	return s
}

// SlowLog returns the store's slow-query log.
func (s *Store) SlowLog() *SlowLog { return s.slow }

// Select runs q. Limit is capped at remote.MaxLimit.
func (s *Store) Select(ctx context.Context, q remote.Query, priority executor.Priority) ([]remote.Row, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return s.run(ctx, "select "+q.Resource, priority, func(ctx context.Context) (any, error) {
		return s.src.Query(ctx, q)
	})
}

// Insert adds rows to resource.
func (s *Store) Insert(ctx context.Context, resource string, rows ...remote.Row) ([]remote.Row, error) {
	return s.Mutate(ctx, remote.Mutation{Resource: resource, Kind: remote.Insert, Payload: rows}, executor.PriorityNormal)
}

// Update sets values on every row of resource matching match. At least one
// non-nil match condition is required.
func (s *Store) Update(ctx context.Context, resource string, values remote.Row, match map[string]any) ([]remote.Row, error) {
	m := remote.Mutation{Resource: resource, Kind: remote.Update, Match: match}
	if len(values) > 0 {
		m.Payload = []remote.Row{values}
	}
	return s.Mutate(ctx, m, executor.PriorityNormal)
}

// Delete removes rows of resource matching match. At least one non-nil match
// condition is required.
func (s *Store) Delete(ctx context.Context, resource string, match map[string]any) ([]remote.Row, error) {
	return s.Mutate(ctx, remote.Mutation{Resource: resource, Kind: remote.Delete, Match: match}, executor.PriorityNormal)
}

// Upsert inserts rows or updates them on conflict with onConflict.
func (s *Store) Upsert(ctx context.Context, resource string, rows []remote.Row, onConflict string) ([]remote.Row, error) {
	return s.Mutate(ctx, remote.Mutation{Resource: resource, Kind: remote.Upsert, Payload: rows, OnConflict: onConflict}, executor.PriorityNormal)
}

// Mutate validates and runs m.
func (s *Store) Mutate(ctx context.Context, m remote.Mutation, priority executor.Priority) ([]remote.Row, error) {
	if err := m.Validate(); err != nil {
		s.log.WithError(err).WithField("resource", m.Resource).WithField("kind", m.Kind).Warn("rejected mutation")
		return nil, err
	}
	return s.run(ctx, string(m.Kind)+" "+m.Resource, priority, func(ctx context.Context) (any, error) {
		return s.src.Mutate(ctx, m)
	})
}

// BatchResult is the outcome of one query of a batch.
type BatchResult struct {
	Resource string
	Rows     []remote.Row
	Err      error
}

// BatchSelect runs every query concurrently through the executor and returns
// the outcomes in input order. One failing query does not affect the others.
func (s *Store) BatchSelect(ctx context.Context, queries []remote.Query) []BatchResult {
	results := make([]BatchResult, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func(i int, q remote.Query) {
			defer wg.Done()
			rows, err := s.Select(ctx, q, executor.PriorityNormal)
			results[i] = BatchResult{Resource: q.Resource, Rows: rows, Err: err}
		}(i, q)
	}
	wg.Wait()
	return results
}

// HealthCheck runs the probe query as a High priority request.
func (s *Store) HealthCheck(ctx context.Context) error {
	_, err := s.Select(ctx, s.probe, executor.PriorityHigh)
	return err
}

// Probe runs the probe query directly against the data source, bypassing the
// executor queue and its retries.
func (s *Store) Probe(ctx context.Context) error {
	q := s.probe
	if err := q.Validate(); err != nil {
		return err
	}
	_, err := s.src.Query(ctx, q)
	return err
}

func (s *Store) run(ctx context.Context, label string, priority executor.Priority, op executor.Operation) ([]remote.Row, error) {
	start := time.Now()
	val, err := s.exec.Submit(ctx, op, priority).Wait(ctx)
	s.slow.Observe(label, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	rows, _ := val.([]remote.Row)
	return rows, nil
}
