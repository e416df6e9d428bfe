// Package remote declares the query/mutate contract the data layer consumes
// from a backend, together with the request shapes and their validation.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MaxLimit caps the number of rows a single query may request.
const MaxLimit = 1000

// ErrInvalidRequest is the root of every request-shape error. Requests failing
// validation never reach a DataSource and are never retried.
var ErrInvalidRequest = errors.New("invalid request")

var (
	ErrMissingResource  = fmt.Errorf("%w: table name is required", ErrInvalidRequest)
	ErrMissingPayload   = fmt.Errorf("%w: data is required", ErrInvalidRequest)
	ErrUnscopedMutation = fmt.Errorf("%w: at least one condition is required", ErrInvalidRequest)
	ErrUnknownOperator  = fmt.Errorf("%w: unknown filter operator", ErrInvalidRequest)
	ErrUnknownMutation  = fmt.Errorf("%w: unknown mutation kind", ErrInvalidRequest)
)

// Row is one record as returned by a backend.
type Row = map[string]any

// Op is a filter operator.
type Op string

const (
	OpEq    Op = "eq"
	OpNeq   Op = "neq"
	OpGt    Op = "gt"
	OpGte   Op = "gte"
	OpLt    Op = "lt"
	OpLte   Op = "lte"
	OpLike  Op = "like"
	OpILike Op = "ilike"
	OpIn    Op = "in"
	OpIs    Op = "is"
)

// Valid reports whether o is a known operator.
func (o Op) Valid() bool {
	switch o {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpLike, OpILike, OpIn, OpIs:
		return true
	}
	return false
}

// Filter restricts a query to rows where Column Op Value holds.
// For OpIn, Value is a slice.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

// Order sorts query results.
type Order struct {
	Column     string
	Descending bool
}

// Query describes a read.
type Query struct {
	Resource string
	Columns  []string
	Filters  []Filter
	Order    []Order
	// Limit of zero sends no limit; larger values are clamped to MaxLimit.
	Limit  int
	Offset int
}

// Eq appends an equality filter and returns q for chaining.
func (q Query) Eq(column string, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Column: column, Op: OpEq, Value: value})
	return q
}

// Validate checks the query shape and clamps Limit to MaxLimit.
func (q *Query) Validate() error {
	if strings.TrimSpace(q.Resource) == "" {
		return ErrMissingResource
	}
	for _, f := range q.Filters {
		if !f.Op.Valid() {
			return fmt.Errorf("%w %q on column %q", ErrUnknownOperator, f.Op, f.Column)
		}
		if f.Column == "" {
			return fmt.Errorf("%w: filter column is required", ErrInvalidRequest)
		}
	}
	if q.Limit < 0 || q.Offset < 0 {
		return fmt.Errorf("%w: limit and offset must not be negative", ErrInvalidRequest)
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	return nil
}

// SelectList renders Columns the way PostgREST and SQL expect it.
func (q Query) SelectList() string {
	if len(q.Columns) == 0 {
		return "*"
	}
	return strings.Join(q.Columns, ",")
}

// MutationKind is the kind of write.
type MutationKind string

const (
	Insert MutationKind = "insert"
	Update MutationKind = "update"
	Delete MutationKind = "delete"
	Upsert MutationKind = "upsert"
)

// Mutation describes a write. Match holds equality conditions; update and
// delete require at least one non-nil entry.
type Mutation struct {
	Resource   string
	Kind       MutationKind
	Payload    []Row
	Match      map[string]any
	OnConflict string
}

// Conditions returns the number of non-nil match conditions.
func (m Mutation) Conditions() int {
	n := 0
	for _, v := range m.Match {
		if v != nil {
			n++
		}
	}
	return n
}

// Validate checks the mutation shape.
func (m Mutation) Validate() error {
	if strings.TrimSpace(m.Resource) == "" {
		return ErrMissingResource
	}
	switch m.Kind {
	case Insert, Upsert:
		if err := m.validatePayload(); err != nil {
			return err
		}
	case Update:
		if err := m.validatePayload(); err != nil {
			return err
		}
		if m.Conditions() == 0 {
			return ErrUnscopedMutation
		}
	case Delete:
		if m.Conditions() == 0 {
			return ErrUnscopedMutation
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownMutation, m.Kind)
	}
	return nil
}

func (m Mutation) validatePayload() error {
	if len(m.Payload) == 0 {
		return ErrMissingPayload
	}
	for i, row := range m.Payload {
		if len(row) == 0 {
			return fmt.Errorf("%w: row %d has no columns", ErrMissingPayload, i)
		}
	}
	return nil
}

// DataSource is the query/mutate surface of a backend.
type DataSource interface {
	Query(ctx context.Context, q Query) ([]Row, error)
	Mutate(ctx context.Context, m Mutation) ([]Row, error)
}
