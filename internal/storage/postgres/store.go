// Package postgres serves the data layer's query/mutate contract straight from
// PostgreSQL, for deployments that reach the database without PostgREST.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/fifatracker/datalayer/internal/remote"
	"github.com/fifatracker/datalayer/pkg/logger"
)

// Store implements remote.DataSource backed by PostgreSQL.
type Store struct {
	db  *sqlx.DB
	log *logger.Logger
}

var _ remote.DataSource = (*Store)(nil)

// Options tune the connection pool opened by Open.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Logger          *logger.Logger
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db, log: logger.OrDefault(opts.Logger, "postgres")}, nil
}

// New wraps an existing handle.
func New(db *sql.DB, log *logger.Logger) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres"), log: logger.OrDefault(log, "postgres")}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Query runs q as a SELECT.
func (s *Store) Query(ctx context.Context, q remote.Query) ([]remote.Row, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	query, args, err := buildSelect(q)
	if err != nil {
		return nil, err
	}
	return s.fetch(ctx, query, args)
}

// Mutate applies m and returns the affected rows.
func (s *Store) Mutate(ctx context.Context, m remote.Mutation) ([]remote.Row, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var (
		query string
		args  []any
	)
	switch m.Kind {
	case remote.Insert, remote.Upsert:
		query, args = buildInsert(m)
	case remote.Update:
		query, args = buildUpdate(m)
	case remote.Delete:
		query, args = buildDelete(m)
	default:
		return nil, fmt.Errorf("%w: %s", remote.ErrUnknownMutation, m.Kind)
	}
	return s.fetch(ctx, query, args)
}

func (s *Store) fetch(ctx context.Context, query string, args []any) ([]remote.Row, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		s.log.WithError(err).Debug("postgres statement failed")
		return nil, err
	}
	defer rows.Close()

	out := []remote.Row{}
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for k, v := range row {
			row[k] = decodeValue(v)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// --- SQL building -----------------------------------------------------------

type argList []any

func (a *argList) add(v any) string {
	*a = append(*a, encodeValue(v))
	return fmt.Sprintf("$%d", len(*a))
}

func buildSelect(q remote.Query) (string, []any, error) {
	var b strings.Builder
	var args argList

	b.WriteString("SELECT ")
	b.WriteString(selectList(q.Columns))
	b.WriteString(" FROM ")
	b.WriteString(pq.QuoteIdentifier(q.Resource))

	conds := make([]string, 0, len(q.Filters))
	for _, f := range q.Filters {
		cond, err := filterSQL(f, &args)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, cond)
	}
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}

	if len(q.Order) > 0 {
		parts := make([]string, len(q.Order))
		for i, o := range q.Order {
			dir := "ASC"
			if o.Descending {
				dir = "DESC"
			}
			parts[i] = pq.QuoteIdentifier(o.Column) + " " + dir
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(parts, ", "))
	}

	if q.Limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(args.add(q.Limit))
	}
	if q.Offset > 0 {
		b.WriteString(" OFFSET ")
		b.WriteString(args.add(q.Offset))
	}
	return b.String(), args, nil
}

func selectList(columns []string) string {
	if len(columns) == 0 {
		return "*"
	}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		if c == "*" {
			quoted[i] = c
			continue
		}
		quoted[i] = pq.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

var comparisons = map[remote.Op]string{
	remote.OpEq:    "=",
	remote.OpNeq:   "<>",
	remote.OpGt:    ">",
	remote.OpGte:   ">=",
	remote.OpLt:    "<",
	remote.OpLte:   "<=",
	remote.OpLike:  "LIKE",
	remote.OpILike: "ILIKE",
}

func filterSQL(f remote.Filter, args *argList) (string, error) {
	col := pq.QuoteIdentifier(f.Column)
	if op, ok := comparisons[f.Op]; ok {
		return col + " " + op + " " + args.add(f.Value), nil
	}
	switch f.Op {
	case remote.OpIn:
		values, ok := f.Value.([]any)
		if !ok {
			return "", fmt.Errorf("%w: in filter on %s needs a list", remote.ErrInvalidRequest, f.Column)
		}
		if len(values) == 0 {
			return "FALSE", nil
		}
		*args = append(*args, pq.Array(values))
		return fmt.Sprintf("%s = ANY($%d)", col, len(*args)), nil
	case remote.OpIs:
		switch f.Value {
		case nil, "null":
			return col + " IS NULL", nil
		case true, "true":
			return col + " IS TRUE", nil
		case false, "false":
			return col + " IS FALSE", nil
		}
		return "", fmt.Errorf("%w: is filter on %s accepts null, true or false", remote.ErrInvalidRequest, f.Column)
	}
	return "", fmt.Errorf("%w %q", remote.ErrUnknownOperator, f.Op)
}

func matchSQL(match map[string]any, args *argList) string {
	keys := make([]string, 0, len(match))
	for k, v := range match {
		if v != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	conds := make([]string, len(keys))
	for i, k := range keys {
		conds[i] = pq.QuoteIdentifier(k) + " = " + args.add(match[k])
	}
	return strings.Join(conds, " AND ")
}

func payloadColumns(rows []remote.Row) []string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func buildInsert(m remote.Mutation) (string, []any) {
	var b strings.Builder
	var args argList

	cols := payloadColumns(m.Payload)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
	}

	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", pq.QuoteIdentifier(m.Resource), strings.Join(quoted, ", "))
	for i, row := range m.Payload {
		if i > 0 {
			b.WriteString(", ")
		}
		vals := make([]string, len(cols))
		for j, c := range cols {
			v, ok := row[c]
			if !ok {
				vals[j] = "DEFAULT"
				continue
			}
			vals[j] = args.add(v)
		}
		b.WriteString("(" + strings.Join(vals, ", ") + ")")
	}

	if m.Kind == remote.Upsert {
		b.WriteString(upsertClause(m.OnConflict, cols))
	}
	b.WriteString(" RETURNING *")
	return b.String(), args
}

func upsertClause(onConflict string, cols []string) string {
	conflict := splitColumns(onConflict)
	if len(conflict) == 0 {
		conflict = []string{"id"}
	}
	skip := make(map[string]bool, len(conflict))
	target := make([]string, len(conflict))
	for i, c := range conflict {
		skip[c] = true
		target[i] = pq.QuoteIdentifier(c)
	}

	var sets []string
	for _, c := range cols {
		if skip[c] {
			continue
		}
		q := pq.QuoteIdentifier(c)
		sets = append(sets, q+" = EXCLUDED."+q)
	}
	clause := " ON CONFLICT (" + strings.Join(target, ", ") + ")"
	if len(sets) == 0 {
		return clause + " DO NOTHING"
	}
	return clause + " DO UPDATE SET " + strings.Join(sets, ", ")
}

func splitColumns(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func buildUpdate(m remote.Mutation) (string, []any) {
	var args argList
	values := m.Payload[0]

	cols := payloadColumns([]remote.Row{values})
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = pq.QuoteIdentifier(c) + " = " + args.add(values[c])
	}
	where := matchSQL(m.Match, &args)
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s RETURNING *",
		pq.QuoteIdentifier(m.Resource), strings.Join(sets, ", "), where), args
}

func buildDelete(m remote.Mutation) (string, []any) {
	var args argList
	where := matchSQL(m.Match, &args)
	return fmt.Sprintf("DELETE FROM %s WHERE %s RETURNING *", pq.QuoteIdentifier(m.Resource), where), args
}

// encodeValue stores maps and slices as JSON so they land in json/jsonb
// columns.
func encodeValue(v any) any {
	if v == nil {
		return nil
	}
	switch v.(type) {
	case []byte, json.RawMessage:
		return v
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		if _, ok := v.(time.Time); ok {
			return v
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return string(raw)
	}
	return v
}

// decodeValue turns driver bytes into JSON values when they parse and strings
// otherwise.
func decodeValue(v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if json.Valid(b) {
		var out any
		if err := json.Unmarshal(b, &out); err == nil {
			return out
		}
	}
	return string(b)
}
