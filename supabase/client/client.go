// Package client talks to a Supabase project: PostgREST for table access,
// GoTrue for sessions and the Realtime websocket for push changes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fifatracker/datalayer/internal/remote"
	"github.com/fifatracker/datalayer/pkg/logger"
)

// DefaultClientInfo is sent as X-Client-Info when none is configured.
const DefaultClientInfo = "fifa-tracker-datalayer"

// TokenSource yields the bearer token for the signed-in user. An empty token
// falls back to the anon key.
type TokenSource interface {
	AccessToken() string
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() string

// AccessToken calls f.
func (f TokenFunc) AccessToken() string { return f() }

// Client is a Supabase REST API client.
type Client struct {
	baseURL    string
	apiKey     string
	clientInfo string
	tokens     TokenSource
	httpClient *http.Client
	log        *logger.Logger
}

// Config holds client configuration.
type Config struct {
	URL        string
	APIKey     string
	ClientInfo string
	Timeout    time.Duration
	HTTPClient *http.Client
	Tokens     TokenSource
	Logger     *logger.Logger
}

// New creates a new Supabase client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("APIKey is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	info := cfg.ClientInfo
	if info == "" {
		info = DefaultClientInfo
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		clientInfo: info,
		tokens:     cfg.Tokens,
		httpClient: httpClient,
		log:        logger.OrDefault(cfg.Logger, "supabase"),
	}, nil
}

// SetTokenSource replaces the bearer token source.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.tokens = ts
}

// =============================================================================
// DataSource
// =============================================================================

var _ remote.DataSource = (*Client)(nil)

// Query runs q against PostgREST and returns the decoded rows.
func (c *Client) Query(ctx context.Context, q remote.Query) ([]remote.Row, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	b := c.From(q.Resource).Select(q.SelectList())
	for _, f := range q.Filters {
		if err := b.Filter(f); err != nil {
			return nil, err
		}
	}
	for _, o := range q.Order {
		b.Order(o.Column, !o.Descending)
	}
	if q.Limit > 0 {
		b.Limit(q.Limit)
	}
	if q.Offset > 0 {
		b.Offset(q.Offset)
	}
	resp, err := b.Execute(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Rows()
}

// Mutate applies m and returns the rows PostgREST hands back.
func (c *Client) Mutate(ctx context.Context, m remote.Mutation) ([]remote.Row, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	b := c.From(m.Resource)
	for col, v := range m.Match {
		if v == nil {
			continue
		}
		b.Eq(col, v)
	}

	var (
		resp *Response
		err  error
	)
	switch m.Kind {
	case remote.Insert:
		resp, err = b.ExecuteInsert(ctx, m.Payload)
	case remote.Upsert:
		resp, err = b.Upsert(m.OnConflict).ExecuteInsert(ctx, m.Payload)
	case remote.Update:
		resp, err = b.ExecuteUpdate(ctx, m.Payload[0])
	case remote.Delete:
		resp, err = b.ExecuteDelete(ctx)
	default:
		return nil, fmt.Errorf("%w: %s", remote.ErrUnknownMutation, m.Kind)
	}
	if err != nil {
		return nil, err
	}
	return resp.Rows()
}

// =============================================================================
// Database Operations (PostgREST)
// =============================================================================

// From starts a query builder for a table.
func (c *Client) From(table string) *QueryBuilder {
	return &QueryBuilder{
		client: c,
		table:  table,
	}
}

// QueryBuilder builds PostgREST queries.
type QueryBuilder struct {
	client     *Client
	table      string
	columns    string
	filters    url.Values
	orders     []string
	limit      int
	offset     int
	upsert     bool
	onConflict string
}

// Select specifies columns to select.
func (q *QueryBuilder) Select(columns string) *QueryBuilder {
	q.columns = columns
	return q
}

func (q *QueryBuilder) add(column, op, value string) *QueryBuilder {
	if q.filters == nil {
		q.filters = url.Values{}
	}
	q.filters.Add(column, op+"."+value)
	return q
}

// Eq adds an equality filter.
func (q *QueryBuilder) Eq(column string, value any) *QueryBuilder {
	return q.add(column, "eq", fmt.Sprint(value))
}

// Neq adds a not-equal filter.
func (q *QueryBuilder) Neq(column string, value any) *QueryBuilder {
	return q.add(column, "neq", fmt.Sprint(value))
}

// Gt adds a greater-than filter.
func (q *QueryBuilder) Gt(column string, value any) *QueryBuilder {
	return q.add(column, "gt", fmt.Sprint(value))
}

// Gte adds a greater-than-or-equal filter.
func (q *QueryBuilder) Gte(column string, value any) *QueryBuilder {
	return q.add(column, "gte", fmt.Sprint(value))
}

// Lt adds a less-than filter.
func (q *QueryBuilder) Lt(column string, value any) *QueryBuilder {
	return q.add(column, "lt", fmt.Sprint(value))
}

// Lte adds a less-than-or-equal filter.
func (q *QueryBuilder) Lte(column string, value any) *QueryBuilder {
	return q.add(column, "lte", fmt.Sprint(value))
}

// Like adds a LIKE filter.
func (q *QueryBuilder) Like(column string, pattern string) *QueryBuilder {
	return q.add(column, "like", pattern)
}

// ILike adds a case-insensitive LIKE filter.
func (q *QueryBuilder) ILike(column string, pattern string) *QueryBuilder {
	return q.add(column, "ilike", pattern)
}

// In adds an IN filter.
func (q *QueryBuilder) In(column string, values []any) *QueryBuilder {
	strValues := make([]string, len(values))
	for i, v := range values {
		strValues[i] = fmt.Sprint(v)
	}
	return q.add(column, "in", "("+strings.Join(strValues, ",")+")")
}

// Is adds an IS filter (null, true, false).
func (q *QueryBuilder) Is(column string, value any) *QueryBuilder {
	if value == nil {
		return q.add(column, "is", "null")
	}
	return q.add(column, "is", fmt.Sprint(value))
}

// Filter applies a remote filter using the matching builder method.
func (q *QueryBuilder) Filter(f remote.Filter) error {
	switch f.Op {
	case remote.OpEq:
		q.Eq(f.Column, f.Value)
	case remote.OpNeq:
		q.Neq(f.Column, f.Value)
	case remote.OpGt:
		q.Gt(f.Column, f.Value)
	case remote.OpGte:
		q.Gte(f.Column, f.Value)
	case remote.OpLt:
		q.Lt(f.Column, f.Value)
	case remote.OpLte:
		q.Lte(f.Column, f.Value)
	case remote.OpLike:
		q.Like(f.Column, fmt.Sprint(f.Value))
	case remote.OpILike:
		q.ILike(f.Column, fmt.Sprint(f.Value))
	case remote.OpIn:
		values, ok := f.Value.([]any)
		if !ok {
			return fmt.Errorf("%w: in filter on %s needs a list", remote.ErrInvalidRequest, f.Column)
		}
		q.In(f.Column, values)
	case remote.OpIs:
		q.Is(f.Column, f.Value)
	default:
		return fmt.Errorf("%w: %s", remote.ErrUnknownOperator, f.Op)
	}
	return nil
}

// Order adds ordering.
func (q *QueryBuilder) Order(column string, ascending bool) *QueryBuilder {
	dir := "asc"
	if !ascending {
		dir = "desc"
	}
	q.orders = append(q.orders, column+"."+dir)
	return q
}

// Limit limits the number of results.
func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	q.limit = n
	return q
}

// Offset sets the offset for pagination.
func (q *QueryBuilder) Offset(n int) *QueryBuilder {
	q.offset = n
	return q
}

// Upsert turns the next insert into an upsert resolving conflicts on the
// given columns.
func (q *QueryBuilder) Upsert(onConflict string) *QueryBuilder {
	q.upsert = true
	q.onConflict = onConflict
	return q
}

func (q *QueryBuilder) endpoint(extra url.Values) string {
	params := url.Values{}
	for k, vs := range q.filters {
		params[k] = append([]string(nil), vs...)
	}
	for k, vs := range extra {
		params[k] = vs
	}
	u := fmt.Sprintf("%s/rest/v1/%s", q.client.baseURL, url.PathEscape(q.table))
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// Execute runs the SELECT query.
func (q *QueryBuilder) Execute(ctx context.Context) (*Response, error) {
	params := url.Values{}
	if q.columns != "" {
		params.Set("select", q.columns)
	}
	if len(q.orders) > 0 {
		params.Set("order", strings.Join(q.orders, ","))
	}
	if q.limit > 0 {
		params.Set("limit", fmt.Sprint(q.limit))
	}
	if q.offset > 0 {
		params.Set("offset", fmt.Sprint(q.offset))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.endpoint(params), nil)
	if err != nil {
		return nil, err
	}
	q.client.setHeaders(req)
	return q.client.do(req)
}

// ExecuteInsert inserts data, or upserts after Upsert was called.
func (q *QueryBuilder) ExecuteInsert(ctx context.Context, data any) (*Response, error) {
	params := url.Values{}
	prefer := []string{"return=representation"}
	if q.upsert {
		prefer = append(prefer, "resolution=merge-duplicates")
		if q.onConflict != "" {
			params.Set("on_conflict", q.onConflict)
		}
	}
	return q.write(ctx, http.MethodPost, params, data, prefer)
}

// ExecuteUpdate updates the rows matching the filters.
func (q *QueryBuilder) ExecuteUpdate(ctx context.Context, data any) (*Response, error) {
	return q.write(ctx, http.MethodPatch, nil, data, []string{"return=representation"})
}

// ExecuteDelete deletes the rows matching the filters.
func (q *QueryBuilder) ExecuteDelete(ctx context.Context) (*Response, error) {
	return q.write(ctx, http.MethodDelete, nil, nil, []string{"return=representation"})
}

func (q *QueryBuilder) write(ctx context.Context, method string, params url.Values, data any, prefer []string) (*Response, error) {
	var body io.Reader
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal data: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.endpoint(params), body)
	if err != nil {
		return nil, err
	}
	q.client.setHeaders(req)
	req.Header.Set("Prefer", strings.Join(prefer, ","))
	return q.client.do(req)
}

// =============================================================================
// Response
// =============================================================================

// Response represents an API response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Rows decodes a PostgREST body into rows. A single object becomes one row and
// an empty body none.
func (r *Response) Rows() ([]remote.Row, error) {
	body := bytes.TrimSpace(r.Body)
	if len(body) == 0 {
		return []remote.Row{}, nil
	}
	if body[0] == '{' {
		var row remote.Row
		if err := json.Unmarshal(body, &row); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		return []remote.Row{row}, nil
	}
	var rows []remote.Row
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	if rows == nil {
		rows = []remote.Row{}
	}
	return rows, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (c *Client) bearer() string {
	if c.tokens != nil {
		if tok := c.tokens.AccessToken(); tok != "" {
			return tok
		}
	}
	return c.apiKey
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.bearer())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Client-Info", c.clientInfo)

	id := GetRequestID(req.Context())
	if id == "" {
		id = GenerateRequestID()
	}
	req.Header.Set("X-Request-Id", id)
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := parseAPIError(resp.StatusCode, body, req.Header.Get("X-Request-Id"))
		c.log.WithFields(map[string]interface{}{
			"method":     req.Method,
			"path":       req.URL.Path,
			"status":     resp.StatusCode,
			"code":       apiErr.Code,
			"request_id": apiErr.RequestID,
		}).Debug("supabase request failed")
		return nil, apiErr
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Headers:    resp.Header,
	}, nil
}
