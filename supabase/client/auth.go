package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fifatracker/datalayer/internal/backoff"
	"github.com/fifatracker/datalayer/internal/executor"
	"github.com/fifatracker/datalayer/internal/scheduler"
	"github.com/fifatracker/datalayer/internal/session"
	"github.com/fifatracker/datalayer/pkg/logger"
)

// ErrNoSession is returned by operations that need a signed-in user.
var ErrNoSession = errors.New("no active session")

// DefaultRefreshMargin is how long before expiry a session is refreshed.
const DefaultRefreshMargin = 60 * time.Second

// DefaultRefreshRetry bounds the attempts of one token refresh. Only
// transient failures are retried.
var DefaultRefreshRetry = backoff.Policy{
	MaxAttempts:    5,
	BaseDelay:      time.Second,
	MaxDelay:       30 * time.Second,
	JitterFraction: 0.1,
}

// =============================================================================
// Auth Operations
// =============================================================================

// Auth returns an auth client.
func (c *Client) Auth() *AuthClient {
	return &AuthClient{client: c}
}

// AuthClient handles GoTrue requests.
type AuthClient struct {
	client *Client
}

// SignIn exchanges an email and password for a session.
func (a *AuthClient) SignIn(ctx context.Context, email, password string) (*AuthResponse, error) {
	return a.token(ctx, "password", map[string]string{
		"email":    email,
		"password": password,
	})
}

// Refresh exchanges a refresh token for a new session.
func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	return a.token(ctx, "refresh_token", map[string]string{
		"refresh_token": refreshToken,
	})
}

func (a *AuthClient) token(ctx context.Context, grant string, payload map[string]string) (*AuthResponse, error) {
	reqURL := fmt.Sprintf("%s/auth/v1/token?grant_type=%s", a.client.baseURL, grant)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	a.client.setHeaders(req)
	// Token grants authenticate with the anon key, never a stale session.
	req.Header.Set("Authorization", "Bearer "+a.client.apiKey)

	resp, err := a.client.do(req)
	if err != nil {
		return nil, err
	}

	var authResp AuthResponse
	if err := json.Unmarshal(resp.Body, &authResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if authResp.AccessToken == "" {
		return nil, fmt.Errorf("unmarshal response: missing access token")
	}
	return &authResp, nil
}

// SignOut revokes the session behind accessToken.
func (a *AuthClient) SignOut(ctx context.Context, accessToken string) error {
	reqURL := fmt.Sprintf("%s/auth/v1/logout", a.client.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	a.client.setHeaders(req)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	_, err = a.client.do(req)
	return err
}

// GetUser gets the user behind accessToken.
func (a *AuthClient) GetUser(ctx context.Context, accessToken string) (*User, error) {
	reqURL := fmt.Sprintf("%s/auth/v1/user", a.client.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	a.client.setHeaders(req)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.client.do(req)
	if err != nil {
		return nil, err
	}

	var user User
	if err := json.Unmarshal(resp.Body, &user); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &user, nil
}

// AuthResponse is the response from token grants.
type AuthResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         *User  `json:"user"`
}

// Session converts the response into a session. Expiry comes from the token
// claims, then expires_at, then expires_in relative to now.
func (r *AuthResponse) Session(now time.Time) (*session.Session, error) {
	s, err := session.FromTokens(r.AccessToken, r.RefreshToken)
	if err != nil {
		return nil, err
	}
	if s.ExpiresAt.IsZero() {
		switch {
		case r.ExpiresAt > 0:
			s.ExpiresAt = time.Unix(r.ExpiresAt, 0)
		case r.ExpiresIn > 0:
			s.ExpiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second)
		}
	}
	if r.User != nil {
		if s.UserID == "" {
			s.UserID = r.User.ID
		}
		if s.Email == "" {
			s.Email = r.User.Email
		}
	}
	return s, nil
}

// User represents a Supabase user.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	Role         string         `json:"role"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
	AppMetadata  map[string]any `json:"app_metadata"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// =============================================================================
// Session Manager
// =============================================================================

// SessionManager keeps a session alive and publishes its lifecycle to a
// session.Store. With auto refresh on, a refresh is scheduled margin before
// each session expires. Transient refresh failures are retried with backoff;
// a terminal failure, or running out of attempts, publishes TokenRefreshed
// without a session.
type SessionManager struct {
	auth        *AuthClient
	store       *session.Store
	margin      time.Duration
	autoRefresh bool
	retry       backoff.Policy
	delays      *backoff.Scheduler
	tasks       *scheduler.Group
	log         *logger.Logger

	mu      sync.Mutex
	refresh *scheduler.Token
	closed  bool
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithSessionClock schedules refreshes on clock.
func WithSessionClock(clock scheduler.Clock) SessionOption {
	return func(m *SessionManager) { m.tasks = scheduler.NewGroup(clock) }
}

// WithRefreshMargin overrides DefaultRefreshMargin.
func WithRefreshMargin(margin time.Duration) SessionOption {
	return func(m *SessionManager) {
		if margin > 0 {
			m.margin = margin
		}
	}
}

// WithAutoRefresh toggles scheduled refreshes.
func WithAutoRefresh(enabled bool) SessionOption {
	return func(m *SessionManager) { m.autoRefresh = enabled }
}

// WithRefreshRetry overrides DefaultRefreshRetry. MaxAttempts <= 1 disables
// retries.
func WithRefreshRetry(p backoff.Policy) SessionOption {
	return func(m *SessionManager) { m.retry = p }
}

// WithSessionBackoff sets the jitter source for refresh retries.
func WithSessionBackoff(s *backoff.Scheduler) SessionOption {
	return func(m *SessionManager) { m.delays = s }
}

// WithSessionLogger sets the logger.
func WithSessionLogger(log *logger.Logger) SessionOption {
	return func(m *SessionManager) { m.log = log }
}

// NewSessionManager returns a manager publishing to store.
func NewSessionManager(auth *AuthClient, store *session.Store, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		auth:        auth,
		store:       store,
		margin:      DefaultRefreshMargin,
		autoRefresh: true,
		retry:       DefaultRefreshRetry,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tasks == nil {
		m.tasks = scheduler.NewGroup(nil)
	}
	if m.delays == nil {
		m.delays = backoff.NewRandomScheduler()
	}
	m.log = logger.OrDefault(m.log, "session")
	return m
}

var _ session.Provider = (*SessionManager)(nil)

// Current returns the current session.
func (m *SessionManager) Current(ctx context.Context) (*session.Session, error) {
	return m.store.Current(ctx)
}

// OnAuthStateChange registers fn for session events.
func (m *SessionManager) OnAuthStateChange(fn func(session.Event)) func() {
	return m.store.OnAuthStateChange(fn)
}

// AccessToken returns the current access token or "".
func (m *SessionManager) AccessToken() string {
	s, _ := m.store.Current(context.Background())
	if s == nil {
		return ""
	}
	return s.AccessToken
}

// SignIn authenticates and publishes SignedIn.
func (m *SessionManager) SignIn(ctx context.Context, email, password string) (*session.Session, error) {
	resp, err := m.auth.SignIn(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	s, err := resp.Session(m.tasks.Clock().Now())
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	m.adopt(s)
	m.store.Publish(session.Event{Type: session.SignedIn, Session: s})
	m.log.WithField("user_id", s.UserID).Info("signed in")
	return s, nil
}

// Refresh exchanges the current refresh token. A transient failure schedules
// another attempt and returns the error without publishing; a terminal one, or
// the last attempt, publishes a failed TokenRefreshed event.
func (m *SessionManager) Refresh(ctx context.Context) (*session.Session, error) {
	return m.refreshAttempt(ctx, 1)
}

func (m *SessionManager) refreshAttempt(ctx context.Context, attempt int) (*session.Session, error) {
	cur, _ := m.store.Current(ctx)
	if cur == nil || cur.RefreshToken == "" {
		return nil, ErrNoSession
	}

	resp, err := m.auth.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		err = fmt.Errorf("refresh session: %w", err)
		if executor.IsRetryable(err) && attempt < m.retry.MaxAttempts && m.scheduleRetry(attempt) {
			m.log.WithError(err).WithField("attempt", attempt).Warn("session refresh failed, retrying")
			return nil, err
		}
		return nil, m.refreshFailed(err)
	}
	s, err := resp.Session(m.tasks.Clock().Now())
	if err != nil {
		return nil, m.refreshFailed(fmt.Errorf("refresh session: %w", err))
	}

	m.adopt(s)
	m.store.Publish(session.Event{Type: session.TokenRefreshed, Session: s})
	return s, nil
}

func (m *SessionManager) refreshFailed(err error) error {
	m.log.WithError(err).Warn("session refresh failed")
	m.store.Publish(session.Event{Type: session.TokenRefreshed})
	return err
}

func (m *SessionManager) scheduleRetry(attempt int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.refresh.Cancel()
	m.refresh = m.tasks.After(m.delays.NextDelay(attempt, m.retry), func() {
		_, _ = m.refreshAttempt(context.Background(), attempt+1)
	})
	return true
}

// SignOut revokes the session remotely and publishes SignedOut. The local
// session is dropped even when revocation fails.
func (m *SessionManager) SignOut(ctx context.Context) error {
	cur, _ := m.store.Current(ctx)

	m.mu.Lock()
	m.refresh.Cancel()
	m.refresh = nil
	m.mu.Unlock()

	var err error
	if cur != nil {
		err = m.auth.SignOut(ctx, cur.AccessToken)
	}
	m.store.Publish(session.Event{Type: session.SignedOut})
	return err
}

// Close cancels the pending refresh.
func (m *SessionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.refresh.Cancel()
	m.refresh = nil
}

func (m *SessionManager) adopt(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refresh.Cancel()
	m.refresh = nil
	if m.closed || !m.autoRefresh || s.ExpiresAt.IsZero() || s.RefreshToken == "" {
		return
	}

	delay := s.ExpiresAt.Sub(m.tasks.Clock().Now()) - m.margin
	if delay < 0 {
		delay = 0
	}
	m.refresh = m.tasks.After(delay, func() {
		_, _ = m.Refresh(context.Background())
	})
}
