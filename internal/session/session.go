// Package session models the authenticated user session the data layer
// reacts to, and a small in-memory store that publishes auth state changes.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fifatracker/datalayer/internal/events"
	"github.com/fifatracker/datalayer/pkg/logger"
)

// ErrMalformedToken is returned when an access token cannot be decoded.
var ErrMalformedToken = errors.New("malformed access token")

// Session is an authenticated user session.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email,omitempty"`
	Role         string    `json:"role,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ExpiresWithin reports whether the session expires within margin of now.
// A session without an expiry never does.
func (s *Session) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(s.ExpiresAt)
}

// FromTokens builds a Session from a token pair. The access token claims are
// decoded without verifying the signature; the backend verifies every request.
func FromTokens(accessToken, refreshToken string) (*Session, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return &Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		UserID:       stringClaim(claims, "sub"),
		Email:        stringClaim(claims, "email"),
		Role:         stringClaim(claims, "role"),
		ExpiresAt:    timeClaim(claims, "exp"),
	}, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if s, ok := claims[key].(string); ok {
		return s
	}
	return ""
}

func timeClaim(claims jwt.MapClaims, key string) time.Time {
	switch v := claims[key].(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return time.Unix(n, 0)
		}
	}
	return time.Time{}
}

// EventType is an auth lifecycle event.
type EventType int

const (
	SignedIn EventType = iota
	SignedOut
	TokenRefreshed
	UserUpdated
)

func (t EventType) String() string {
	switch t {
	case SignedIn:
		return "SIGNED_IN"
	case SignedOut:
		return "SIGNED_OUT"
	case TokenRefreshed:
		return "TOKEN_REFRESHED"
	case UserUpdated:
		return "USER_UPDATED"
	default:
		return fmt.Sprintf("EVENT(%d)", int(t))
	}
}

// Event is one auth state change. A TokenRefreshed event with a nil Session
// means the refresh failed.
type Event struct {
	Type    EventType
	Session *Session
}

// Failed reports whether the event signals a failed refresh.
func (e Event) Failed() bool {
	return e.Type == TokenRefreshed && e.Session == nil
}

// Provider gives access to the current session and its changes.
type Provider interface {
	Current(ctx context.Context) (*Session, error)
	OnAuthStateChange(fn func(Event)) (unsubscribe func())
}

// Store is an in-memory Provider fed by Publish.
type Store struct {
	mu        sync.RWMutex
	current   *Session
	listeners *events.Registry[Event]
}

// NewStore returns an empty store. log may be nil.
func NewStore(log *logger.Logger) *Store {
	return &Store{listeners: events.NewRegistry[Event](logger.OrDefault(log, "session"))}
}

// Current returns the current session or nil.
func (s *Store) Current(context.Context) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

// OnAuthStateChange registers fn and returns a function removing it.
func (s *Store) OnAuthStateChange(fn func(Event)) func() {
	id := s.listeners.Add(fn)
	return func() { s.listeners.Remove(id) }
}

// Publish applies ev to the stored session and notifies listeners.
func (s *Store) Publish(ev Event) {
	s.mu.Lock()
	switch ev.Type {
	case SignedOut:
		s.current = nil
	default:
		s.current = ev.Session
	}
	s.mu.Unlock()
	s.listeners.Notify(ev)
}
