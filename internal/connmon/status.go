package connmon

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the believed connectivity state.
type Status int32

const (
	// StatusConnected is the optimistic initial state.
	StatusConnected Status = iota

	// StatusDisconnected means the last probe failed or a network or session
	// signal forced the connection down.
	StatusDisconnected

	// StatusReconnecting means the reconnect loop is running.
	StatusReconnecting

	// StatusPaused means the host suspended monitoring.
	StatusPaused
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusPaused:
		return "paused"
	default:
		return fmt.Sprintf("status(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Reason explains why a StatusEvent was emitted.
type Reason int32

const (
	ReasonInitial Reason = iota
	ReasonReconnected
	ReasonConnectionLost
	ReasonNetworkOffline
	ReasonSessionExpired
	ReasonReconnecting
	ReasonMaxAttemptsReached
)

// String returns the string representation of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonInitial:
		return "initial"
	case ReasonReconnected:
		return "reconnected"
	case ReasonConnectionLost:
		return "connection_lost"
	case ReasonNetworkOffline:
		return "network_offline"
	case ReasonSessionExpired:
		return "session_expired"
	case ReasonReconnecting:
		return "reconnecting"
	case ReasonMaxAttemptsReached:
		return "max_attempts_reached"
	default:
		return fmt.Sprintf("reason(%d)", r)
	}
}

// MarshalJSON implements json.Marshaler.
func (r Reason) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// StatusEvent is broadcast to listeners on every transition. Attempt and
// NextRetryAt are set for ReasonReconnecting and ReasonMaxAttemptsReached.
type StatusEvent struct {
	Connected   bool      `json:"connected"`
	Reason      Reason    `json:"reason"`
	Attempt     int       `json:"attempt,omitempty"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
	Err         error     `json:"-"`
	Timestamp   time.Time `json:"timestamp"`
}

// Snapshot is a point-in-time view of the monitor for diagnostics.
type Snapshot struct {
	Status           Status        `json:"status"`
	Connected        bool          `json:"connected"`
	Paused           bool          `json:"paused"`
	Offline          bool          `json:"offline"`
	SessionExpired   bool          `json:"session_expired"`
	Attempts         int           `json:"reconnect_attempts"`
	LastSuccess      time.Time     `json:"last_success"`
	SinceLastSuccess time.Duration `json:"since_last_success"`
}
