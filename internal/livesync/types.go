package livesync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle state of the managed subscription.
type State int32

const (
	StateIdle State = iota
	StateSubscribing
	StateActive
	StateClosed
	StateErrored
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ChannelStatus is a lifecycle signal reported by a push channel.
type ChannelStatus int

const (
	ChannelActive ChannelStatus = iota
	ChannelErrored
	ChannelClosed
)

func (s ChannelStatus) String() string {
	switch s {
	case ChannelActive:
		return "active"
	case ChannelErrored:
		return "errored"
	case ChannelClosed:
		return "closed"
	default:
		return fmt.Sprintf("channel(%d)", int(s))
	}
}

// Change is one inbound change notification. The payload is passed through
// uninterpreted.
type Change struct {
	Topic    string          `json:"topic"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Received time.Time       `json:"received"`
}

// Handle is one open push subscription.
type Handle interface {
	ID() string
	Topics() []string
	Close() error
}

// Subscriber opens push subscriptions. onChange and onStatus may be called
// from any goroutine, including before Subscribe returns.
type Subscriber interface {
	Subscribe(ctx context.Context, topics []string, onChange func(Change), onStatus func(ChannelStatus, error)) (Handle, error)
}
