package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/fifatracker/datalayer/internal/livesync"
	"github.com/fifatracker/datalayer/pkg/logger"
)

const (
	// DefaultChannel is the realtime channel every table subscription joins.
	DefaultChannel = "global_live"
	// DefaultHeartbeat is the Phoenix heartbeat interval.
	DefaultHeartbeat = 30 * time.Second

	writeTimeout = 10 * time.Second
)

// RealtimeConfig configures a Realtime subscriber.
type RealtimeConfig struct {
	URL       string
	APIKey    string
	Channel   string
	Schema    string
	Heartbeat time.Duration
	Tokens    TokenSource
	Dialer    *websocket.Dialer
	Logger    *logger.Logger
}

// Realtime opens postgres_changes subscriptions over the Supabase Realtime
// websocket. Each subscription owns one socket and one channel.
type Realtime struct {
	url       string
	apiKey    string
	channel   string
	schema    string
	heartbeat time.Duration
	tokens    TokenSource
	dialer    *websocket.Dialer
	log       *logger.Logger
}

var _ livesync.Subscriber = (*Realtime)(nil)

// NewRealtime creates a realtime subscriber.
func NewRealtime(cfg RealtimeConfig) (*Realtime, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("APIKey is required")
	}
	wsURL, err := websocketURL(cfg.URL, cfg.APIKey)
	if err != nil {
		return nil, err
	}

	r := &Realtime{
		url:       wsURL,
		apiKey:    cfg.APIKey,
		channel:   cfg.Channel,
		schema:    cfg.Schema,
		heartbeat: cfg.Heartbeat,
		tokens:    cfg.Tokens,
		dialer:    cfg.Dialer,
		log:       logger.OrDefault(cfg.Logger, "realtime"),
	}
	if r.channel == "" {
		r.channel = DefaultChannel
	}
	if r.schema == "" {
		r.schema = "public"
	}
	if r.heartbeat <= 0 {
		r.heartbeat = DefaultHeartbeat
	}
	if r.dialer == nil {
		r.dialer = websocket.DefaultDialer
	}
	return r, nil
}

// Realtime returns a subscriber sharing the client's project, key and tokens.
func (c *Client) Realtime(channel string) (*Realtime, error) {
	return NewRealtime(RealtimeConfig{
		URL:     c.baseURL,
		APIKey:  c.apiKey,
		Channel: channel,
		Tokens:  c.tokens,
		Logger:  c.log,
	})
}

// websocketURL converts the project URL into the realtime endpoint.
func websocketURL(base, apiKey string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid URL scheme %q", u.Scheme)
	}
	u.Path += "/realtime/v1/websocket"
	q := url.Values{}
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// phxMessage is a Phoenix channel frame.
type phxMessage struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref"`
	JoinRef string `json:"join_ref,omitempty"`
}

// PostgresChangesConfig selects the table changes delivered on a channel.
type PostgresChangesConfig struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// Subscribe dials the realtime socket and joins one channel listening to
// every change on topics. The returned handle reports Active once the join
// is acknowledged.
func (r *Realtime) Subscribe(ctx context.Context, topics []string, onChange func(livesync.Change), onStatus func(livesync.ChannelStatus, error)) (livesync.Handle, error) {
	if len(topics) == 0 {
		return nil, livesync.ErrNoTopics
	}

	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	sub := &subscription{
		id:       uuid.NewString(),
		topic:    "realtime:" + r.channel,
		topics:   append([]string(nil), topics...),
		conn:     conn,
		onChange: onChange,
		onStatus: onStatus,
		done:     make(chan struct{}),
	}
	sub.log = &logger.Logger{Entry: r.log.WithField("subscription", sub.id)}

	join := map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]any{"self": false},
			"presence":         map[string]any{"key": ""},
			"postgres_changes": r.changesConfig(topics),
		},
	}
	if r.tokens != nil {
		if tok := r.tokens.AccessToken(); tok != "" {
			join["access_token"] = tok
		}
	}
	sub.joinRef = sub.nextRef()
	if err := sub.write(phxMessage{
		Topic:   sub.topic,
		Event:   "phx_join",
		Payload: join,
		Ref:     sub.joinRef,
		JoinRef: sub.joinRef,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join channel: %w", err)
	}

	sub.log.WithField("topics", strings.Join(topics, ",")).Debug("realtime channel joining")
	go sub.readLoop()
	go sub.heartbeatLoop(r.heartbeat)
	return sub, nil
}

func (r *Realtime) changesConfig(topics []string) []PostgresChangesConfig {
	out := make([]PostgresChangesConfig, 0, len(topics))
	for _, t := range topics {
		out = append(out, PostgresChangesConfig{Event: "*", Schema: r.schema, Table: t})
	}
	return out
}

// subscription is one joined channel on its own socket.
type subscription struct {
	id       string
	topic    string
	topics   []string
	joinRef  string
	conn     *websocket.Conn
	onChange func(livesync.Change)
	onStatus func(livesync.ChannelStatus, error)
	log      *logger.Logger

	ref       atomic.Uint64
	writeMu   sync.Mutex
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) Topics() []string { return append([]string(nil), s.topics...) }

// Close leaves the channel and closes the socket. No status is reported
// afterwards.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		_ = s.write(phxMessage{Topic: s.topic, Event: "phx_leave", Payload: map[string]any{}, Ref: s.nextRef()})
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		s.writeMu.Unlock()
		close(s.done)
		s.conn.Close()
	})
	return nil
}

func (s *subscription) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

func (s *subscription) write(msg phxMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(msg)
}

func (s *subscription) report(status livesync.ChannelStatus, err error) {
	if s.closing.Load() || s.onStatus == nil {
		return
	}
	s.onStatus(status, err)
}

func (s *subscription) readLoop() {
	defer s.conn.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closing.Load() {
				s.log.WithError(err).Warn("realtime socket lost")
				s.report(livesync.ChannelErrored, fmt.Errorf("realtime read: %w", err))
			}
			return
		}
		if !s.dispatch(data) {
			return
		}
	}
}

// dispatch handles one frame and reports whether reading should continue.
func (s *subscription) dispatch(data []byte) bool {
	if !gjson.ValidBytes(data) {
		s.log.Debug("dropping malformed realtime frame")
		return true
	}
	msg := gjson.ParseBytes(data)
	if msg.Get("topic").String() != s.topic {
		return true
	}

	switch msg.Get("event").String() {
	case "phx_reply":
		if msg.Get("ref").String() != s.joinRef {
			return true
		}
		if msg.Get("payload.status").String() == "ok" {
			s.report(livesync.ChannelActive, nil)
			return true
		}
		reason := msg.Get("payload.response.reason").String()
		if reason == "" {
			reason = msg.Get("payload.status").String()
		}
		s.report(livesync.ChannelErrored, fmt.Errorf("join rejected: %s", reason))
	case "phx_error":
		s.report(livesync.ChannelErrored, errors.New("channel error"))
	case "phx_close":
		s.report(livesync.ChannelClosed, nil)
		return false
	case "system":
		if msg.Get("payload.status").String() == "error" {
			s.report(livesync.ChannelErrored, errors.New(msg.Get("payload.message").String()))
		}
	case "postgres_changes":
		change := msg.Get("payload.data")
		if !change.Exists() || s.closing.Load() || s.onChange == nil {
			return true
		}
		s.onChange(livesync.Change{
			Topic:    change.Get("table").String(),
			Event:    change.Get("type").String(),
			Payload:  json.RawMessage(change.Raw),
			Received: time.Now(),
		})
	}
	return true
}

// heartbeatLoop keeps the socket alive. A failed write closes the socket and
// leaves reporting to the read loop.
func (s *subscription) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			err := s.write(phxMessage{Topic: "phoenix", Event: "heartbeat", Payload: map[string]any{}, Ref: s.nextRef()})
			if err != nil {
				if !s.closing.Load() {
					s.log.WithError(err).Warn("realtime heartbeat failed")
				}
				s.conn.Close()
				return
			}
		}
	}
}
