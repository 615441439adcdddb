package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Wire format
// ============================================================================

// Event types carried on the live channel.
const (
	wireReady          = "ready"
	wireMessageCreated = "message.created"
	wireMessageStatus  = "message.status"
	wireTyping         = "typing"
)

// Envelope is the wire format for every live-channel frame, in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StatusPayload announces a delivery status change.
type StatusPayload struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// TypingPayload carries a typing indicator. SenderID is set by the server.
type TypingPayload struct {
	SenderID string `json:"senderId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a live channel.
type RealtimeConfig struct {
	// MaxReconnectAttempts bounds consecutive failed reconnects; 0 means unlimited.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
	EventBuffer          int
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 64
	}
}

// ChannelState represents the connection state.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateReconnecting ChannelState = "reconnecting"
)

// ============================================================================
// Events
// ============================================================================

// EventKind identifies a ChannelEvent.
type EventKind string

const (
	EventMessageCreated EventKind = "message.created"
	EventMessageStatus  EventKind = "message.status"
	EventTyping         EventKind = "typing"
	EventState          EventKind = "state"
)

// ChannelEvent is one item on a channel's event stream. Which fields are set
// depends on Kind.
type ChannelEvent struct {
	Kind EventKind

	// EventMessageCreated
	Message *Message

	// EventMessageStatus
	MessageID string
	Status    Status

	// EventTyping
	SenderID string
	IsTyping bool

	// EventState
	State ChannelState
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Channel
// ============================================================================

// RealtimeClient creates live channels.
type RealtimeClient struct{ client *Client }

// URL returns the websocket URL for a room.
func (r *RealtimeClient) URL(roomID string) string {
	base := strings.Replace(r.client.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	q := url.Values{}
	q.Set("room", roomID)
	if r.client.token != "" {
		q.Set("token", r.client.token)
	}
	return base + "/ws?" + q.Encode()
}

// Channel creates a live channel for roomID. Call Open to start it.
func (r *RealtimeClient) Channel(roomID string, config *RealtimeConfig) *Channel {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	// The handshake is bounded by HandshakeTimeout; a client-wide timeout
	// would also cut long-lived connections.
	hc := *r.client.httpClient
	hc.Timeout = 0

	return &Channel{
		url:        r.URL(roomID),
		roomID:     roomID,
		token:      r.client.token,
		httpClient: &hc,
		config:     cfg,
		log:        r.client.log.With().Str("room", roomID).Logger(),
		recon:      newReconnector(&cfg),
		events:     make(chan ChannelEvent, cfg.EventBuffer),
		state:      StateDisconnected,
		done:       make(chan struct{}),
	}
}

// Channel is the live connection for one open conversation. It reconnects on
// its own and never reports errors to callers: failures show up only as state
// transitions on the event stream and in the log.
type Channel struct {
	url        string
	roomID     string
	token      string
	httpClient *http.Client
	config     RealtimeConfig
	log        zerolog.Logger
	recon      *reconnector

	events chan ChannelEvent
	done   chan struct{}

	mu      sync.Mutex
	state   ChannelState
	conn    *websocket.Conn
	started bool
	closed  bool
	cancel  context.CancelFunc
}

// Events returns the event stream. It is closed once the channel stops.
func (ch *Channel) Events() <-chan ChannelEvent {
	return ch.events
}

// State returns the current connection state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// IsConnected reports whether the channel is currently connected.
func (ch *Channel) IsConnected() bool {
	return ch.State() == StateConnected
}

// Open starts connecting in the background. It returns immediately; calling it
// again, or after Close, does nothing.
func (ch *Channel) Open(ctx context.Context) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.started || ch.closed {
		return
	}
	ch.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch.cancel = cancel
	go ch.run(runCtx)
}

// Close stops the channel for good. The event stream is closed after the
// final disconnected state.
func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	started := ch.started
	if ch.cancel != nil {
		ch.cancel()
	}
	conn := ch.conn
	ch.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if !started {
		ch.mu.Lock()
		ch.state = StateDisconnected
		ch.mu.Unlock()
		close(ch.events)
		close(ch.done)
		return
	}
	<-ch.done
}

// SendTyping pushes the local typing state to the peer.
func (ch *Channel) SendTyping(ctx context.Context, isTyping bool) error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(TypingPayload{IsTyping: isTyping})
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, conn, Envelope{Type: wireTyping, Payload: payload})
}

func (ch *Channel) run(ctx context.Context) {
	defer close(ch.done)
	defer close(ch.events)
	defer ch.setState(ctx, StateDisconnected)

	ch.setState(ctx, StateConnecting)
	for {
		conn, err := ch.dial(ctx)
		if err == nil {
			ch.recon.markConnected()
			ch.setState(ctx, StateConnected)
			err = ch.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			ch.log.Warn().Err(err).Msg("live channel dropped")
			ch.setState(ctx, StateDisconnected)
		} else {
			if ctx.Err() != nil {
				return
			}
			ch.log.Warn().Err(err).Msg("live channel connect failed")
		}

		if !ch.recon.shouldReconnect() {
			ch.log.Error().Int("attempts", ch.recon.attempt).Msg("giving up reconnecting")
			return
		}
		delay := ch.recon.nextDelay()
		ch.setState(ctx, StateReconnecting)
		ch.log.Info().Int("attempt", ch.recon.attempt).Dur("delay", delay).Msg("reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (ch *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, ch.config.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if ch.token != "" {
		header.Set("Authorization", "Bearer "+ch.token)
	}
	conn, _, err := websocket.Dial(dialCtx, ch.url, &websocket.DialOptions{
		HTTPClient: ch.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	// First frame acknowledges the room subscription.
	var env Envelope
	if err := wsjson.Read(dialCtx, conn, &env); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read ready frame: %w", err)
	}
	if env.Type != wireReady {
		conn.Close(websocket.StatusPolicyViolation, "expected ready")
		return nil, fmt.Errorf("expected %q, got %q", wireReady, env.Type)
	}
	return conn, nil
}

// serve reads frames until the connection fails or ctx ends.
func (ch *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return context.Canceled
	}
	ch.conn = conn
	ch.mu.Unlock()

	defer func() {
		ch.mu.Lock()
		ch.conn = nil
		ch.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "")
	}()

	go ch.heartbeatLoop(connCtx, conn)

	for {
		var env Envelope
		if err := wsjson.Read(connCtx, conn, &env); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("read: %w", err)
		}
		ch.dispatch(connCtx, env)
	}
}

func (ch *Channel) dispatch(ctx context.Context, env Envelope) {
	switch env.Type {
	case wireMessageCreated:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil || m.ID == "" {
			ch.log.Warn().Err(err).Msg("malformed message.created")
			return
		}
		ch.emit(ctx, ChannelEvent{Kind: EventMessageCreated, Message: &m})
	case wireMessageStatus:
		var p StatusPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.ID == "" {
			ch.log.Warn().Err(err).Msg("malformed message.status")
			return
		}
		ch.emit(ctx, ChannelEvent{Kind: EventMessageStatus, MessageID: p.ID, Status: p.Status})
	case wireTyping:
		var p TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			ch.log.Warn().Err(err).Msg("malformed typing")
			return
		}
		ch.emit(ctx, ChannelEvent{Kind: EventTyping, SenderID: p.SenderID, IsTyping: p.IsTyping})
	case wireReady:
	default:
		ch.log.Debug().Str("type", env.Type).Msg("ignoring unknown frame")
	}
}

func (ch *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ch.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// Heartbeat failed; force close so the read loop reconnects.
				ch.log.Warn().Err(err).Msg("heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// setState records s and announces it. Only the run goroutine calls it.
func (ch *Channel) setState(ctx context.Context, s ChannelState) {
	ch.mu.Lock()
	if ch.state == s {
		ch.mu.Unlock()
		return
	}
	ch.state = s
	ch.mu.Unlock()

	ch.log.Debug().Str("state", string(s)).Msg("live channel state")
	if ctx.Err() != nil {
		// Shutting down; deliver the final state only if there is room.
		select {
		case ch.events <- ChannelEvent{Kind: EventState, State: s}:
		default:
		}
		return
	}
	ch.emit(ctx, ChannelEvent{Kind: EventState, State: s})
}

func (ch *Channel) emit(ctx context.Context, ev ChannelEvent) {
	select {
	case ch.events <- ev:
	case <-ctx.Done():
	}
}
