/*
 * internal/wsclient/client.go
 *
 * Resilient websocket client used by dashboard frontends. Wraps a raw
 * connection with exponential-backoff reconnection, heartbeat liveness
 * detection and per-topic callback dispatch, and re-issues subscriptions
 * after a reconnect.
 */

package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsdeck/opsdeck/internal/broadcast"
	"github.com/opsdeck/opsdeck/internal/config"
	"github.com/opsdeck/opsdeck/internal/logging"
)

// State describes the connection lifecycle as observed by callbacks on the
// reserved "connection" topic.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// TopicConnection is a reserved pseudo-topic. Subscribers to it receive
// connection-state-change notifications rather than server messages.
const TopicConnection = "connection"

// Envelope is the client-side view of a server message. Data stays raw so
// each subscriber can decode it into its own payload type.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// StatePayload is the data field of connection-topic notifications.
type StatePayload struct {
	Status State `json:"status"`
}

// Handler receives messages dispatched for a subscribed topic. Handlers run
// on the client's read goroutine and must not block.
type Handler func(Envelope)

// Conn is the narrow slice of a websocket connection the client needs. It is
// satisfied by gorilla connections via gorillaConn and by fakes in tests.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	WriteClose(code int) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc opens a transport to the server. The context bounds the dial.
type DialFunc func(ctx context.Context, url string) (Conn, error)

type gorillaConn struct {
	*websocket.Conn
}

func (g gorillaConn) WriteClose(code int) error {
	msg := websocket.FormatCloseMessage(code, "")
	return g.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func defaultDial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: config.ClientDialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return gorillaConn{conn}, nil
}

// Options configures a Client. Zero values fall back to the defaults in the
// config package.
type Options struct {
	URL  string
	Dial DialFunc

	HeartbeatInterval      time.Duration
	HeartbeatTimeout       time.Duration
	ReconnectBaseDelay     time.Duration
	ReconnectBackoffFactor float64
	MaxReconnectAttempts   int
	WriteTimeout           time.Duration

	// OfflineFallback starts a local generator that synthesizes periodic
	// updates through the normal dispatch path when the server cannot be
	// reached, so UI components can be exercised without a live backend.
	OfflineFallback bool
	MockIntervals   MockIntervals

	Logger logging.Logger
}

type subscription struct {
	topic   string
	handler Handler
}

// Client maintains a websocket connection to the broadcast hub, reconnecting
// with exponential backoff after unclean closes.
type Client struct {
	opts Options

	mu               sync.Mutex
	state            State
	conn             Conn
	clientID         string
	closed           bool
	attempts         int
	reconnectPending bool
	reconnectTimer   *time.Timer
	heartbeatStop    chan struct{}
	lastHeartbeat    time.Time

	subsMu sync.RWMutex
	subs   map[uint64]subscription
	nextID uint64

	// dispatchMu serialises handler invocation so Disconnect can wait for
	// in-flight callbacks after clearing the registry.
	dispatchMu sync.Mutex

	mock *mockFeed
}

// New constructs a client. Connect must be called to open the transport.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("server url is required")
	}
	if opts.Dial == nil {
		opts.Dial = defaultDial
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = config.ClientHeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = config.ClientHeartbeatTimeout
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = config.ClientReconnectBaseDelay
	}
	if opts.ReconnectBackoffFactor <= 1 {
		opts.ReconnectBackoffFactor = config.ClientReconnectBackoffFactor
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = config.ClientMaxReconnectAttempts
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = config.StreamWriteTimeout
	}
	opts.MockIntervals = opts.MockIntervals.withDefaults()
	if opts.Logger == nil {
		opts.Logger = logging.Noop{}
	}
	return &Client{
		opts:  opts,
		state: StateDisconnected,
		subs:  map[uint64]subscription{},
	}, nil
}

// Connect opens the transport. No-op if already connected. A fresh Connect
// resets the reconnect-attempt counter even after an earlier give-up.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.attempts = 0
	c.mu.Unlock()
	return c.open()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the identifier assigned by the server in its welcome
// message, or "" before one has been received.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Subscribe registers a handler for a delivery topic ("cluster",
// "infrastructure", "metrics") and returns an identifier for Unsubscribe.
// The handler receives the update messages that topic carries. The first
// subscription to a server topic is forwarded to the server immediately when
// connected.
func (c *Client) Subscribe(topic string, handler Handler) uint64 {
	if handler == nil {
		return 0
	}
	c.subsMu.Lock()
	c.nextID++
	id := c.nextID
	first := topic != TopicConnection && !c.topicSubscribedLocked(topic)
	c.subs[id] = subscription{topic: topic, handler: handler}
	c.subsMu.Unlock()

	if first {
		c.sendSubscription(broadcast.MessageTypeSubscribe, topic)
	}
	return id
}

// Unsubscribe removes a registration. Safe to call repeatedly; once the last
// handler for a server topic is gone the server subscription is dropped too.
func (c *Client) Unsubscribe(id uint64) {
	c.subsMu.Lock()
	sub, ok := c.subs[id]
	if !ok {
		c.subsMu.Unlock()
		return
	}
	delete(c.subs, id)
	last := sub.topic != TopicConnection && !c.topicSubscribedLocked(sub.topic)
	c.subsMu.Unlock()

	if last {
		c.sendSubscription(broadcast.MessageTypeUnsubscribe, sub.topic)
	}
}

// On registers a typed handler: the envelope's data field is decoded into T
// before the callback runs. Payloads that fail to decode are logged and
// dropped.
func On[T any](c *Client, topic string, fn func(T)) uint64 {
	return c.Subscribe(topic, func(env Envelope) {
		var payload T
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.opts.Logger.Warn(fmt.Sprintf("dropping %s payload: %v", env.Type, err), "WSClient")
			return
		}
		fn(payload)
	})
}

// Disconnect closes the transport deliberately: heartbeat and reconnect
// timers are cancelled, the connection is closed with a normal close code and
// all subscriptions are cleared. No callbacks fire after it returns, and no
// reconnect is attempted.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectPending = false
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteClose(websocket.CloseNormalClosure)
		_ = conn.Close()
	}
	c.stopMock()
	c.notifyState(StateDisconnected)

	// Taking dispatchMu waits out any in-flight callback batch; clearing the
	// registry under it means later batches re-check and find nothing, so
	// callers may rely on silence after this point.
	c.dispatchMu.Lock()
	c.subsMu.Lock()
	c.subs = map[uint64]subscription{}
	c.subsMu.Unlock()
	c.dispatchMu.Unlock()
}

// open performs one dial attempt and, on success, wires the read and
// heartbeat loops. Used by Connect and by scheduled reconnects.
func (c *Client) open() error {
	c.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), config.ClientDialTimeout)
	conn, err := c.opts.Dial(ctx, c.opts.URL)
	cancel()
	if err != nil {
		c.opts.Logger.Warn(fmt.Sprintf("dial %s failed: %v", c.opts.URL, err), "WSClient")
		c.setState(StateError)
		if c.opts.OfflineFallback {
			c.startMock()
		}
		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("client is disconnected")
	}
	c.conn = conn
	c.attempts = 0
	c.lastHeartbeat = time.Now()
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	c.stopMock()
	c.setState(StateConnected)
	c.resubscribe(conn)

	go c.readLoop(conn)
	go c.heartbeatLoop(conn, stop)
	return nil
}

func (c *Client) readLoop(conn Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.handleConnClosed(conn, err)
			return
		}
		c.handleMessage(env)
	}
}

func (c *Client) handleMessage(env Envelope) {
	switch env.Type {
	case string(broadcast.MessageTypePong), "heartbeat":
		c.mu.Lock()
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()
		return
	case string(broadcast.MessageTypeConnection):
		// The server's welcome identifies us. It is not forwarded:
		// connection-topic subscribers receive state changes only.
		var payload broadcast.ConnectionPayload
		if err := json.Unmarshal(env.Data, &payload); err == nil && payload.ClientID != "" {
			c.mu.Lock()
			c.clientID = payload.ClientID
			c.mu.Unlock()
		}
		return
	}
	c.dispatch(env)
}

// dispatch fans a message out to the handlers subscribed to the topic that
// carries it. Update types map to their delivery topic (cluster_update
// arrives for "cluster" subscribers); types without a topic mapping dispatch
// by their own name.
func (c *Client) dispatch(env Envelope) {
	key := dispatchTopic(env.Type)

	c.subsMu.RLock()
	var matched []uint64
	for id, sub := range c.subs {
		if sub.topic == key {
			matched = append(matched, id)
		}
	}
	c.subsMu.RUnlock()
	if len(matched) == 0 {
		return
	}

	// Handlers run outside subsMu so they may subscribe or unsubscribe
	// themselves; dispatchMu lets Disconnect wait out in-flight callbacks.
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	for _, id := range matched {
		c.subsMu.RLock()
		sub, ok := c.subs[id]
		c.subsMu.RUnlock()
		if ok {
			sub.handler(env)
		}
	}
}

func dispatchTopic(messageType string) string {
	if topic, ok := broadcast.TopicForMessageType(broadcast.MessageType(messageType)); ok {
		return string(topic)
	}
	return messageType
}

func (c *Client) notifyState(state State) {
	data, _ := json.Marshal(StatePayload{Status: state})
	c.dispatch(Envelope{
		Type:      TopicConnection,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	c.notifyState(state)
}

func (c *Client) heartbeatLoop(conn Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			silence := time.Since(c.lastHeartbeat)
			c.mu.Unlock()
			if silence > c.opts.HeartbeatTimeout {
				c.opts.Logger.Warn(
					fmt.Sprintf("no heartbeat for %s, forcing reconnect", silence.Round(time.Second)),
					"WSClient")
				// Closing the transport unblocks the read loop, which
				// takes the unclean-close path and schedules a reconnect.
				_ = conn.Close()
				return
			}
			if err := c.writeJSON(conn, broadcast.ClientMessage{Type: broadcast.MessageTypePing}); err != nil {
				c.opts.Logger.Warn(fmt.Sprintf("ping failed: %v", err), "WSClient")
				_ = conn.Close()
				return
			}
		}
	}
}

// handleConnClosed runs when the read loop exits. A close that was not
// initiated by Disconnect counts as unclean and schedules a reconnect.
func (c *Client) handleConnClosed(conn Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A Disconnect or a newer connection already took over.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}
	c.opts.Logger.Warn(fmt.Sprintf("connection lost: %v", err), "WSClient")
	c.setState(StateDisconnected)
	c.scheduleReconnect()
}

// scheduleReconnect arms a single backoff timer. The attempt counter is
// incremented before scheduling, so the first retry waits the base delay and
// each later one grows by the backoff factor.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.reconnectPending {
		return
	}
	if c.attempts >= c.opts.MaxReconnectAttempts {
		c.opts.Logger.Error(
			fmt.Sprintf("giving up after %d reconnect attempts", c.attempts), "WSClient")
		return
	}
	c.attempts++
	delay := c.reconnectDelayLocked()
	c.reconnectPending = true
	c.opts.Logger.Info(
		fmt.Sprintf("reconnect attempt %d in %s", c.attempts, delay.Round(time.Millisecond)),
		"WSClient")
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectPending = false
		c.reconnectTimer = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		// open schedules the next attempt itself on failure.
		_ = c.open()
	})
}

func (c *Client) reconnectDelayLocked() time.Duration {
	scale := math.Pow(c.opts.ReconnectBackoffFactor, float64(c.attempts-1))
	return time.Duration(float64(c.opts.ReconnectBaseDelay) * scale)
}

// resubscribe re-issues every distinct server topic after a (re)connect.
func (c *Client) resubscribe(conn Conn) {
	for _, topic := range c.subscribedTopics() {
		msg := broadcast.ClientMessage{
			Type: broadcast.MessageTypeSubscribe,
			Data: &broadcast.ClientMessageData{Subscription: topic},
		}
		if err := c.writeJSON(conn, msg); err != nil {
			c.opts.Logger.Warn(fmt.Sprintf("resubscribe %s failed: %v", topic, err), "WSClient")
		}
	}
}

func (c *Client) subscribedTopics() []string {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	seen := map[string]bool{}
	var topics []string
	for _, sub := range c.subs {
		if sub.topic == TopicConnection || seen[sub.topic] {
			continue
		}
		seen[sub.topic] = true
		topics = append(topics, sub.topic)
	}
	return topics
}

func (c *Client) topicSubscribedLocked(topic string) bool {
	for _, sub := range c.subs {
		if sub.topic == topic {
			return true
		}
	}
	return false
}

func (c *Client) sendSubscription(kind broadcast.MessageType, topic string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	msg := broadcast.ClientMessage{
		Type: kind,
		Data: &broadcast.ClientMessageData{Subscription: topic},
	}
	if err := c.writeJSON(conn, msg); err != nil {
		c.opts.Logger.Warn(fmt.Sprintf("%s %s failed: %v", kind, topic, err), "WSClient")
	}
}

func (c *Client) writeJSON(conn Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}
