// Package broadcast implements the realtime fan-out core: a connection hub
// that tracks per-client topic subscriptions and multicasts update messages
// to interested subscribers only.
package broadcast

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/opsdeck/opsdeck/internal/logging"
	"github.com/opsdeck/opsdeck/internal/telemetry"
)

// Runner is the periodic producer the hub starts while clients are connected
// and stops when the last one leaves. In production this is the state
// aggregator.
type Runner interface {
	Start()
	Stop()
}

// Hub owns the client registry and drives the runner's lifecycle from the
// connected-client count. All connect/disconnect transitions are serialised
// under a single mutex so the 0↔1 edge is computed exactly once.
type Hub struct {
	registry  *Registry
	logger    logging.Logger
	telemetry *telemetry.Recorder

	mu     sync.Mutex
	runner Runner
}

// NewHub constructs a hub with an empty registry. The runner is attached
// separately because the aggregator needs the hub as its broadcast sink.
func NewHub(logger logging.Logger, recorder *telemetry.Recorder) *Hub {
	if logger == nil {
		logger = logging.Noop{}
	}
	return &Hub{
		registry:  NewRegistry(),
		logger:    logger,
		telemetry: recorder,
	}
}

// SetRunner attaches the periodic producer. Must be called before the first
// client connects.
func (h *Hub) SetRunner(runner Runner) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runner = runner
}

// Connect registers a new client for the given transport, sends it the
// welcome message, and starts the runner if this is the first client.
func (h *Hub) Connect(conn wsConn) *Client {
	client := newClient(conn)

	h.mu.Lock()
	h.registry.Add(client)
	if h.registry.Size() == 1 && h.runner != nil {
		h.runner.Start()
	}
	h.mu.Unlock()

	h.telemetry.RecordConnect()
	h.logger.Info(fmt.Sprintf("client %s connected (%d active)", client.ID, h.registry.Size()), "Hub")

	welcome := NewServerMessage(MessageTypeConnection, ConnectionPayload{
		ClientID: client.ID,
		Message:  "connected",
	})
	if err := client.trySend(welcome); err != nil {
		h.logger.Warn(fmt.Sprintf("client %s: welcome send failed: %v", client.ID, err), "Hub")
		h.Disconnect(client)
		return client
	}
	return client
}

// Disconnect removes the client and stops the runner if it was the last one.
// Safe to call more than once per client; side effects run exactly once.
func (h *Hub) Disconnect(client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	removed := h.registry.Remove(client)
	if removed && h.registry.Size() == 0 && h.runner != nil {
		h.runner.Stop()
	}
	h.mu.Unlock()

	if !removed {
		return
	}

	client.close()
	h.telemetry.RecordDisconnect()
	h.logger.Info(fmt.Sprintf("client %s disconnected (%d active)", client.ID, h.registry.Size()), "Hub")
}

// HandleMessage parses and dispatches one inbound client message. Malformed
// input is logged and dropped; it never disconnects the client.
func (h *Hub) HandleMessage(client *Client, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.Warn(fmt.Sprintf("client %s: malformed message dropped: %v", client.ID, err), "Hub")
		return
	}

	switch msg.Type {
	case MessageTypeSubscribe:
		topic, ok := subscriptionTopic(msg)
		if !ok {
			return
		}
		h.registry.Subscribe(client, topic)
		h.logger.Debug(fmt.Sprintf("client %s subscribed to %s", client.ID, topic), "Hub")
	case MessageTypeUnsubscribe:
		topic, ok := subscriptionTopic(msg)
		if !ok {
			return
		}
		h.registry.Unsubscribe(client, topic)
		h.logger.Debug(fmt.Sprintf("client %s unsubscribed from %s", client.ID, topic), "Hub")
	case MessageTypePing:
		pong := NewServerMessage(MessageTypePong, PongPayload{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		if err := client.trySend(pong); err != nil {
			h.logger.Warn(fmt.Sprintf("client %s: pong send failed: %v", client.ID, err), "Hub")
			h.Disconnect(client)
		}
	default:
		h.logger.Debug(fmt.Sprintf("client %s: ignoring message type %q", client.ID, msg.Type), "Hub")
	}
}

func subscriptionTopic(msg ClientMessage) (Topic, bool) {
	if msg.Data == nil || msg.Data.Subscription == "" {
		return "", false
	}
	return Topic(msg.Data.Subscription), true
}

// Broadcast sends the message to every connected client.
func (h *Hub) Broadcast(msg ServerMessage) {
	h.deliver(h.registry.All(), msg, "all")
}

// BroadcastTopic sends the message only to clients subscribed to the topic.
func (h *Hub) BroadcastTopic(topic Topic, msg ServerMessage) {
	h.deliver(h.registry.Subscribers(topic), msg, string(topic))
}

// deliver fans the message out with per-recipient failure isolation: a
// failing client is disconnected without affecting delivery to the rest.
func (h *Hub) deliver(clients []*Client, msg ServerMessage, label string) {
	delivered, dropped := 0, 0
	for _, client := range clients {
		if err := client.trySend(msg); err != nil {
			dropped++
			h.logger.Warn(fmt.Sprintf("client %s: send failed on %s: %v", client.ID, label, err), "Hub")
			h.Disconnect(client)
			continue
		}
		delivered++
	}
	h.telemetry.RecordDelivery(label, delivered, dropped)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	return h.registry.Size()
}

// Shutdown disconnects every client. Used on server teardown.
func (h *Hub) Shutdown() {
	for _, client := range h.registry.All() {
		h.Disconnect(client)
	}
}
