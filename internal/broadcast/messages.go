package broadcast

import "time"

// Topic names a logical update stream clients opt into via subscription.
// The well-known topics are listed below, but any string is a valid topic.
type Topic string

const (
	TopicCluster        Topic = "cluster"
	TopicInfrastructure Topic = "infrastructure"
	TopicMetrics        Topic = "metrics"
)

// MessageType represents the message type used for client requests and
// server updates. The set is closed: dispatch switches over these values and
// ignores anything else.
type MessageType string

const (
	// Client to server.
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypePing        MessageType = "ping"

	// Server to client.
	MessageTypeConnection           MessageType = "connection"
	MessageTypePong                 MessageType = "pong"
	MessageTypeClusterUpdate        MessageType = "cluster_update"
	MessageTypeInfrastructureUpdate MessageType = "infrastructure_update"
	MessageTypeMetricsUpdate        MessageType = "metrics_update"
)

// topicMessageTypes maps each well-known topic to the update type it
// carries. Topic names and message types are deliberately independent: the
// aggregator picks the delivery topic when handing a message to the hub.
var topicMessageTypes = map[Topic]MessageType{
	TopicCluster:        MessageTypeClusterUpdate,
	TopicInfrastructure: MessageTypeInfrastructureUpdate,
	TopicMetrics:        MessageTypeMetricsUpdate,
}

// TopicForMessageType returns the topic that carries the given update type,
// or false for types with no topic mapping.
func TopicForMessageType(kind MessageType) (Topic, bool) {
	for topic, carried := range topicMessageTypes {
		if carried == kind {
			return topic, true
		}
	}
	return "", false
}

// ClientMessage is the request envelope sent by websocket clients.
type ClientMessage struct {
	Type MessageType        `json:"type"`
	Data *ClientMessageData `json:"data,omitempty"`
}

// ClientMessageData carries the optional payload of a client request.
type ClientMessageData struct {
	Subscription string `json:"subscription,omitempty"`
}

// ServerMessage is the envelope sent to websocket clients.
type ServerMessage struct {
	Type      MessageType `json:"type"`
	Data      any         `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// NewServerMessage wraps a payload in the outbound envelope with the current
// timestamp.
func NewServerMessage(kind MessageType, data any) ServerMessage {
	return ServerMessage{
		Type:      kind,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// ConnectionPayload is sent once to each client on accept.
type ConnectionPayload struct {
	ClientID string `json:"clientId"`
	Message  string `json:"message"`
}

// PongPayload answers a client ping.
type PongPayload struct {
	Timestamp string `json:"timestamp"`
}
