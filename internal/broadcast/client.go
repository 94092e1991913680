package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsdeck/opsdeck/internal/config"
)

// wsConn is the subset of *websocket.Conn the hub relies on, narrowed so
// tests can substitute a stub connection.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	SetWriteDeadline(time.Time) error
	Close() error
}

// errSlowClient marks a client whose outgoing buffer filled up. The hub
// treats it like any other send failure and disconnects the client.
var errSlowClient = errors.New("outgoing buffer full")

// Client is the hub's record of one connected websocket. The hub owns the
// client for its entire connected lifetime; its subscription set lives in the
// registry and dies with it.
type Client struct {
	ID string

	conn      wsConn
	outgoing  chan ServerMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn wsConn) *Client {
	return &Client{
		ID:       uuid.NewString()[:8], // Short 8-char ID for readability
		conn:     conn,
		outgoing: make(chan ServerMessage, config.StreamOutgoingBufferSize),
		done:     make(chan struct{}),
	}
}

// trySend queues a message for delivery without blocking. A full buffer or a
// closed client is reported as a send failure so one stalled reader cannot
// delay delivery to the others.
func (c *Client) trySend(msg ServerMessage) error {
	select {
	case <-c.done:
		return errors.New("client closed")
	default:
	}
	select {
	case c.outgoing <- msg:
		return nil
	default:
		return errSlowClient
	}
}

// writeMessage writes one message to the transport under a write deadline.
func (c *Client) writeMessage(msg ServerMessage) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(config.StreamWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

// close tears down the transport. Safe to call more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
