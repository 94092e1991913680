package broadcast

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/opsdeck/opsdeck/internal/config"
	"github.com/opsdeck/opsdeck/internal/logging"
)

// Handler exposes the hub as a websocket endpoint.
type Handler struct {
	hub      *Hub
	logger   logging.Logger
	upgrader websocket.Upgrader
}

// NewHandler constructs the websocket endpoint handler for a hub.
func NewHandler(hub *Hub, logger logging.Logger) (*Handler, error) {
	if hub == nil {
		return nil, errors.New("hub is required")
	}
	if logger == nil {
		logger = logging.Noop{}
	}
	return &Handler{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.StreamReadBufferSize,
			WriteBufferSize: config.StreamWriteBufferSize,
			// Prevent slow or stalled websocket upgrades from hanging indefinitely.
			HandshakeTimeout: config.StreamHandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}, nil
}

// Normal view transitions close the websocket without a close status or after
// we send a close.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	return websocket.IsCloseError(
		err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

// ServeHTTP upgrades the connection and runs the client's read loop until it
// disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(fmt.Sprintf("stream upgrade failed: %v", err), "Stream")
		return
	}

	client := h.hub.Connect(conn)
	go h.writeLoop(client)
	h.readLoop(client)
	h.hub.Disconnect(client)
}

func (h *Handler) readLoop(client *Client) {
	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				h.logger.Warn(fmt.Sprintf("client %s: read error: %v", client.ID, err), "Stream")
			}
			return
		}
		h.hub.HandleMessage(client, raw)
	}
}

func (h *Handler) writeLoop(client *Client) {
	for {
		select {
		case <-client.done:
			return
		case msg := <-client.outgoing:
			if err := client.writeMessage(msg); err != nil {
				if !isExpectedCloseError(err) {
					h.logger.Warn(fmt.Sprintf("client %s: write error: %v", client.ID, err), "Stream")
				}
				h.hub.Disconnect(client)
				return
			}
		}
	}
}
