package broadcast

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck/opsdeck/internal/config"
	"github.com/opsdeck/opsdeck/internal/logging"
	"github.com/opsdeck/opsdeck/internal/telemetry"
)

func TestNewHandlerRequiresHub(t *testing.T) {
	if _, err := NewHandler(nil, logging.Noop{}); err == nil {
		t.Fatal("expected error for nil hub")
	}
}

func TestHandlerSetsHandshakeTimeout(t *testing.T) {
	hub := NewHub(logging.Noop{}, telemetry.NewRecorder())
	handler, err := NewHandler(hub, nil)
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	if handler.upgrader.HandshakeTimeout != config.StreamHandshakeTimeout {
		t.Fatalf("expected handshake timeout %v, got %v", config.StreamHandshakeTimeout, handler.upgrader.HandshakeTimeout)
	}
}

func TestHandlerEndToEndSubscribeAndBroadcast(t *testing.T) {
	hub := NewHub(logging.Noop{}, telemetry.NewRecorder())
	runner := &stubRunner{}
	hub.SetRunner(runner)
	handler, err := NewHandler(hub, logging.Noop{})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	readMessage := func() ServerMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	welcome := readMessage()
	require.Equal(t, MessageTypeConnection, welcome.Type)
	require.NotEmpty(t, welcome.Timestamp)

	require.NoError(t, conn.WriteJSON(ClientMessage{
		Type: MessageTypeSubscribe,
		Data: &ClientMessageData{Subscription: "cluster"},
	}))

	// The subscription is applied asynchronously by the server's read loop.
	require.Eventually(t, func() bool {
		return len(hub.registry.Subscribers(TopicCluster)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.BroadcastTopic(TopicCluster, NewServerMessage(MessageTypeClusterUpdate, map[string]int{"pods": 3}))
	update := readMessage()
	require.Equal(t, MessageTypeClusterUpdate, update.Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypePing}))
	pong := readMessage()
	require.Equal(t, MessageTypePong, pong.Type)

	starts, _ := runner.counts()
	require.Equal(t, 1, starts)

	require.NoError(t, conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	))
	require.Eventually(t, func() bool {
		return hub.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, stops := runner.counts()
	require.Equal(t, 1, stops)
}

func TestHandlerRejectsNonGet(t *testing.T) {
	hub := NewHub(logging.Noop{}, telemetry.NewRecorder())
	handler, err := NewHandler(hub, logging.Noop{})
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest("POST", "/api/v1/stream", nil)
	handler.ServeHTTP(recorder, request)
	require.Equal(t, 405, recorder.Code)
}
