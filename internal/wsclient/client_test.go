package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsdeck/opsdeck/internal/aggregate"
	"github.com/opsdeck/opsdeck/internal/broadcast"
	"github.com/opsdeck/opsdeck/internal/logging"
)

// fakeConn is a scriptable server end: tests push envelopes into inbound and
// observe everything the client writes.
type fakeConn struct {
	mu      sync.Mutex
	inbound chan Envelope
	written []any
	closed  bool
	done    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan Envelope, 16),
		done:    make(chan struct{}),
	}
}

func (f *fakeConn) ReadJSON(v any) error {
	select {
	case env := <-f.inbound:
		*(v.(*Envelope)) = env
		return nil
	case <-f.done:
		return errors.New("connection reset")
	}
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("connection closed")
	}
	f.written = append(f.written, v)
	return nil
}

func (f *fakeConn) WriteClose(code int) error { return nil }

func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeConn) writes() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeConn) clientMessages() []broadcast.ClientMessage {
	var out []broadcast.ClientMessage
	for _, w := range f.writes() {
		if msg, ok := w.(broadcast.ClientMessage); ok {
			out = append(out, msg)
		}
	}
	return out
}

func (f *fakeConn) push(t *testing.T, kind broadcast.MessageType, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.inbound <- Envelope{
		Type:      string(kind),
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// fakeDialer hands out a fresh fakeConn per attempt, optionally failing the
// first n dials. Dial times are recorded for backoff assertions.
type fakeDialer struct {
	mu        sync.Mutex
	conns     []*fakeConn
	failFirst int
	failAll   bool
	dialTimes []time.Time
}

func (d *fakeDialer) dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialTimes = append(d.dialTimes, time.Now())
	if d.failAll || len(d.dialTimes) <= d.failFirst {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) attempts() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]time.Time, len(d.dialTimes))
	copy(out, d.dialTimes)
	return out
}

func newTestClient(t *testing.T, opts Options) *Client {
	t.Helper()
	if opts.URL == "" {
		opts.URL = "ws://localhost:0/api/v1/stream"
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 20 * time.Millisecond
	}
	if opts.HeartbeatTimeout == 0 {
		opts.HeartbeatTimeout = time.Hour
	}
	if opts.ReconnectBaseDelay == 0 {
		opts.ReconnectBaseDelay = 10 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop{}
	}
	client, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(client.Disconnect)
	return client
}

func TestConnectTransitionsAndWelcome(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(t, Options{Dial: dialer.dial})

	var mu sync.Mutex
	var states []State
	On(client, TopicConnection, func(p StatePayload) {
		mu.Lock()
		states = append(states, p.Status)
		mu.Unlock()
	})

	require.NoError(t, client.Connect())
	require.Equal(t, StateConnected, client.State())

	conn := dialer.conn(0)
	require.NotNil(t, conn)
	conn.push(t, broadcast.MessageTypeConnection, broadcast.ConnectionPayload{
		ClientID: "ab12cd34", Message: "connected",
	})
	require.Eventually(t, func() bool {
		return client.ClientID() == "ab12cd34"
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []State{StateConnecting, StateConnected}, states)
}

func TestConnectIsIdempotentWhileConnected(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(t, Options{Dial: dialer.dial})

	require.NoError(t, client.Connect())
	require.NoError(t, client.Connect())
	require.Len(t, dialer.attempts(), 1)
}

func TestSubscribeDispatchesTypedPayloads(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(t, Options{Dial: dialer.dial})
	require.NoError(t, client.Connect())

	updates := make(chan aggregate.ClusterUpdatePayload, 1)
	On(client, string(broadcast.TopicCluster), func(p aggregate.ClusterUpdatePayload) {
		updates <- p
	})

	// The hub delivers cluster_update messages on the "cluster" topic; the
	// topic subscriber must receive them.
	conn := dialer.conn(0)
	conn.push(t, broadcast.MessageTypeClusterUpdate, aggregate.ClusterUpdatePayload{
		Summary: aggregate.ClusterSummary{Pods: 7},
	})

	select {
	case got := <-updates:
		require.Equal(t, 7, got.Summary.Pods)
	case <-time.After(time.Second):
		t.Fatal("cluster update was not dispatched")
	}

	// Subscribing forwarded the topic name, not the update type.
	require.Eventually(t, func() bool {
		for _, msg := range conn.clientMessages() {
			if msg.Type == broadcast.MessageTypeSubscribe &&
				msg.Data != nil && msg.Data.Subscription == string(broadcast.TopicCluster) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestDispatchUnknownTypeByExactName(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(t, Options{Dial: dialer.dial})
	require.NoError(t, client.Connect())

	got := make(chan Envelope, 1)
	client.Subscribe("banner", func(env Envelope) { got <- env })

	dialer.conn(0).push(t, "banner", map[string]string{"text": "maintenance at noon"})

	select {
	case env := <-got:
		require.Equal(t, "banner", env.Type)
	case <-time.After(time.Second):
		t.Fatal("unmapped message type was not dispatched by name")
	}
}

func TestUnsubscribeStopsDispatch(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(t, Options{Dial: dialer.dial})
	require.NoError(t, client.Connect())

	calls := make(chan struct{}, 4)
	id := client.Subscribe(string(broadcast.TopicCluster), func(Envelope) { calls <- struct{}{} })

	conn := dialer.conn(0)
	conn.push(t, broadcast.MessageTypeClusterUpdate, map[string]int{"n": 1})
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("first update was not dispatched")
	}

	client.Unsubscribe(id)
	client.Unsubscribe(id) // repeated unsubscribe is safe

	conn.push(t, broadcast.MessageTypeClusterUpdate, map[string]int{"n": 2})
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, calls)
}

func TestHandlerMayUnsubscribeItself(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(t, Options{Dial: dialer.dial})
	require.NoError(t, client.Connect())

	fired := make(chan struct{}, 4)
	var id uint64
	id = client.Subscribe(string(broadcast.TopicCluster), func(Envelope) {
		client.Unsubscribe(id)
		fired <- struct{}{}
	})

	conn := dialer.conn(0)
	conn.push(t, broadcast.MessageTypeClusterUpdate, map[string]int{"n": 1})
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("handler did not run (self-unsubscribe deadlocked?)")
	}

	conn.push(t, broadcast.MessageTypeClusterUpdate, map[string]int{"n": 2})
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, fired, "handler fired again after unsubscribing itself")
}

func TestPongUpdatesLivenessAndIsNotForwarded(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(t, Options{Dial: dialer.dial})
	require.NoError(t, client.Connect())

	forwarded := make(chan Envelope, 1)
	client.Subscribe(string(broadcast.MessageTypePong), func(env Envelope) { forwarded <- env })

	conn := dialer.conn(0)
	conn.push(t, broadcast.MessageTypePong, broadcast.PongPayload{Timestamp: "now"})

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, forwarded, "pong must update liveness only, never reach handlers")
}

func TestHeartbeatSendsPings(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(t, Options{
		Dial:              dialer.dial,
		HeartbeatInterval: 10 * time.Millisecond,
	})
	require.NoError(t, client.Connect())

	conn := dialer.conn(0)
	require.Eventually(t, func() bool {
		for _, msg := range conn.clientMessages() {
			if msg.Type == broadcast.MessageTypePing {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeatTimeoutForcesReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(t, Options{
		Dial:              dialer.dial,
		HeartbeatInterval: 10 * time.Millisecond,
		HeartbeatTimeout:  30 * time.Millisecond,
	})
	require.NoError(t, client.Connect())

	// No pongs ever arrive, so the liveness timeout closes the transport and
	// the client dials again.
	require.Eventually(t, func() bool {
		return len(dialer.attempts()) >= 2 && client.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)
	require.NotNil(t, dialer.conn(1))
}

func TestReconnectResubscribesTopics(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(t, Options{Dial: dialer.dial})
	require.NoError(t, client.Connect())

	client.Subscribe(string(broadcast.TopicCluster), func(Envelope) {})
	client.Subscribe(string(broadcast.TopicInfrastructure), func(Envelope) {})

	// Server drops the connection uncleanly.
	dialer.conn(0).Close()

	require.Eventually(t, func() bool {
		return client.State() == StateConnected && dialer.conn(1) != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		topics := map[string]bool{}
		for _, msg := range dialer.conn(1).clientMessages() {
			if msg.Type == broadcast.MessageTypeSubscribe && msg.Data != nil {
				topics[msg.Data.Subscription] = true
			}
		}
		return topics[string(broadcast.TopicCluster)] && topics[string(broadcast.TopicInfrastructure)]
	}, time.Second, 5*time.Millisecond)
}

func TestReconnectBackoffGrowsAndGivesUp(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	client := newTestClient(t, Options{
		Dial:                 dialer.dial,
		ReconnectBaseDelay:   20 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})

	require.Error(t, client.Connect())
	require.Equal(t, StateError, client.State())

	// 1 initial dial + 3 scheduled retries, then a permanent stop.
	require.Eventually(t, func() bool {
		return len(dialer.attempts()) == 4
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	require.Len(t, dialer.attempts(), 4)

	// Each scheduled delay is 1.5x the previous one. Timer scheduling only
	// adds latency, so the lower bound is what we can assert reliably.
	attempts := dialer.attempts()
	first := attempts[1].Sub(attempts[0])
	second := attempts[2].Sub(attempts[1])
	third := attempts[3].Sub(attempts[2])
	require.GreaterOrEqual(t, first, 20*time.Millisecond)
	require.GreaterOrEqual(t, second, 30*time.Millisecond)
	require.GreaterOrEqual(t, third, 45*time.Millisecond)
}

func TestConnectAfterGiveUpRetriesFresh(t *testing.T) {
	dialer := &fakeDialer{failFirst: 4}
	client := newTestClient(t, Options{
		Dial:                 dialer.dial,
		ReconnectBaseDelay:   5 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})

	require.Error(t, client.Connect())
	require.Eventually(t, func() bool {
		return len(dialer.attempts()) == 4
	}, 5*time.Second, 10*time.Millisecond)

	// A fresh Connect resets the attempt budget and succeeds.
	require.NoError(t, client.Connect())
	require.Equal(t, StateConnected, client.State())
}

func TestDisconnectIsCleanAndFinal(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(t, Options{Dial: dialer.dial})
	require.NoError(t, client.Connect())

	var mu sync.Mutex
	var states []State
	On(client, TopicConnection, func(p StatePayload) {
		mu.Lock()
		states = append(states, p.Status)
		mu.Unlock()
	})

	client.Disconnect()
	require.Equal(t, StateDisconnected, client.State())

	mu.Lock()
	require.Equal(t, []State{StateDisconnected}, states)
	mu.Unlock()

	// No reconnect is attempted after a deliberate close.
	time.Sleep(100 * time.Millisecond)
	require.Len(t, dialer.attempts(), 1)
	require.Equal(t, StateDisconnected, client.State())
}

func TestOfflineFallbackSynthesizesUpdates(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	client := newTestClient(t, Options{
		Dial:                 dialer.dial,
		ReconnectBaseDelay:   time.Hour,
		MaxReconnectAttempts: 1,
		OfflineFallback:      true,
		MockIntervals: MockIntervals{
			Cluster:        10 * time.Millisecond,
			Infrastructure: 10 * time.Millisecond,
			Metrics:        10 * time.Millisecond,
		},
	})

	updates := make(chan aggregate.ClusterUpdatePayload, 8)
	On(client, string(broadcast.TopicCluster), func(p aggregate.ClusterUpdatePayload) {
		select {
		case updates <- p:
		default:
		}
	})
	infra := make(chan aggregate.InfrastructureUpdatePayload, 8)
	On(client, string(broadcast.TopicInfrastructure), func(p aggregate.InfrastructureUpdatePayload) {
		select {
		case infra <- p:
		default:
		}
	})

	require.Error(t, client.Connect())
	// The generator leaves connection-state semantics alone.
	require.Equal(t, StateError, client.State())

	select {
	case got := <-updates:
		require.Greater(t, got.Summary.Pods, 0)
	case <-time.After(time.Second):
		t.Fatal("no synthesized cluster update")
	}
	select {
	case got := <-infra:
		require.NotEmpty(t, got.Services)
	case <-time.After(time.Second):
		t.Fatal("no synthesized infrastructure update")
	}

	client.Disconnect()
}

func TestMockStopsOnSuccessfulReconnect(t *testing.T) {
	dialer := &fakeDialer{failFirst: 1}
	client := newTestClient(t, Options{
		Dial:               dialer.dial,
		ReconnectBaseDelay: 10 * time.Millisecond,
		OfflineFallback:    true,
		MockIntervals: MockIntervals{
			Cluster:        5 * time.Millisecond,
			Infrastructure: time.Hour,
			Metrics:        time.Hour,
		},
	})

	require.Error(t, client.Connect())
	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	var count int
	var mu sync.Mutex
	client.Subscribe(string(broadcast.TopicCluster), func(Envelope) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	// The generator shut down with the reconnect, so nothing synthesizes
	// updates anymore.
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, count)
}
