/*
 * internal/config/config.go
 *
 * Timing and buffer settings used across the realtime broadcast subsystem.
 */

package config

import "time"

// Timing knobs used across the broadcast subsystem.
const (
	// AggregateTickInterval is the cadence at which cluster state is polled
	// and broadcast while at least one client is connected.
	AggregateTickInterval = 10 * time.Second

	// AggregateFetchTimeout bounds a single tick's cluster API calls.
	AggregateFetchTimeout = 8 * time.Second

	// MetricsPollInterval determines the cadence of the node metrics poller.
	MetricsPollInterval = 15 * time.Second

	// StreamWriteTimeout bounds websocket writes to a single client.
	StreamWriteTimeout = 10 * time.Second

	// StreamHandshakeTimeout bounds websocket upgrade handshakes.
	StreamHandshakeTimeout = 45 * time.Second

	// StreamOutgoingBufferSize caps queued outbound messages per client.
	// A client whose buffer fills is treated as failed and disconnected so
	// one stalled reader cannot delay delivery to the others.
	StreamOutgoingBufferSize = 256

	// StreamReadBufferSize configures websocket read buffer sizing.
	StreamReadBufferSize = 4096

	// StreamWriteBufferSize configures websocket write buffer sizing.
	StreamWriteBufferSize = 4096

	// ClientHeartbeatInterval is how often the resilient client sends a ping.
	ClientHeartbeatInterval = 10 * time.Second

	// ClientHeartbeatTimeout is the max silence before the resilient client
	// assumes the connection is dead and forces a reconnect.
	ClientHeartbeatTimeout = 30 * time.Second

	// ClientReconnectBaseDelay is the first reconnect delay; subsequent
	// attempts grow by ClientReconnectBackoffFactor.
	ClientReconnectBaseDelay = 1 * time.Second

	// ClientReconnectBackoffFactor multiplies the reconnect delay per attempt.
	ClientReconnectBackoffFactor = 1.5

	// ClientMaxReconnectAttempts caps reconnect attempts before giving up.
	ClientMaxReconnectAttempts = 10

	// ClientDialTimeout bounds a single websocket dial attempt.
	ClientDialTimeout = 10 * time.Second

	// MockClusterInterval is the cadence of synthesized cluster updates when
	// the resilient client runs its offline generator.
	MockClusterInterval = 10 * time.Second

	// MockInfrastructureInterval is the cadence of synthesized infrastructure
	// updates in offline mode.
	MockInfrastructureInterval = 12 * time.Second

	// MockMetricsInterval is the cadence of synthesized node metrics in
	// offline mode.
	MockMetricsInterval = 15 * time.Second

	// DefinitionsReloadDebounce coalesces bursts of file events before the
	// service definitions file is re-read.
	DefinitionsReloadDebounce = 500 * time.Millisecond

	// LogBufferMaxEntries caps the in-memory log ring exposed over the API.
	LogBufferMaxEntries = 1000

	// ServerShutdownTimeout bounds graceful HTTP server shutdown.
	ServerShutdownTimeout = 5 * time.Second
)
