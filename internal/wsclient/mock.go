/*
 * internal/wsclient/mock.go
 *
 * Offline fallback: a local generator that synthesizes cluster_update,
 * infrastructure_update and metrics_update messages when the server is
 * unreachable, so dashboards render meaningful data during development.
 * Synthetic messages flow through the same dispatch path as real ones;
 * connection-state callbacks are unaffected.
 */

package wsclient

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/opsdeck/opsdeck/internal/aggregate"
	"github.com/opsdeck/opsdeck/internal/broadcast"
	"github.com/opsdeck/opsdeck/internal/config"
	"github.com/opsdeck/opsdeck/internal/metrics"
	"github.com/opsdeck/opsdeck/internal/services"
)

// MockIntervals sets the cadence of each synthesized message type. Each runs
// on its own timer so the feeds drift apart the way real topics do.
type MockIntervals struct {
	Cluster        time.Duration
	Infrastructure time.Duration
	Metrics        time.Duration
}

func (m MockIntervals) withDefaults() MockIntervals {
	if m.Cluster <= 0 {
		m.Cluster = config.MockClusterInterval
	}
	if m.Infrastructure <= 0 {
		m.Infrastructure = config.MockInfrastructureInterval
	}
	if m.Metrics <= 0 {
		m.Metrics = config.MockMetricsInterval
	}
	return m
}

type mockFeed struct {
	client    *Client
	intervals MockIntervals
	stop      chan struct{}
	done      sync.WaitGroup
	rng       *rand.Rand
	rngMu     sync.Mutex
}

func newMockFeed(client *Client, intervals MockIntervals) *mockFeed {
	return &mockFeed{
		client:    client,
		intervals: intervals,
		stop:      make(chan struct{}),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *mockFeed) start() {
	m.run(m.intervals.Cluster, m.emitCluster)
	m.run(m.intervals.Infrastructure, m.emitInfrastructure)
	m.run(m.intervals.Metrics, m.emitMetrics)
}

func (m *mockFeed) run(interval time.Duration, emit func()) {
	m.done.Add(1)
	go func() {
		defer m.done.Done()
		// Emit once up front so subscribers see data immediately.
		emit()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				emit()
			}
		}
	}()
}

func (m *mockFeed) close() {
	close(m.stop)
	m.done.Wait()
}

func (m *mockFeed) emit(kind broadcast.MessageType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	m.client.dispatch(Envelope{
		Type:      string(kind),
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (m *mockFeed) emitCluster() {
	m.emit(broadcast.MessageTypeClusterUpdate, aggregate.ClusterUpdatePayload{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Summary: aggregate.ClusterSummary{
			Pods:         12 + m.jitter(6),
			Services:     8 + m.jitter(3),
			Deployments:  4 + m.jitter(2),
			StatefulSets: 4,
		},
	})
}

func (m *mockFeed) emitInfrastructure() {
	defs := services.Defaults()
	health := make([]aggregate.ServiceHealth, 0, len(defs))
	for _, def := range defs {
		desired := int32(1 + m.jitter(2))
		ready := desired
		status := aggregate.StatusRunning
		// Roughly one service in ten shows up degraded, which keeps status
		// badges exercised without looking broken all the time.
		if m.jitter(10) == 0 {
			ready = desired - 1
			status = aggregate.StatusDegraded
		}
		health = append(health, aggregate.ServiceHealth{
			ID:     def.Name,
			Name:   def.Name,
			Status: status,
			Replicas: aggregate.ReplicaStatus{
				Ready:   ready,
				Desired: desired,
			},
			Pods: int(ready),
		})
	}
	m.emit(broadcast.MessageTypeInfrastructureUpdate, aggregate.InfrastructureUpdatePayload{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  health,
	})
}

func (m *mockFeed) emitMetrics() {
	m.emit(broadcast.MessageTypeMetricsUpdate, aggregate.MetricsUpdatePayload{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Nodes: map[string]metrics.NodeUsage{
			"node-1": {
				CPUMilli:    int64(500 + m.jitter(1500)),
				MemoryBytes: int64(2<<30 + m.jitter(1<<30)),
			},
			"node-2": {
				CPUMilli:    int64(500 + m.jitter(1500)),
				MemoryBytes: int64(2<<30 + m.jitter(1<<30)),
			},
		},
	})
}

func (m *mockFeed) jitter(n int) int {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return m.rng.Intn(n)
}

// startMock launches the offline generator if it is not already running.
func (c *Client) startMock() {
	c.mu.Lock()
	if c.mock != nil || c.closed {
		c.mu.Unlock()
		return
	}
	feed := newMockFeed(c, c.opts.MockIntervals)
	c.mock = feed
	c.mu.Unlock()

	c.opts.Logger.Info("server unreachable, serving synthesized updates", "WSClient")
	feed.start()
}

// stopMock halts the offline generator, waiting for in-flight emits.
func (c *Client) stopMock() {
	c.mu.Lock()
	feed := c.mock
	c.mock = nil
	c.mu.Unlock()
	if feed != nil {
		feed.close()
	}
}
