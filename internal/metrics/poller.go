// Package metrics polls metrics-server for node usage. The poller is
// optional: clusters without the metrics API simply never produce a
// metrics_update broadcast.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/opsdeck/opsdeck/internal/config"
	"github.com/opsdeck/opsdeck/internal/logging"
)

// NodeUsage captures aggregate CPU/Memory usage for a node.
type NodeUsage struct {
	CPUMilli    int64 `json:"cpuMilli"`
	MemoryBytes int64 `json:"memoryBytes"`
}

// Metadata captures poller health information.
type Metadata struct {
	CollectedAt         time.Time
	ConsecutiveFailures int
	LastError           string
	SuccessCount        uint64
	FailureCount        uint64
}

// Provider exposes read-only access to the latest metrics snapshot.
type Provider interface {
	LatestNodeUsage() map[string]NodeUsage
	Metadata() Metadata
}

// Poller periodically collects node metrics from metrics-server.
type Poller struct {
	client   metricsclient.Interface
	interval time.Duration
	logger   logging.Logger

	mu                 sync.RWMutex
	nodeUsage          map[string]NodeUsage
	lastCollected      time.Time
	consecutiveFailure int
	lastError          string
	successCount       uint64
	failureCount       uint64

	// nodeLister is swappable for tests.
	nodeLister func(context.Context) (*metricsv1beta1.NodeMetricsList, error)
}

// NewPoller creates a poller for the given metrics client.
func NewPoller(client metricsclient.Interface, interval time.Duration, logger logging.Logger) *Poller {
	if interval <= 0 {
		interval = config.MetricsPollInterval
	}
	if logger == nil {
		logger = logging.Noop{}
	}
	p := &Poller{
		client:    client,
		interval:  interval,
		logger:    logger,
		nodeUsage: make(map[string]NodeUsage),
	}
	p.nodeLister = p.listNodeMetrics
	return p
}

// Run collects immediately and then on the configured interval until the
// context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.collect(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collect(ctx)
		}
	}
}

func (p *Poller) collect(ctx context.Context) {
	list, err := p.nodeLister(ctx)
	if err != nil {
		p.mu.Lock()
		p.consecutiveFailure++
		p.failureCount++
		p.lastError = err.Error()
		failures := p.consecutiveFailure
		p.mu.Unlock()
		if failures == 1 {
			p.logger.Warn(fmt.Sprintf("node metrics collection failed: %v", err), "Metrics")
		}
		return
	}

	usage := make(map[string]NodeUsage, len(list.Items))
	for _, item := range list.Items {
		usage[item.Name] = NodeUsage{
			CPUMilli:    item.Usage.Cpu().MilliValue(),
			MemoryBytes: item.Usage.Memory().Value(),
		}
	}

	p.mu.Lock()
	p.nodeUsage = usage
	p.lastCollected = time.Now()
	p.consecutiveFailure = 0
	p.lastError = ""
	p.successCount++
	p.mu.Unlock()
}

func (p *Poller) listNodeMetrics(ctx context.Context) (*metricsv1beta1.NodeMetricsList, error) {
	return p.client.MetricsV1beta1().NodeMetricses().List(ctx, metav1.ListOptions{})
}

// LatestNodeUsage returns a copy of the most recent node usage map.
func (p *Poller) LatestNodeUsage() map[string]NodeUsage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]NodeUsage, len(p.nodeUsage))
	for name, usage := range p.nodeUsage {
		out[name] = usage
	}
	return out
}

// Metadata returns the most recent poller status.
func (p *Poller) Metadata() Metadata {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Metadata{
		CollectedAt:         p.lastCollected,
		ConsecutiveFailures: p.consecutiveFailure,
		LastError:           p.lastError,
		SuccessCount:        p.successCount,
		FailureCount:        p.failureCount,
	}
}
