// Package aggregate polls cluster state while clients are watching and turns
// it into the broadcast feed's update messages.
package aggregate

import (
	"context"
	"fmt"
	"sync"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/opsdeck/opsdeck/internal/broadcast"
	"github.com/opsdeck/opsdeck/internal/cluster"
	"github.com/opsdeck/opsdeck/internal/config"
	"github.com/opsdeck/opsdeck/internal/logging"
	"github.com/opsdeck/opsdeck/internal/metrics"
	"github.com/opsdeck/opsdeck/internal/parallel"
	"github.com/opsdeck/opsdeck/internal/services"
	"github.com/opsdeck/opsdeck/internal/telemetry"
)

// Broadcaster is the hub-facing sink for update messages.
type Broadcaster interface {
	BroadcastTopic(topic broadcast.Topic, msg broadcast.ServerMessage)
}

// MetricsUpdatePayload is the data field of a metrics_update message.
type MetricsUpdatePayload struct {
	Timestamp string                       `json:"timestamp"`
	Nodes     map[string]metrics.NodeUsage `json:"nodes"`
}

// Config captures the aggregator's dependencies.
type Config struct {
	Lister      cluster.Lister
	Broadcaster Broadcaster
	Definitions func() []services.Definition
	Metrics     metrics.Provider // optional
	Interval    time.Duration
	Logger      logging.Logger
	Telemetry   *telemetry.Recorder
}

// Aggregator runs the periodic fetch-and-broadcast loop. It never starts
// itself: the hub starts it when the first client connects and stops it when
// the last one leaves, so an idle server makes no cluster API calls.
type Aggregator struct {
	lister      cluster.Lister
	broadcaster Broadcaster
	definitions func() []services.Definition
	metrics     metrics.Provider
	interval    time.Duration
	logger      logging.Logger
	telemetry   *telemetry.Recorder

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// New constructs an aggregator from the supplied configuration.
func New(cfg Config) (*Aggregator, error) {
	if cfg.Lister == nil {
		return nil, fmt.Errorf("cluster lister is required")
	}
	if cfg.Broadcaster == nil {
		return nil, fmt.Errorf("broadcaster is required")
	}
	if cfg.Definitions == nil {
		defaults := services.Defaults()
		cfg.Definitions = func() []services.Definition { return defaults }
	}
	if cfg.Interval <= 0 {
		cfg.Interval = config.AggregateTickInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop{}
	}
	return &Aggregator{
		lister:      cfg.Lister,
		broadcaster: cfg.Broadcaster,
		definitions: cfg.Definitions,
		metrics:     cfg.Metrics,
		interval:    cfg.Interval,
		logger:      cfg.Logger,
		telemetry:   cfg.Telemetry,
	}, nil
}

// Start launches the periodic loop. No-op if already running.
func (a *Aggregator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.running = true
	a.telemetry.RecordAggregateRunning(true)
	a.logger.Info("state aggregation started", "Aggregator")
	go a.run(ctx)
}

// Stop cancels the loop, including any in-flight tick's remaining
// broadcasts. No-op if not running.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.cancel()
	a.cancel = nil
	a.running = false
	a.telemetry.RecordAggregateRunning(false)
	a.logger.Info("state aggregation stopped", "Aggregator")
}

// Running reports whether the periodic loop is active.
func (a *Aggregator) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Aggregator) run(ctx context.Context) {
	// First tick fires immediately so a fresh subscriber is not left waiting
	// a full interval for data.
	a.tick(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// tick executes one fetch-and-broadcast cycle. Any failure is logged and the
// tick is skipped; the next tick proceeds on schedule.
func (a *Aggregator) tick(ctx context.Context) {
	started := time.Now()
	err := a.runTick(ctx)
	a.telemetry.RecordTick(time.Since(started), err)
	if err != nil && ctx.Err() == nil {
		a.logger.Warn(fmt.Sprintf("tick skipped: %v", err), "Aggregator")
	}
}

func (a *Aggregator) runTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()

	fetchCtx, cancelFetch := context.WithTimeout(ctx, config.AggregateFetchTimeout)
	defer cancelFetch()

	var (
		pods         []corev1.Pod
		svcs         []corev1.Service
		deployments  []appsv1.Deployment
		statefulSets []appsv1.StatefulSet
	)

	// Fetches run concurrently and degrade independently: a failed list is
	// logged and treated as an empty collection for this tick.
	_ = parallel.RunLimited(fetchCtx, 0,
		func(ctx context.Context) error {
			pods = a.fetchPods(ctx)
			return nil
		},
		func(ctx context.Context) error {
			svcs = a.fetchServices(ctx)
			return nil
		},
		func(ctx context.Context) error {
			deployments = a.fetchDeployments(ctx)
			return nil
		},
		func(ctx context.Context) error {
			statefulSets = a.fetchStatefulSets(ctx)
			return nil
		},
	)

	// The loop may have been stopped while fetching; discard the data rather
	// than broadcasting after the last client left.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	now := time.Now().UTC().Format(time.RFC3339)
	a.broadcaster.BroadcastTopic(broadcast.TopicCluster, broadcast.NewServerMessage(
		broadcast.MessageTypeClusterUpdate,
		ClusterUpdatePayload{
			Timestamp: now,
			Summary: ClusterSummary{
				Pods:         len(pods),
				Services:     len(svcs),
				Deployments:  len(deployments),
				StatefulSets: len(statefulSets),
			},
		},
	))

	health := deriveServiceHealth(a.definitions(), pods, deployments, statefulSets)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	a.broadcaster.BroadcastTopic(broadcast.TopicInfrastructure, broadcast.NewServerMessage(
		broadcast.MessageTypeInfrastructureUpdate,
		InfrastructureUpdatePayload{
			Timestamp: now,
			Services:  health,
		},
	))

	if a.metrics != nil {
		if usage := a.metrics.LatestNodeUsage(); len(usage) > 0 && ctx.Err() == nil {
			a.broadcaster.BroadcastTopic(broadcast.TopicMetrics, broadcast.NewServerMessage(
				broadcast.MessageTypeMetricsUpdate,
				MetricsUpdatePayload{
					Timestamp: now,
					Nodes:     usage,
				},
			))
		}
	}

	return nil
}

func (a *Aggregator) fetchPods(ctx context.Context) []corev1.Pod {
	pods, err := a.lister.ListPods(ctx)
	if err != nil {
		a.logger.Warn(fmt.Sprintf("pods fetch failed, using empty set: %v", err), "Aggregator")
		return nil
	}
	return pods
}

func (a *Aggregator) fetchServices(ctx context.Context) []corev1.Service {
	svcs, err := a.lister.ListServices(ctx)
	if err != nil {
		a.logger.Warn(fmt.Sprintf("services fetch failed, using empty set: %v", err), "Aggregator")
		return nil
	}
	return svcs
}

func (a *Aggregator) fetchDeployments(ctx context.Context) []appsv1.Deployment {
	deployments, err := a.lister.ListDeployments(ctx)
	if err != nil {
		a.logger.Warn(fmt.Sprintf("deployments fetch failed, using empty set: %v", err), "Aggregator")
		return nil
	}
	return deployments
}

func (a *Aggregator) fetchStatefulSets(ctx context.Context) []appsv1.StatefulSet {
	statefulSets, err := a.lister.ListStatefulSets(ctx)
	if err != nil {
		a.logger.Warn(fmt.Sprintf("statefulsets fetch failed, using empty set: %v", err), "Aggregator")
		return nil
	}
	return statefulSets
}
