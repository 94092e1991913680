// Package telemetry collects in-memory counters for the broadcast subsystem,
// surfaced through the ops API for diagnostics.
package telemetry

import (
	"sort"
	"sync"
	"time"
)

// TopicStatus captures delivery counters for a single broadcast topic.
type TopicStatus struct {
	Name            string `json:"name"`
	TotalMessages   uint64 `json:"totalMessages"`
	DroppedMessages uint64 `json:"droppedMessages"`
	LastEvent       int64  `json:"lastEvent,omitempty"`
	LastError       string `json:"lastError,omitempty"`
	ErrorCount      uint64 `json:"errorCount"`
}

// HubStatus captures connection lifecycle counters for the hub.
type HubStatus struct {
	ActiveClients  int    `json:"activeClients"`
	TotalConnects  uint64 `json:"totalConnects"`
	LastConnect    int64  `json:"lastConnect,omitempty"`
	LastDisconnect int64  `json:"lastDisconnect,omitempty"`
}

// AggregateStatus captures tick outcomes for the state aggregator.
type AggregateStatus struct {
	TickCount      uint64 `json:"tickCount"`
	FailedTicks    uint64 `json:"failedTicks"`
	LastTick       int64  `json:"lastTick,omitempty"`
	LastDurationMs int64  `json:"lastDurationMs"`
	LastError      string `json:"lastError,omitempty"`
	Running        bool   `json:"running"`
}

// Summary aggregates the telemetry story for diagnostics.
type Summary struct {
	Hub       HubStatus       `json:"hub"`
	Aggregate AggregateStatus `json:"aggregate"`
	Topics    []TopicStatus   `json:"topics"`
}

// Recorder collects broadcast telemetry in-memory.
type Recorder struct {
	mu        sync.RWMutex
	hub       HubStatus
	aggregate AggregateStatus
	topics    map[string]*TopicStatus
}

// NewRecorder returns an empty telemetry recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		topics: make(map[string]*TopicStatus),
	}
}

// RecordConnect increments the active client count.
func (r *Recorder) RecordConnect() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hub.ActiveClients++
	r.hub.TotalConnects++
	r.hub.LastConnect = time.Now().UnixMilli()
}

// RecordDisconnect decrements the active client count.
func (r *Recorder) RecordDisconnect() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hub.ActiveClients > 0 {
		r.hub.ActiveClients--
	}
	r.hub.LastDisconnect = time.Now().UnixMilli()
}

// RecordDelivery captures successful deliveries and dropped sends per topic.
func (r *Recorder) RecordDelivery(topic string, delivered, dropped int) {
	if delivered <= 0 && dropped <= 0 {
		return
	}
	r.updateTopic(topic, func(status *TopicStatus) {
		now := time.Now().UnixMilli()
		if delivered > 0 {
			status.TotalMessages += uint64(delivered)
			status.LastEvent = now
			if dropped <= 0 && status.LastError == "subscriber backlog" {
				status.LastError = ""
			}
		}
		if dropped > 0 {
			status.DroppedMessages += uint64(dropped)
			status.ErrorCount++
			status.LastError = "subscriber backlog"
			status.LastEvent = now
		}
	})
}

// RecordTick captures the outcome of one aggregator tick.
func (r *Recorder) RecordTick(duration time.Duration, err error) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aggregate.TickCount++
	r.aggregate.LastTick = time.Now().UnixMilli()
	r.aggregate.LastDurationMs = duration.Milliseconds()
	if err != nil {
		r.aggregate.FailedTicks++
		r.aggregate.LastError = err.Error()
	} else {
		r.aggregate.LastError = ""
	}
}

// RecordAggregateRunning tracks aggregator start/stop transitions.
func (r *Recorder) RecordAggregateRunning(running bool) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aggregate.Running = running
}

// SnapshotSummary returns a copy of the current telemetry state.
func (r *Recorder) SnapshotSummary() Summary {
	if r == nil {
		return Summary{Topics: []TopicStatus{}}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]TopicStatus, 0, len(r.topics))
	for _, status := range r.topics {
		topics = append(topics, *status)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].Name < topics[j].Name })

	return Summary{
		Hub:       r.hub,
		Aggregate: r.aggregate,
		Topics:    topics,
	}
}

func (r *Recorder) updateTopic(name string, fn func(*TopicStatus)) {
	if r == nil || name == "" || fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	status, ok := r.topics[name]
	if !ok {
		status = &TopicStatus{Name: name}
		r.topics[name] = status
	}

	fn(status)
}
