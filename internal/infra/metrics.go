package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	upstreamCalls     atomic.Uint64
	upstreamFailures  atomic.Uint64
	cacheHits         atomic.Uint64
	coalescedRequests atomic.Uint64 // callers served without their own upstream call
	eventsEmitted     atomic.Uint64
	heartbeatsSent    atomic.Uint64
	deadConnections   atomic.Uint64

	// Latency tracking (upstream round-trips)
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
	queueDepth        atomic.Int32
	circuitOpen       atomic.Int32 // 1 = open, 0 = closed
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordUpstreamCall records one upstream dispatch with its latency.
func (m *Metrics) RecordUpstreamCall(latencyNs int64) {
	m.upstreamCalls.Add(1)
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
}

// RecordUpstreamFailure records a failed upstream call.
func (m *Metrics) RecordUpstreamFailure() {
	m.upstreamFailures.Add(1)
}

// RecordCacheHit records a micro-cache hit that absorbed a batch.
func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Add(1)
}

// RecordCoalescedRequests records callers served from a shared fetch.
func (m *Metrics) RecordCoalescedRequests(n int) {
	if n > 0 {
		m.coalescedRequests.Add(uint64(n))
	}
}

// RecordEventEmitted records one fan-out emission.
func (m *Metrics) RecordEventEmitted() {
	m.eventsEmitted.Add(1)
}

// RecordHeartbeat records one keep-alive sweep.
func (m *Metrics) RecordHeartbeat() {
	m.heartbeatsSent.Add(1)
}

// RecordDeadConnection records a pruned connection.
func (m *Metrics) RecordDeadConnection() {
	m.deadConnections.Add(1)
}

// SetQueueDepth sets the current dispatch queue depth.
func (m *Metrics) SetQueueDepth(depth int32) {
	m.queueDepth.Store(depth)
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// SetCircuitState sets the circuit breaker state (true = open).
func (m *Metrics) SetCircuitState(open bool) {
	if open {
		m.circuitOpen.Store(1)
	} else {
		m.circuitOpen.Store(0)
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	UpstreamCalls     uint64
	UpstreamFailures  uint64
	CacheHits         uint64
	CoalescedRequests uint64
	EventsEmitted     uint64
	HeartbeatsSent    uint64
	DeadConnections   uint64
	AvgLatencyNs      int64
	ActiveConnections int32
	QueueDepth        int32
	CircuitOpen       bool
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		UpstreamCalls:     m.upstreamCalls.Load(),
		UpstreamFailures:  m.upstreamFailures.Load(),
		CacheHits:         m.cacheHits.Load(),
		CoalescedRequests: m.coalescedRequests.Load(),
		EventsEmitted:     m.eventsEmitted.Load(),
		HeartbeatsSent:    m.heartbeatsSent.Load(),
		DeadConnections:   m.deadConnections.Load(),
		AvgLatencyNs:      avgLatency,
		ActiveConnections: m.activeConnections.Load(),
		QueueDepth:        m.queueDepth.Load(),
		CircuitOpen:       m.circuitOpen.Load() == 1,
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.upstreamCalls.Store(0)
	m.upstreamFailures.Store(0)
	m.cacheHits.Store(0)
	m.coalescedRequests.Store(0)
	m.eventsEmitted.Store(0)
	m.heartbeatsSent.Store(0)
	m.deadConnections.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeConnections.Store(0)
	m.queueDepth.Store(0)
	m.circuitOpen.Store(0)
}
