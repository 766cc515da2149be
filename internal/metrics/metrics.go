package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics keeps in-process routing counters exposed as JSON on the daemon's
// admin endpoint. Every Record call also feeds the Prometheus collectors.
type Metrics struct {
	TotalInvocations   atomic.Int64
	SuccessInvocations atomic.Int64
	FailedInvocations  atomic.Int64
	DroppedErrors      atomic.Int64

	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	PeersConnected    atomic.Int64
	PeersDisconnected atomic.Int64

	strategies sync.Map // strategy -> *StrategyMetrics

	startTime time.Time
}

// StrategyMetrics tracks invocations for a single routing strategy
type StrategyMetrics struct {
	Invocations atomic.Int64
	Successes   atomic.Int64
	Failures    atomic.Int64
	Targets     atomic.Int64
	TotalMs     atomic.Int64
	MaxMs       atomic.Int64
}

const unsetMin = int64(^uint64(0) >> 1)

var global = newMetrics()

func newMetrics() *Metrics {
	m := &Metrics{startTime: time.Now()}
	m.MinLatencyMs.Store(unsetMin)
	return m
}

// Global returns the global metrics instance
func Global() *Metrics {
	return global
}

// RecordRouting records one routed call.
func (m *Metrics) RecordRouting(strategy, convention string, targets int, duration time.Duration, err error) {
	ms := duration.Milliseconds()
	m.TotalInvocations.Add(1)
	if err == nil {
		m.SuccessInvocations.Add(1)
	} else {
		m.FailedInvocations.Add(1)
	}
	m.TotalLatencyMs.Add(ms)
	updateMin(&m.MinLatencyMs, ms)
	updateMax(&m.MaxLatencyMs, ms)

	sm := m.strategy(strategy)
	sm.Invocations.Add(1)
	if err == nil {
		sm.Successes.Add(1)
	} else {
		sm.Failures.Add(1)
	}
	sm.Targets.Add(int64(targets))
	sm.TotalMs.Add(ms)
	updateMax(&sm.MaxMs, ms)

	recordPrometheusRouting(strategy, convention, targets, duration, err)
}

// RecordDroppedError records an aggregate error that was not reported
// because an earlier one already was.
func (m *Metrics) RecordDroppedError(strategy string) {
	m.DroppedErrors.Add(1)
	recordPrometheusDroppedError(strategy)
}

// RecordPeerConnected records a newly connected peer instance.
func (m *Metrics) RecordPeerConnected() {
	m.PeersConnected.Add(1)
	recordPrometheusPeerEvent("connect")
}

// RecordPeerDisconnected records a peer instance that went away.
func (m *Metrics) RecordPeerDisconnected() {
	m.PeersDisconnected.Add(1)
	recordPrometheusPeerEvent("disconnect")
}

func (m *Metrics) strategy(name string) *StrategyMetrics {
	if v, ok := m.strategies.Load(name); ok {
		return v.(*StrategyMetrics)
	}
	actual, _ := m.strategies.LoadOrStore(name, &StrategyMetrics{})
	return actual.(*StrategyMetrics)
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() map[string]any {
	total := m.TotalInvocations.Load()
	avg := float64(0)
	if total > 0 {
		avg = float64(m.TotalLatencyMs.Load()) / float64(total)
	}
	minLatency := m.MinLatencyMs.Load()
	if minLatency == unsetMin {
		minLatency = 0
	}

	strategies := make(map[string]any)
	m.strategies.Range(func(key, value any) bool {
		sm := value.(*StrategyMetrics)
		n := sm.Invocations.Load()
		avgMs, avgTargets := float64(0), float64(0)
		if n > 0 {
			avgMs = float64(sm.TotalMs.Load()) / float64(n)
			avgTargets = float64(sm.Targets.Load()) / float64(n)
		}
		strategies[key.(string)] = map[string]any{
			"invocations": n,
			"successes":   sm.Successes.Load(),
			"failures":    sm.Failures.Load(),
			"avg_targets": avgTargets,
			"avg_ms":      avgMs,
			"max_ms":      sm.MaxMs.Load(),
		}
		return true
	})

	return map[string]any{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"invocations": map[string]any{
			"total":          total,
			"success":        m.SuccessInvocations.Load(),
			"failed":         m.FailedInvocations.Load(),
			"dropped_errors": m.DroppedErrors.Load(),
		},
		"latency_ms": map[string]any{
			"avg": avg,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"peers": map[string]any{
			"connected":    m.PeersConnected.Load(),
			"disconnected": m.PeersDisconnected.Load(),
		},
		"strategies": strategies,
	}
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
