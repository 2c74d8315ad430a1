package registry

import (
	"sync/atomic"
	"time"
)

// providerMetrics is the rolling reliability record for one provider.
// All fields are atomic; readers see a possibly slightly stale but never
// torn view, which is acceptable for scoring.
type providerMetrics struct {
	total      atomic.Int64
	successes  atomic.Int64
	latencyNet atomic.Int64 // summed latency in nanoseconds
	inFlight   atomic.Int64
}

// MetricsSnapshot is an exportable point-in-time view of providerMetrics.
type MetricsSnapshot struct {
	Total       int64         `json:"total"`
	Successes   int64         `json:"successes"`
	SuccessRate float64       `json:"successRate"`
	AvgLatency  time.Duration `json:"avgLatency"`
	InFlight    int64         `json:"inFlight"`
}

func (m *providerMetrics) Record(success bool, latency time.Duration) {
	m.total.Add(1)
	if success {
		m.successes.Add(1)
	}
	m.latencyNet.Add(int64(latency))
}

// SuccessRate returns the observed rate, or a neutral prior when there is
// no history yet.
func (m *providerMetrics) SuccessRate() float64 {
	total := m.total.Load()
	if total == 0 {
		return neutralSuccessRate
	}
	return float64(m.successes.Load()) / float64(total)
}

// AvgLatency returns the mean observed latency, zero when unobserved.
func (m *providerMetrics) AvgLatency() time.Duration {
	total := m.total.Load()
	if total == 0 {
		return 0
	}
	return time.Duration(m.latencyNet.Load() / total)
}

func (m *providerMetrics) InFlight() int64 {
	return m.inFlight.Load()
}

func (m *providerMetrics) Acquire() {
	m.inFlight.Add(1)
}

func (m *providerMetrics) Release() {
	if m.inFlight.Add(-1) < 0 {
		m.inFlight.Store(0)
	}
}

func (m *providerMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Total:       m.total.Load(),
		Successes:   m.successes.Load(),
		SuccessRate: m.SuccessRate(),
		AvgLatency:  m.AvgLatency(),
		InFlight:    m.inFlight.Load(),
	}
}
