// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package dispatch

import (
	"sync"
	"time"
)

// MetricsSnapshot is a point-in-time view of dispatch activity.
type MetricsSnapshot struct {
	TotalRequests   int64   `json:"total_requests"`
	CacheHits       int64   `json:"cache_hits"`
	Timeouts        int64   `json:"timeouts"`
	Failures        int64   `json:"failures"`
	Inflight        int     `json:"inflight"`
	MeanLatencyMS   float64 `json:"mean_latency_ms"`
	RequestsPerMin  float64 `json:"requests_per_min"`
}

// metrics tracks request counters and a running latency mean. The
// per-minute rate is computed over a sliding window of recent arrival
// stamps.
type metrics struct {
	mu          sync.Mutex
	total       int64
	cacheHits   int64
	timeouts    int64
	failures    int64
	latencySum  time.Duration
	latencyObs  int64
	arrivals    []time.Time
}

func newMetrics() *metrics {
	return &metrics{}
}

func (m *metrics) recordArrival(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	m.arrivals = append(m.arrivals, now)
	m.pruneLocked(now)
}

func (m *metrics) recordLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencySum += d
	m.latencyObs++
}

func (m *metrics) recordCacheHit() {
	m.mu.Lock()
	m.cacheHits++
	m.mu.Unlock()
}

func (m *metrics) recordTimeout() {
	m.mu.Lock()
	m.timeouts++
	m.mu.Unlock()
}

func (m *metrics) recordFailure() {
	m.mu.Lock()
	m.failures++
	m.mu.Unlock()
}

// pruneLocked drops arrival stamps older than one minute.
func (m *metrics) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for ; i < len(m.arrivals); i++ {
		if m.arrivals[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		m.arrivals = append(m.arrivals[:0], m.arrivals[i:]...)
	}
}

func (m *metrics) snapshot(inflight int) MetricsSnapshot {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(now)

	s := MetricsSnapshot{
		TotalRequests:  m.total,
		CacheHits:      m.cacheHits,
		Timeouts:       m.timeouts,
		Failures:       m.failures,
		Inflight:       inflight,
		RequestsPerMin: float64(len(m.arrivals)),
	}
	if m.latencyObs > 0 {
		s.MeanLatencyMS = float64(m.latencySum.Milliseconds()) / float64(m.latencyObs)
	}
	return s
}
