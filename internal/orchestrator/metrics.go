package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for the canvas lifecycle.
type Metrics struct {
	requestsTotal        *prometheus.CounterVec
	dedupHitsTotal       prometheus.Counter
	idempotencyConflicts prometheus.Counter
	generationSeconds    prometheus.Histogram
	lockConflictsTotal   prometheus.Counter
}

// NewMetrics creates and registers the metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "easel_requests_total",
			Help: "Canvas lifecycle requests by mode and outcome.",
		}, []string{"mode", "outcome"}),
		dedupHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "easel_dedup_hits_total",
			Help: "Evolutions collapsed onto an existing identical version.",
		}),
		idempotencyConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "easel_idempotency_conflicts_total",
			Help: "Requests refused because an identical operation was in flight.",
		}),
		generationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "easel_generation_seconds",
			Help:    "Wall time of generation-backed request handling.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		lockConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "easel_lock_conflicts_total",
			Help: "Artifact edit lock acquisitions denied to a non-holder.",
		}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.dedupHitsTotal,
		m.idempotencyConflicts,
		m.generationSeconds,
		m.lockConflictsTotal,
	)
	return m
}

// RecordLockConflict counts a denied edit-lock acquisition. Called from the
// websocket layer.
func (m *Metrics) RecordLockConflict() {
	if m == nil {
		return
	}
	m.lockConflictsTotal.Inc()
}

func (m *Metrics) recordRequest(mode, outcome string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) recordDedupHit() {
	if m == nil {
		return
	}
	m.dedupHitsTotal.Inc()
}

func (m *Metrics) recordIdempotencyConflict() {
	if m == nil {
		return
	}
	m.idempotencyConflicts.Inc()
}

func (m *Metrics) observeGeneration(seconds float64) {
	if m == nil {
		return
	}
	m.generationSeconds.Observe(seconds)
}
