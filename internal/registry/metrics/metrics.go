// Package metrics provides Prometheus metrics for registry access and the
// residency cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	CallDurationSeconds *prometheus.HistogramVec // Registry call latency by operation
	CallErrorsTotal     *prometheus.CounterVec   // Failed registry calls by operation
	CallsRejectedTotal  *prometheus.CounterVec   // Calls refused while the circuit was open
	CircuitState        prometheus.Gauge         // 0 closed, 1 open, 2 half-open

	ResidencyHitsTotal   prometheus.Counter
	ResidencyMissesTotal prometheus.Counter
}

func New() *Metrics {
	return newWith(promauto.With(prometheus.DefaultRegisterer))
}

// NewWithRegistry registers the collectors with reg instead of the default registry.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	return newWith(promauto.With(reg))
}

func newWith(f promauto.Factory) *Metrics {
	return &Metrics{
		CallDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beacon_registry_call_duration_seconds",
			Help:    "Duration of registry calls by operation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"op"}),
		CallErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_registry_call_errors_total",
			Help: "Registry calls that failed with an infrastructure error",
		}, []string{"op"}),
		CallsRejectedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_registry_calls_rejected_total",
			Help: "Registry calls refused by the open circuit",
		}, []string{"op"}),
		CircuitState: f.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_registry_circuit_state",
			Help: "Registry circuit state (0 closed, 1 open, 2 half-open)",
		}),
		ResidencyHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "beacon_residency_cache_hits_total",
			Help: "Residency eligibility answers served from cache",
		}),
		ResidencyMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "beacon_residency_cache_misses_total",
			Help: "Residency eligibility lookups that missed the cache",
		}),
	}
}

func (m *Metrics) ObserveCall(op string, seconds float64) {
	if m == nil {
		return
	}
	m.CallDurationSeconds.WithLabelValues(op).Observe(seconds)
}

func (m *Metrics) IncrementErrors(op string) {
	if m == nil {
		return
	}
	m.CallErrorsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) IncrementRejected(op string) {
	if m == nil {
		return
	}
	m.CallsRejectedTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) SetCircuitState(state int) {
	if m == nil {
		return
	}
	m.CircuitState.Set(float64(state))
}

func (m *Metrics) RecordResidencyHit() {
	if m == nil {
		return
	}
	m.ResidencyHitsTotal.Inc()
}

func (m *Metrics) RecordResidencyMiss() {
	if m == nil {
		return
	}
	m.ResidencyMissesTotal.Inc()
}
