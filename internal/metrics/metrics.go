// Package metrics exposes Prometheus counters for admission decisions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "guestguard"

// Metrics groups the engine counters. A nil *Metrics is a no-op.
type Metrics struct {
	decisions      *prometheus.CounterVec
	lockouts       prometheus.Counter
	storeFallbacks prometheus.Counter
}

// New registers the counters on reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		// Labels: result (allowed, denied), reason (empty when allowed)
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by result and denial reason",
		}, []string{"result", "reason"}),
		lockouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lockouts_total",
			Help:      "Devices transitioned into the locked state",
		}),
		storeFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_fallbacks_total",
			Help:      "Record store operations that fell back from Redis",
		}),
	}
}

// ObserveDecision counts one admission verdict.
func (m *Metrics) ObserveDecision(allowed bool, reason string) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
		reason = ""
	}
	m.decisions.WithLabelValues(result, reason).Inc()
}

// ObserveLockout counts one lockout transition.
func (m *Metrics) ObserveLockout() {
	if m == nil {
		return
	}
	m.lockouts.Inc()
}

// ObserveStoreFallback counts one Redis fallback.
func (m *Metrics) ObserveStoreFallback() {
	if m == nil {
		return
	}
	m.storeFallbacks.Inc()
}
