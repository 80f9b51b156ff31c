// Package metrics exposes the license server's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	verifications      *prometheus.CounterVec
	verifyDuration     prometheus.Histogram
	activationsCreated prometheus.Counter
	conflicts          prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lumina",
			Name:      "verifications_total",
			Help:      "License verifications by outcome.",
		}, []string{"outcome"}),
		verifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lumina",
			Name:      "verify_duration_seconds",
			Help:      "Time spent in the verification pipeline.",
			Buckets:   prometheus.DefBuckets,
		}),
		activationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lumina",
			Name:      "activations_created_total",
			Help:      "Activation slots consumed by first-time verifications.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lumina",
			Name:      "activation_conflicts_total",
			Help:      "Activation mutations retried after a concurrent modification.",
		}),
	}
	m.registry.MustRegister(
		m.verifications,
		m.verifyDuration,
		m.activationsCreated,
		m.conflicts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveVerification(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(outcome).Inc()
	m.verifyDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ActivationCreated() {
	if m == nil {
		return
	}
	m.activationsCreated.Inc()
}

func (m *Metrics) ActivationConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}
