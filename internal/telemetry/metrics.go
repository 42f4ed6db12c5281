// Package telemetry provides logging, metrics, and tracing for ctfops.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds the Prometheus collectors for adapter calls, flag
// submissions, and roster refreshes. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	adapterCalls    *prometheus.CounterVec
	adapterDuration *prometheus.HistogramVec
	submissions     *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	rosterSize      *prometheus.GaugeVec
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		adapterCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctfops_adapter_calls_total",
			Help: "Adapter calls by adapter, operation, and outcome.",
		}, []string{"adapter", "op", "outcome"}),
		adapterDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ctfops_adapter_call_duration_seconds",
			Help:    "Adapter call latency.",
			Buckets: defaultBuckets,
		}, []string{"adapter", "op"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctfops_submissions_total",
			Help: "Flag verdicts by adapter.",
		}, []string{"adapter", "verdict"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctfops_roster_refreshes_total",
			Help: "Roster refreshes by outcome.",
		}, []string{"outcome"}),
		rosterSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ctfops_roster_challenges",
			Help: "Challenges in the cached roster per key.",
		}, []string{"key"}),
	}
	m.registry.MustRegister(m.adapterCalls, m.adapterDuration, m.submissions, m.refreshes, m.rosterSize)
	return m
}

// ObserveCall records one adapter call.
func (m *Metrics) ObserveCall(adapter, op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.adapterCalls.WithLabelValues(adapter, op, outcome).Inc()
	m.adapterDuration.WithLabelValues(adapter, op).Observe(d.Seconds())
}

// RecordSubmission records one flag verdict.
func (m *Metrics) RecordSubmission(adapter string, accepted bool) {
	if m == nil {
		return
	}
	verdict := "rejected"
	if accepted {
		verdict = "accepted"
	}
	m.submissions.WithLabelValues(adapter, verdict).Inc()
}

// RecordRefresh records a roster refresh for key. size is ignored when
// outcome is not "ok".
func (m *Metrics) RecordRefresh(key, outcome string, size int) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.rosterSize.WithLabelValues(key).Set(float64(size))
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler that serves Prometheus-format metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
