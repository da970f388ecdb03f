// Package metrics exposes prometheus instrumentation for the control plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks control plane activity.
//
// Metrics:
//   - macaw_policy_decisions_total: policy decisions by tool and decision
//   - macaw_attestations_total: attestation outcomes by status
//   - macaw_attestation_wait_seconds: time from request to decision
//   - macaw_invocations_total: invocation outcomes by status
//   - macaw_llm_requests_total: proxied LLM calls by model and outcome
//   - macaw_llm_latency_seconds: upstream LLM latency
type Metrics struct {
	registry *prometheus.Registry

	PolicyDecisions *prometheus.CounterVec
	Attestations    *prometheus.CounterVec
	AttestationWait prometheus.Histogram
	Invocations     *prometheus.CounterVec
	LLMRequests     *prometheus.CounterVec
	LLMLatency      *prometheus.HistogramVec
}

// New creates and registers the control plane metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		PolicyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "macaw",
				Name:      "policy_decisions_total",
				Help:      "Total number of policy decisions",
			},
			[]string{"tool", "decision"},
		),
		Attestations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "macaw",
				Name:      "attestations_total",
				Help:      "Total number of attestation outcomes",
			},
			[]string{"status"},
		),
		AttestationWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "macaw",
				Name:      "attestation_wait_seconds",
				Help:      "Time from attestation request to decision",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
			},
		),
		Invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "macaw",
				Name:      "invocations_total",
				Help:      "Total number of tool invocations by terminal status",
			},
			[]string{"status"},
		),
		LLMRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "macaw",
				Name:      "llm_requests_total",
				Help:      "Total number of proxied LLM requests",
			},
			[]string{"model", "outcome"},
		),
		LLMLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "macaw",
				Name:      "llm_latency_seconds",
				Help:      "Upstream LLM request latency",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
			[]string{"model"},
		),
	}

	m.registry.MustRegister(
		m.PolicyDecisions,
		m.Attestations,
		m.AttestationWait,
		m.Invocations,
		m.LLMRequests,
		m.LLMLatency,
	)
	return m
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
