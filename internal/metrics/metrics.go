// Package metrics exposes the daemon's Prometheus collectors and the
// /metrics HTTP handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the daemon's components increment.
type Metrics struct {
	registry *prometheus.Registry

	Ingested          *prometheus.CounterVec
	Dispatched        *prometheus.CounterVec
	Terminal          *prometheus.CounterVec
	OutboxAttempts    *prometheus.CounterVec
	OutboxDeadLetters prometheus.Counter
	BrokerMessages    *prometheus.CounterVec
	InFlight          *prometheus.GaugeVec
}

// New builds and registers the collector set against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Ingested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoland",
			Name:      "patchsets_ingested_total",
			Help:      "Patchsets accepted by the ingest loop, by target branch.",
		}, []string{"branch"}),

		Dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoland",
			Name:      "patchsets_dispatched_total",
			Help:      "Patchsets published to the pusher, by target branch.",
		}, []string{"branch"}),

		Terminal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoland",
			Name:      "patchsets_terminal_total",
			Help:      "Patchsets reaching a terminal state, by outcome.",
		}, []string{"outcome"}),

		OutboxAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoland",
			Name:      "outbox_post_attempts_total",
			Help:      "Comment outbox post attempts, by result.",
		}, []string{"result"}),

		OutboxDeadLetters: f.NewCounter(prometheus.CounterOpts{
			Namespace: "autoland",
			Name:      "outbox_dead_letters_total",
			Help:      "Comments that exhausted retries and were dead-lettered.",
		}),

		BrokerMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoland",
			Name:      "broker_messages_handled_total",
			Help:      "Inbound broker messages handled, by type and outcome.",
		}, []string{"type", "outcome"}),

		InFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "autoland",
			Name:      "patchsets_in_flight",
			Help:      "Current in-flight (push_time set) patchset count, by branch.",
		}, []string{"branch"}),
	}
}

// Handler serves the Prometheus exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
