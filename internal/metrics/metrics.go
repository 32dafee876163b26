// Package metrics exposes Coo's Prometheus metrics on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all custom Prometheus metrics for the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	InboundMessages *prometheus.CounterVec
	HandleLatency   prometheus.Histogram
	Classifications *prometheus.CounterVec
	BackendErrors   *prometheus.CounterVec
	Deliveries      *prometheus.CounterVec
	OutboxOutcomes  *prometheus.CounterVec
}

// New registers every metric on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		InboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coo_inbound_messages_total",
			Help: "Inbound messages by handling status",
		}, []string{"status"}),

		// Answers include retrieval and generation, so buckets reach past typical backend timeouts.
		HandleLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "coo_handle_duration_seconds",
			Help:    "Time to handle one inbound message",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),

		Classifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coo_classifications_total",
			Help: "Classified questions by category",
		}, []string{"category"}),

		BackendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coo_backend_errors_total",
			Help: "Failed retrieval or generation calls",
		}, []string{"backend"}),

		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coo_deliveries_total",
			Help: "Reply deliveries by status",
		}, []string{"status"}),

		OutboxOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coo_outbox_outcomes_total",
			Help: "Outbox send attempts by outcome",
		}, []string{"outcome"}),
	}
}

// RegisterGaugeFunc exposes a value computed at scrape time.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordInbound(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(status).Inc()
	m.HandleLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordClassification(category string) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(category).Inc()
}

func (m *Metrics) RecordBackendError(backend string) {
	if m == nil {
		return
	}
	m.BackendErrors.WithLabelValues(backend).Inc()
}

func (m *Metrics) RecordDelivery(status string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(status).Inc()
}

// RecordOutboxOutcome matches store.WithOutcomeHook.
func (m *Metrics) RecordOutboxOutcome(outcome string) {
	if m == nil {
		return
	}
	m.OutboxOutcomes.WithLabelValues(outcome).Inc()
}
