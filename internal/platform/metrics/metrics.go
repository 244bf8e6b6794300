// Package metrics provides Prometheus metrics for the CDS Hooks service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	HookCalls           *prometheus.CounterVec
	HookDuration        *prometheus.HistogramVec
	CardsReturned       *prometheus.CounterVec
	LiveQueries         *prometheus.CounterVec
	ValueSetDownloads   *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates all metrics and registers them on a private registry, so
// several instances can coexist in one process.
func New() *Metrics {
	m := &Metrics{
		HookCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cds_hook_calls_total",
			Help: "Total CDS hook invocations by service id and response status",
		}, []string{"service", "status"}),
		HookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cds_hook_call_duration_seconds",
			Help:    "CDS hook invocation duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"service"}),
		CardsReturned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cds_cards_returned_total",
			Help: "Total cards returned by service id",
		}, []string{"service"}),
		LiveQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cds_live_fhir_queries_total",
			Help: "Live FHIR queries issued during hook calls by outcome",
		}, []string{"outcome"}),
		ValueSetDownloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cds_valueset_downloads_total",
			Help: "Value set downloads from the terminology service by outcome",
		}, []string{"outcome"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HookCalls,
		m.HookDuration,
		m.CardsReturned,
		m.LiveQueries,
		m.ValueSetDownloads,
		m.CircuitBreakerState,
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
