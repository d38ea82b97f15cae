// Package metrics exposes Prometheus collectors for proxied requests and
// model discovery.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "modelproxy"

// Metrics owns its own registry so tests and multiple instances never
// collide on the global default registerer. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	refreshes       *prometheus.CounterVec
	discoveryErrors *prometheus.CounterVec
	models          *prometheus.GaugeVec
}

// New creates and registers all collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Proxied requests by server, model and response status.",
			},
			[]string{"server", "model", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time from accepting a request to the end of the relayed response.",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"server", "streaming"},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registry_refreshes_total",
				Help:      "Model registry refreshes by result (ok, partial).",
			},
			[]string{"result"},
		),
		discoveryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "discovery_errors_total",
				Help:      "Failed model listing calls by server.",
			},
			[]string{"server"},
		),
		models: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registry_models",
				Help:      "Routable model ids per server after the last refresh.",
			},
			[]string{"server"},
		),
	}

	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.refreshes,
		m.discoveryErrors,
		m.models,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest records one finished proxied request.
func (m *Metrics) ObserveRequest(server, model string, status int, streaming bool, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(server, model, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(server, strconv.FormatBool(streaming)).Observe(d.Seconds())
}

// RefreshDone records a completed registry refresh. partial is true when at
// least one server failed to answer.
func (m *Metrics) RefreshDone(partial bool) {
	if m == nil {
		return
	}
	result := "ok"
	if partial {
		result = "partial"
	}
	m.refreshes.WithLabelValues(result).Inc()
}

// DiscoveryFailed counts a failed listing call for server.
func (m *Metrics) DiscoveryFailed(server string) {
	if m == nil {
		return
	}
	m.discoveryErrors.WithLabelValues(server).Inc()
}

// SetModels sets the number of routable ids a server contributed.
func (m *Metrics) SetModels(server string, n int) {
	if m == nil {
		return
	}
	m.models.WithLabelValues(server).Set(float64(n))
}
