// Package metrics exposes prometheus collectors for the callback flow.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upstream outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	callbacks        *prometheus.CounterVec
	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
}

// New creates and registers all collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkedrole",
			Name:      "callbacks_total",
			Help:      "OAuth callbacks handled, by terminal reason.",
		}, []string{"reason"}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkedrole",
			Name:      "upstream_requests_total",
			Help:      "Requests to Discord and the resolver, by resource and outcome.",
		}, []string{"resource", "outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "linkedrole",
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency of requests to Discord and the resolver.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resource"}),
	}
	m.registry.MustRegister(
		m.callbacks,
		m.upstreamRequests,
		m.upstreamDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Callback counts one finished callback. Nil receivers are no-ops so
// components can run without metrics in tests.
func (m *Metrics) Callback(reason string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(reason).Inc()
}

// Upstream records one upstream request.
func (m *Metrics) Upstream(resource string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.upstreamRequests.WithLabelValues(resource, outcome).Inc()
	m.upstreamDuration.WithLabelValues(resource).Observe(elapsed.Seconds())
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
