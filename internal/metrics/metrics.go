// Package metrics holds the gateway's Prometheus collectors and the admin
// router that exposes them.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	connections  prometheus.Gauge
	inbound      *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	orphaned     prometheus.Counter
	dropped      prometheus.Counter
	handlerTimes *prometheus.HistogramVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "publisher_gateway_connections_open",
			Help: "Push streams currently registered",
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publisher_gateway_inbound_messages_total",
			Help: "Inbound envelopes by kind, rejected ones under kind=invalid",
		}, []string{"kind"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publisher_gateway_request_outcomes_total",
			Help: "Completed requests by method and failure tier",
		}, []string{"method", "tier"}),
		orphaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "publisher_gateway_orphaned_responses_total",
			Help: "Responses discarded because their connection went away",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "publisher_gateway_dropped_connections_total",
			Help: "Connections removed after a failed write",
		}),
		handlerTimes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "publisher_gateway_handler_duration_seconds",
			Help:    "Handler latency by method",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	m.registry.MustRegister(m.connections, m.inbound, m.outcomes, m.orphaned, m.dropped, m.handlerTimes)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) ConnectionDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

// Inbound counts one accepted envelope of kind, or a rejected body when
// kind is "invalid".
func (m *Metrics) Inbound(kind string) {
	if m != nil {
		m.inbound.WithLabelValues(kind).Inc()
	}
}

// Outcome records a finished request. tier is "ok" for plain successes.
func (m *Metrics) Outcome(method, tier string, took time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(method, tier).Inc()
	m.handlerTimes.WithLabelValues(method).Observe(took.Seconds())
}

func (m *Metrics) Orphaned() {
	if m != nil {
		m.orphaned.Inc()
	}
}

// Router returns a chi router serving the collectors at /. The optional
// middleware wraps the handler, typically for admin auth.
func (m *Metrics) Router(mw ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(mw...)
	r.Handle("/", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return r
}
