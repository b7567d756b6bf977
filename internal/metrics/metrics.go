// Package metrics provides Prometheus instrumentation for streams, storage
// and the local HTTP surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stream outcomes used as the "status" label.
const (
	StatusComplete  = "complete"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Metrics holds collectors registered on a private registry, so independent
// instances (one per workspace or test) never collide.
type Metrics struct {
	registry *prometheus.Registry

	StreamsActive   prometheus.Gauge
	StreamsTotal    *prometheus.CounterVec
	StreamDuration  *prometheus.HistogramVec
	TokensTotal     *prometheus.CounterVec
	EventsAppended  prometheus.Counter
	RequestDuration *prometheus.HistogramVec
	SSEConnections  prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		StreamsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "convo_streams_active",
			Help: "Number of in-flight completion streams",
		}),
		StreamsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convo_streams_total",
			Help: "Completion streams by outcome",
		}, []string{"provider", "status"}),
		StreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convo_stream_duration_seconds",
			Help:    "Completion stream duration",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"provider", "status"}),
		TokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convo_tokens_total",
			Help: "Tokens reported by providers",
		}, []string{"model", "direction"}),
		EventsAppended: f.NewCounter(prometheus.CounterOpts{
			Name: "convo_events_appended_total",
			Help: "Events appended to thread logs",
		}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convo_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "route", "status"}),
		SSEConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "convo_sse_connections_active",
			Help: "Number of active SSE connections",
		}),
	}
}

// StreamStarted marks a stream as in flight.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.StreamsActive.Inc()
}

// StreamFinished records a stream's outcome.
func (m *Metrics) StreamFinished(provider, model, status string, seconds float64, in, out int64) {
	if m == nil {
		return
	}
	m.StreamsActive.Dec()
	m.StreamsTotal.WithLabelValues(provider, status).Inc()
	m.StreamDuration.WithLabelValues(provider, status).Observe(seconds)
	if in > 0 {
		m.TokensTotal.WithLabelValues(model, "in").Add(float64(in))
	}
	if out > 0 {
		m.TokensTotal.WithLabelValues(model, "out").Add(float64(out))
	}
}

// EventAppended counts one log append.
func (m *Metrics) EventAppended() {
	if m == nil {
		return
	}
	m.EventsAppended.Inc()
}

// RecordRequest records an HTTP request.
func (m *Metrics) RecordRequest(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(method, route, status).Observe(seconds)
}

// Gatherer exposes the registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SSEOpened counts a new event-stream connection.
func (m *Metrics) SSEOpened() {
	if m == nil {
		return
	}
	m.SSEConnections.Inc()
}

// SSEClosed releases a connection counted by SSEOpened.
func (m *Metrics) SSEClosed() {
	if m == nil {
		return
	}
	m.SSEConnections.Dec()
}
