// Package metrics provides Prometheus metrics for the review API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Workflow actions by entity kind, action and outcome (ok, rejected, error).
	TransitionsTotal *prometheus.CounterVec
	// Notification delivery by result.
	NotificationsTotal *prometheus.CounterVec
	ReplaysTotal       prometheus.Counter
	DivergentSteps     prometheus.Gauge

	registry *prometheus.Registry
}

// New registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{registry: reg}

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usecasehub_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)
	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "usecasehub_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	m.TransitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usecasehub_workflow_actions_total",
			Help: "Workflow actions applied to steps and use cases",
		},
		[]string{"kind", "action", "outcome"},
	)
	m.NotificationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usecasehub_notifications_total",
			Help: "Comment notifications by delivery result",
		},
		[]string{"result"},
	)
	m.ReplaysTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "usecasehub_idempotent_replays_total",
			Help: "Mutating requests rejected because their idempotency key was already used",
		},
	)
	m.DivergentSteps = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "usecasehub_divergent_steps",
			Help: "Steps whose use case forks currently need reconciliation",
		},
	)
	return m
}

func (m *Metrics) ObserveRequest(method string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (m *Metrics) Action(kind, action, outcome string) {
	m.TransitionsTotal.WithLabelValues(kind, action, outcome).Inc()
}

func (m *Metrics) Notification(result string) {
	m.NotificationsTotal.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
