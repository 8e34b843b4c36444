// Package metrics holds the Prometheus instruments for the gateway.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the dispatch gateway.
type Metrics struct {
	// Dispatch task metrics
	DispatchesTotal *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	ActiveTasks     prometheus.Gauge

	// Ask flow metrics
	AsksTotal *prometheus.CounterVec

	// Webhook metrics
	WebhookEventsTotal *prometheus.CounterVec

	// Authentication metrics
	AuthFailuresTotal *prometheus.CounterVec
}

// New creates and registers all gateway metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DispatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edigw_dispatches_total",
				Help: "Dispatch tasks by agent and terminal status",
			},
			[]string{"agent", "status"}, // status: completed, failed, canceled
		),

		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edigw_task_duration_seconds",
				Help:    "Wall-clock duration of dispatch tasks",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"agent"},
		),

		ActiveTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "edigw_active_tasks",
				Help: "Tasks currently running or canceling",
			},
		),

		AsksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edigw_asks_total",
				Help: "Ask requests by mode and outcome",
			},
			[]string{"mode", "outcome"}, // mode: new, continuation; outcome: ok, upstream_error, timeout
		),

		WebhookEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edigw_webhook_events_total",
				Help: "Webhook deliveries by outcome",
			},
			[]string{"outcome"}, // outcome: triggered, upstream_error, unauthorized
		),

		AuthFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edigw_auth_failures_total",
				Help: "Rejected authentications by route",
			},
			[]string{"route"},
		),
	}
}

// RecordDispatch records a task reaching its terminal status.
func (m *Metrics) RecordDispatch(agent, status string, duration time.Duration) {
	m.DispatchesTotal.WithLabelValues(agent, status).Inc()
	m.TaskDuration.WithLabelValues(agent).Observe(duration.Seconds())
	m.ActiveTasks.Dec()
}

// RecordTaskStarted bumps the active-task gauge at dispatch acceptance.
func (m *Metrics) RecordTaskStarted() {
	m.ActiveTasks.Inc()
}

// RecordAsk records one /ask request.
func (m *Metrics) RecordAsk(mode, outcome string) {
	m.AsksTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordWebhook records one webhook delivery.
func (m *Metrics) RecordWebhook(outcome string) {
	m.WebhookEventsTotal.WithLabelValues(outcome).Inc()
}

// RecordAuthFailure records a rejected authentication on a route.
func (m *Metrics) RecordAuthFailure(route string) {
	m.AuthFailuresTotal.WithLabelValues(route).Inc()
}
