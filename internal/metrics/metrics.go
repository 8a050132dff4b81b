// Package metrics holds the Prometheus collectors for the retrieval pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	StageDuration  *prometheus.HistogramVec
	QueriesTotal   *prometheus.CounterVec
	IngestsTotal   *prometheus.CounterVec
	NotifyDropped  prometheus.Counter
	ReindexJobs    *prometheus.CounterVec
	WebsocketsOpen prometheus.Gauge
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "supportkb",
				Name:      "stage_duration_seconds",
				Help:      "Duration of each retrieval pipeline stage in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "supportkb",
				Name:      "queries_total",
				Help:      "Total number of retrieval queries by outcome",
			},
			[]string{"outcome"},
		),
		IngestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "supportkb",
				Name:      "ingests_total",
				Help:      "Total number of ingested records by outcome",
			},
			[]string{"outcome"},
		),
		NotifyDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "supportkb",
				Name:      "notifications_dropped_total",
				Help:      "Notifications dropped because a client was too slow",
			},
		),
		ReindexJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "supportkb",
				Name:      "reindex_jobs_total",
				Help:      "Reindex jobs processed by status",
			},
			[]string{"status"},
		),
		WebsocketsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "supportkb",
				Name:      "websocket_clients",
				Help:      "Number of connected notification clients",
			},
		),
	}

	m.registry.MustRegister(
		m.StageDuration,
		m.QueriesTotal,
		m.IngestsTotal,
		m.NotifyDropped,
		m.ReindexJobs,
		m.WebsocketsOpen,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) CountQuery(outcome string) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CountIngest(outcome string) {
	if m == nil {
		return
	}
	m.IngestsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CountReindex(status string) {
	if m == nil {
		return
	}
	m.ReindexJobs.WithLabelValues(status).Inc()
}

func (m *Metrics) DropNotification() {
	if m == nil {
		return
	}
	m.NotifyDropped.Inc()
}

func (m *Metrics) SetWebsockets(n int) {
	if m == nil {
		return
	}
	m.WebsocketsOpen.Set(float64(n))
}
