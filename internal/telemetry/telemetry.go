// Package telemetry exposes sync engine metrics for local Prometheus
// scraping. Collectors live on a private registry; nothing is pushed
// off-device.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "studysync"

// Metrics holds the sync engine collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	saves          *prometheus.CounterVec
	drainOps       *prometheus.CounterVec
	drainDuration  prometheus.Histogram
	sweptOps       prometheus.Counter
	queueDepth     *prometheus.GaugeVec
	online         prometheus.Gauge
	cacheFallbacks prometheus.Counter
}

// New creates Metrics registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Entity saves by outcome (synced, queued).",
		}, []string{"entity_type", "outcome"}),
		drainOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_operations_total",
			Help:      "Queued operations replayed by outcome (processed, failed, skipped).",
		}, []string{"outcome"}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Duration of queue drains.",
			Buckets:   prometheus.DefBuckets,
		}),
		sweptOps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_operations_total",
			Help:      "Completed operations deleted by sweeps.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_operations",
			Help:      "Queued operations by status.",
		}, []string{"status"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the connectivity monitor reports online.",
		}),
		cacheFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_fallback_reads_total",
			Help:      "Loads served from the local cache instead of the remote store.",
		}),
	}

	m.registry.MustRegister(
		m.saves,
		m.drainOps,
		m.drainDuration,
		m.sweptOps,
		m.queueDepth,
		m.online,
		m.cacheFallbacks,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSave counts a save outcome.
func (m *Metrics) RecordSave(entityType string, queued bool) {
	if m == nil {
		return
	}
	outcome := "synced"
	if queued {
		outcome = "queued"
	}
	m.saves.WithLabelValues(entityType, outcome).Inc()
}

// RecordDrain records the outcome of one drain.
func (m *Metrics) RecordDrain(processed, failed, skipped int, swept int64, duration time.Duration) {
	if m == nil {
		return
	}
	m.drainOps.WithLabelValues("processed").Add(float64(processed))
	m.drainOps.WithLabelValues("failed").Add(float64(failed))
	m.drainOps.WithLabelValues("skipped").Add(float64(skipped))
	m.sweptOps.Add(float64(swept))
	m.drainDuration.Observe(duration.Seconds())
}

// SetQueueDepth publishes the current per-status queue counts.
func (m *Metrics) SetQueueDepth(pending, failed, completed int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("pending").Set(float64(pending))
	m.queueDepth.WithLabelValues("failed").Set(float64(failed))
	m.queueDepth.WithLabelValues("completed").Set(float64(completed))
}

// SetOnline publishes the connectivity state.
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}

// RecordCacheFallback counts a load served from the local cache.
func (m *Metrics) RecordCacheFallback() {
	if m == nil {
		return
	}
	m.cacheFallbacks.Inc()
}
