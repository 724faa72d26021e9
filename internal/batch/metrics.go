package batch

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marlin/internal/domain"
)

// Metrics records batch execution metrics into a dedicated prometheus
// registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	itemsTotal    *prometheus.CounterVec
	failuresTotal *prometheus.CounterVec
	retriesTotal  prometheus.Counter
	itemDuration  prometheus.Histogram
	batchDuration *prometheus.HistogramVec
}

// NewMetrics creates a Metrics recorder with its own prometheus registry,
// including the standard Go and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtest_batch_items_total",
			Help: "Total batch items executed, by outcome.",
		}, []string{"status"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtest_batch_failures_total",
			Help: "Total batch item failures, by error category.",
		}, []string{"category"}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtest_batch_retries_total",
			Help: "Total batch item retry attempts.",
		}),
		itemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "backtest_batch_item_duration_seconds",
			Help:    "Duration of individual batch item executions.",
			Buckets: prometheus.DefBuckets,
		}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backtest_batch_duration_seconds",
			Help:    "Duration of whole batch executions, by final status.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"status"}),
	}

	registry.MustRegister(
		m.itemsTotal,
		m.failuresTotal,
		m.retriesTotal,
		m.itemDuration,
		m.batchDuration,
	)
	return m
}

// Handler returns an HTTP handler exposing the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveItem records the outcome of one item attempt.
func (m *Metrics) ObserveItem(success bool, category domain.ErrorCategory, duration time.Duration) {
	if m == nil {
		return
	}
	if success {
		m.itemsTotal.WithLabelValues("success").Inc()
	} else {
		m.itemsTotal.WithLabelValues("failure").Inc()
		m.failuresTotal.WithLabelValues(string(category)).Inc()
	}
	m.itemDuration.Observe(duration.Seconds())
}

// ObserveRetry records one retried item attempt.
func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

// ObserveBatch records the duration and final status of a whole batch.
func (m *Metrics) ObserveBatch(status Status, duration time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}
