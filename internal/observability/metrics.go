package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ranya"

type memoryMetrics struct {
	searchDuration prometheus.Histogram
	writeDuration  prometheus.Histogram
	entriesTotal   prometheus.Gauge

	embeddingCacheTotal    *prometheus.CounterVec
	embeddingFailuresTotal prometheus.Counter
	backfillEmbedded       prometheus.Counter

	reindexTotal    *prometheus.CounterVec
	reindexDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *memoryMetrics
)

func getMetrics() *memoryMetrics {
	metricsOnce.Do(func() {
		m := &memoryMetrics{
			searchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "memory_search_duration_seconds",
					Help:      "Memory recall duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			writeDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "memory_write_duration_seconds",
					Help:      "Memory save/forget duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			entriesTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "memory_entries_total",
					Help:      "Total memory chunks indexed.",
				},
			),
			embeddingCacheTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "embedding_cache_lookups_total",
					Help:      "Embedding cache lookups by result (hit, miss).",
				},
				[]string{"result"},
			),
			embeddingFailuresTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "embedding_failures_total",
					Help:      "Total failed embedding provider calls.",
				},
			),
			backfillEmbedded: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "embedding_backfill_total",
					Help:      "Total chunks embedded by backfill.",
				},
			),
			reindexTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "reindex_total",
					Help:      "Total reindex runs by status.",
				},
				[]string{"status"},
			),
			reindexDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "reindex_duration_seconds",
					Help:      "Reindex duration in seconds.",
					Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
				},
			),
		}

		prometheus.MustRegister(
			m.searchDuration,
			m.writeDuration,
			m.entriesTotal,
			m.embeddingCacheTotal,
			m.embeddingFailuresTotal,
			m.backfillEmbedded,
			m.reindexTotal,
			m.reindexDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordMemorySearch(duration time.Duration) {
	m := getMetrics()
	m.searchDuration.Observe(duration.Seconds())
}

func RecordMemoryWrite(duration time.Duration) {
	m := getMetrics()
	m.writeDuration.Observe(duration.Seconds())
}

func SetMemoryEntries(total int) {
	m := getMetrics()
	m.entriesTotal.Set(float64(total))
}

func RecordEmbeddingCache(hit bool) {
	m := getMetrics()
	result := "miss"
	if hit {
		result = "hit"
	}
	m.embeddingCacheTotal.WithLabelValues(result).Inc()
}

func RecordEmbeddingFailure() {
	getMetrics().embeddingFailuresTotal.Inc()
}

func RecordBackfill(embedded int) {
	if embedded <= 0 {
		return
	}
	getMetrics().backfillEmbedded.Add(float64(embedded))
}

func RecordReindex(duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.reindexTotal.WithLabelValues(status).Inc()
	m.reindexDuration.Observe(duration.Seconds())
}
