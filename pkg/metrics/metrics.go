// Package metrics exposes Prometheus collectors for the write and read
// paths. A nil *Metrics is valid everywhere and records nothing, so
// instrumentation costs nothing when no registry is configured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors for one registry.
type Metrics struct {
	itemsProcessed *prometheus.CounterVec
	chunksFlushed  *prometheus.CounterVec
	bytesWritten   *prometheus.CounterVec
	workerFailures prometheus.Counter
	chunkFetches   *prometheus.CounterVec
	flushDuration  prometheus.Histogram
}

// New registers the collectors on reg and returns the handle to record
// through.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		itemsProcessed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkstream_items_processed_total",
				Help: "Total number of input items processed by workers",
			},
			[]string{"worker"},
		),
		chunksFlushed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkstream_chunks_flushed_total",
				Help: "Total number of chunk files flushed to disk",
			},
			[]string{"worker"},
		),
		bytesWritten: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkstream_bytes_written_total",
				Help: "Total bytes of chunk data written to disk",
			},
			[]string{"worker"},
		),
		workerFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "chunkstream_worker_failures_total",
				Help: "Total number of worker failures",
			},
		),
		chunkFetches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkstream_chunk_fetches_total",
				Help: "Total chunk reads by source (cache hit vs fetch)",
			},
			[]string{"status"}, // "hit", "miss"
		),
		flushDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chunkstream_flush_duration_seconds",
				Help:    "Duration of chunk flushes",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// ObserveItem records one processed input item.
func (m *Metrics) ObserveItem(worker string) {
	if m != nil {
		m.itemsProcessed.WithLabelValues(worker).Inc()
	}
}

// ObserveFlush records one flushed chunk.
func (m *Metrics) ObserveFlush(worker string, bytes uint64, seconds float64) {
	if m != nil {
		m.chunksFlushed.WithLabelValues(worker).Inc()
		m.bytesWritten.WithLabelValues(worker).Add(float64(bytes))
		m.flushDuration.Observe(seconds)
	}
}

// ObserveWorkerFailure records one failed worker.
func (m *Metrics) ObserveWorkerFailure() {
	if m != nil {
		m.workerFailures.Inc()
	}
}

// ObserveChunkFetch records one chunk read on the dataset read path.
func (m *Metrics) ObserveChunkFetch(hit bool) {
	if m == nil {
		return
	}
	status := "miss"
	if hit {
		status = "hit"
	}
	m.chunkFetches.WithLabelValues(status).Inc()
}
