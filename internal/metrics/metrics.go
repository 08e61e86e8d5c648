// Package metrics exposes extraction counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RowsExtracted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_rows_total",
		Help: "Rows written to the output, by extraction and target table",
	}, []string{"extract", "table"})

	ChunksWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_chunks_total",
		Help: "Chunks committed to the output, by extraction",
	}, []string{"extract"})

	SubQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_subqueries_total",
		Help: "Sub-queries finished, by extraction and final status",
	}, []string{"extract", "status"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "extract_queue_depth",
		Help: "Chunks waiting between reader and writer, by extraction",
	}, []string{"extract"})

	ActiveExtractions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "extract_active",
		Help: "Extractions currently running or paused",
	})

	ChunkWriteSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "extract_chunk_write_seconds",
		Help:    "Time taken to commit one chunk",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
)
