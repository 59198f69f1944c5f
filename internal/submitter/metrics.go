package submitter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChunksTotal counts chunks by outcome.
	// Labels: result (submitted, failed)
	ChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "repocontextd",
			Subsystem: "submitter",
			Name:      "chunks_total",
			Help:      "Total number of chunks submitted to the index",
		},
		[]string{"result"},
	)

	// BatchesTotal counts batches by outcome.
	// Labels: result (submitted, failed)
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "repocontextd",
			Subsystem: "submitter",
			Name:      "batches_total",
			Help:      "Total number of batches submitted to the index",
		},
		[]string{"result"},
	)

	// RateLimitWaits counts blocking waits on the token window.
	RateLimitWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "repocontextd",
			Subsystem: "submitter",
			Name:      "rate_limit_waits_total",
			Help:      "Total number of times a worker waited for the token window to reset",
		},
	)

	// BatchDuration tracks time spent per batch, retries included.
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "repocontextd",
			Subsystem: "submitter",
			Name:      "batch_duration_seconds",
			Help:      "Duration of batch submission including retries",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
)

func recordBatch(ok bool, chunks int) {
	result := "submitted"
	if !ok {
		result = "failed"
	}
	BatchesTotal.WithLabelValues(result).Inc()
	ChunksTotal.WithLabelValues(result).Add(float64(chunks))
}
