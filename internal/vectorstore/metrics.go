package vectorstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts store operations.
	// Labels: backend (chromem, qdrant), operation (add, search, count), result (success, error)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "repocontextd",
			Subsystem: "vectorstore",
			Name:      "operations_total",
			Help:      "Total number of vector store operations",
		},
		[]string{"backend", "operation", "result"},
	)

	// OperationDuration tracks how long store operations take.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "repocontextd",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// DocumentsStored tracks the number of chunks in the open collection.
	DocumentsStored = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "repocontextd",
			Subsystem: "vectorstore",
			Name:      "documents",
			Help:      "Number of chunks in the open collection",
		},
		[]string{"backend"},
	)
)

// observe records one operation. Call as defer observe(backend, op, time.Now(), &err).
func observe(backend, operation string, start time.Time, err *error) {
	result := "success"
	if err != nil && *err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(backend, operation, result).Inc()
	OperationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}
