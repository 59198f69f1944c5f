package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StateGauge is 1 for the current state and 0 for the rest.
	StateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "repocontextd",
			Subsystem: "indexer",
			Name:      "state",
			Help:      "Current indexing state (1 for the active state)",
		},
		[]string{"state"},
	)

	// RunDuration is the wall time of the last indexing run by outcome.
	RunDuration = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "repocontextd",
			Subsystem: "indexer",
			Name:      "run_duration_seconds",
			Help:      "Duration of the last indexing run in seconds",
		},
		[]string{"outcome"},
	)

	// FilesTotal counts visited files by result.
	FilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "repocontextd",
			Subsystem: "indexer",
			Name:      "files_total",
			Help:      "Files visited during indexing by result (processed, discarded)",
		},
		[]string{"result"},
	)

	// TokensTotal counts tokens sent for embedding.
	TokensTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "repocontextd",
			Subsystem: "indexer",
			Name:      "tokens_total",
			Help:      "Tokens counted for embedding",
		},
	)
)

func recordState(s State) {
	for i, name := range stateNames {
		v := 0.0
		if State(i) == s {
			v = 1
		}
		StateGauge.WithLabelValues(name).Set(v)
	}
}
