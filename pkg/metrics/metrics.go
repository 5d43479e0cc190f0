// Package metrics exposes the Prometheus gauges/counters the control
// surface serves on /metrics, grounded on the teacher's consumer/metrics and
// producer/metrics packages' "one package-level Registry, named
// constructors" shape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric this process exposes.
type Registry struct {
	RelayQueueDepth    *prometheus.GaugeVec
	MatchesRecorded    prometheus.Counter
	BlocksProcessed    *prometheus.CounterVec
	ExecutionDuration  prometheus.Histogram
}

// NewRegistry builds and registers every metric on a fresh prometheus
// registry.
func NewRegistry() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()

	r := &Registry{
		RelayQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "matchexec",
			Name:      "relay_queue_depth",
			Help:      "Number of unprocessed event batches buffered per collection's relay tail subscription.",
		}, []string{"collection"}),
		MatchesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matchexec",
			Name:      "matches_recorded_total",
			Help:      "Total matches written to the order store by the matching engine.",
		}),
		BlocksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchexec",
			Name:      "blocks_processed_total",
			Help:      "Total blocks processed by the execution engine, labeled by outcome.",
		}, []string{"status"}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "matchexec",
			Name:      "block_execution_duration_seconds",
			Help:      "Wall-clock duration of one block's execution-engine pipeline.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(r.RelayQueueDepth, r.MatchesRecorded, r.BlocksProcessed, r.ExecutionDuration)
	return r, reg
}
