// Package metrics registers the Prometheus collectors exported by compilerd.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "compilerd"

var (
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by channel, tier and outcome (hit, miss, error).",
		},
		[]string{"channel", "tier", "outcome"},
	)

	CacheWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "writes_total",
			Help:      "Cache writes by channel, tier and outcome (ok, error).",
		},
		[]string{"channel", "tier", "outcome"},
	)

	GateInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "slots_in_use",
			Help:      "Local compilation slots currently held.",
		},
	)

	GateWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a local compilation slot.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Compilation requests by how they were served (cache, local, remote, coalesced) and outcome.",
		},
		[]string{"source", "outcome"},
	)

	CompilationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compilation_seconds",
			Help:      "Wall time of executed units of work.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"kind"},
	)

	RemoteAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "attempts_total",
			Help:      "Remote transport call attempts by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	RemoteLateResults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "late_results_total",
			Help:      "Completion events received for jobs already abandoned.",
		},
	)

	StatsRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stats",
			Name:      "records_total",
			Help:      "Stats records by outcome (queued, dropped, flushed, lost).",
		},
		[]string{"outcome"},
	)
)

// Register adds every compilerd collector to reg. Each registry gets the
// full set; registering twice on the same one is not an error.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		CacheLookups,
		CacheWrites,
		GateInUse,
		GateWaitSeconds,
		Requests,
		CompilationSeconds,
		RemoteAttempts,
		RemoteLateResults,
		StatsRecords,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}

			return fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	return nil
}
