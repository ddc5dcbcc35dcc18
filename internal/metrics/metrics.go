// Package metrics exposes Prometheus instrumentation for the execution
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	// JobsTotal counts finished jobs by terminal outcome.
	JobsTotal *prometheus.CounterVec

	// JobDuration observes wall-clock job duration by processor kind.
	JobDuration *prometheus.HistogramVec

	// Timeouts counts jobs force-killed at the wall-time boundary.
	Timeouts prometheus.Counter

	// ArchiveRejects counts archives rejected by the expansion limiter.
	ArchiveRejects prometheus.Counter

	// ParseFailures counts container outputs with no recoverable payload.
	ParseFailures prometheus.Counter

	// PoolAcquires counts container acquisitions by pool membership.
	PoolAcquires *prometheus.CounterVec

	// WarmRecreations counts warm-container teardowns and rebuilds.
	WarmRecreations prometheus.Counter

	// Degraded is 1 while the container runtime is unreachable.
	Degraded prometheus.Gauge
}

// New registers the engine collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filecage",
			Name:      "jobs_total",
			Help:      "Finished jobs by terminal outcome.",
		}, []string{"outcome"}),

		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "filecage",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock job duration by processor kind.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"kind"}),

		Timeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "filecage",
			Name:      "job_timeouts_total",
			Help:      "Jobs force-killed at the wall-time boundary.",
		}),

		ArchiveRejects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "filecage",
			Name:      "archive_rejects_total",
			Help:      "Archives rejected by the expansion limiter.",
		}),

		ParseFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "filecage",
			Name:      "result_parse_failures_total",
			Help:      "Container outputs with no recoverable payload.",
		}),

		PoolAcquires: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filecage",
			Name:      "pool_acquires_total",
			Help:      "Container acquisitions by pool membership.",
		}, []string{"kind"}),

		WarmRecreations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "filecage",
			Name:      "warm_recreations_total",
			Help:      "Warm-container teardowns and rebuilds.",
		}),

		Degraded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "filecage",
			Name:      "degraded",
			Help:      "1 while the container runtime is unreachable.",
		}),
	}
}
