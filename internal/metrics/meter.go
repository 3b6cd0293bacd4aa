package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckpointsSubmitted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "meter",
			Name:      "checkpoints_submitted_total",
			Help:      "Total number of checkpoint submissions, by outcome",
		},
		[]string{"outcome"}, // success, terminal_failure, retries_exhausted
	)

	CheckpointDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "meter",
			Name:      "checkpoint_duration_seconds",
			Help:      "Time from threshold crossing to checkpoint confirmation",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~256s
		},
	)

	TokensPendingCheckpoint = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "meter",
			Name:      "tokens_pending_checkpoint",
			Help:      "Sum of tokens accrued since each job's last checkpoint",
		},
	)

	JobsDisarmed = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "meter",
			Name:      "jobs_disarmed_total",
			Help:      "Total number of jobs disarmed after a terminal chain failure",
		},
	)
)
