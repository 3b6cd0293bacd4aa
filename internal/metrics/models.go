package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ModelsLoaded = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "models",
			Name:      "loaded",
			Help:      "Number of models currently loaded",
		},
	)

	ModelMemoryBytes = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "models",
			Name:      "memory_bytes",
			Help:      "Total memory in use across loaded models",
		},
	)

	ModelEvictions = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "models",
			Name:      "evictions_total",
			Help:      "Total number of models evicted under memory pressure",
		},
		[]string{"model"},
	)

	ModelLoadDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "models",
			Name:      "load_duration_seconds",
			Help:      "Time taken to load a model",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~205s
		},
		[]string{"model"},
	)

	ModelLoadFailures = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "models",
			Name:      "load_failures_total",
			Help:      "Total number of failed model load attempts",
		},
		[]string{"model", "reason"},
	)
)
