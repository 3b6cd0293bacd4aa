package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsRateLimited = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected for exceeding the admission rate limit",
		},
	)

	AdmissionKeysTracked = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "keys_tracked",
			Help:      "Number of distinct admission keys with a live rate bucket",
		},
	)
)
