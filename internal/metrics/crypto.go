package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HandshakesCompleted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crypto",
			Name:      "handshakes_completed_total",
			Help:      "Total number of session handshakes, by outcome",
		},
		[]string{"outcome"}, // success, failure
	)

	AEADOperationDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "crypto",
			Name:      "aead_duration_seconds",
			Help:      "Duration of AEAD seal/open operations",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
		},
		[]string{"operation"}, // seal, open
	)

	NonceReplaysRejected = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crypto",
			Name:      "nonce_replays_rejected_total",
			Help:      "Total number of frames rejected for reusing an observed nonce",
		},
	)
)
