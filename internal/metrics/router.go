package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoutedRequests = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "requests_total",
			Help:      "Total number of routed inference requests",
		},
		[]string{"model", "outcome"}, // ok, fallback, or the failing error kind (busy, model_not_found, ...)
	)

	QueueDepth = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "queue_depth",
			Help:      "Current number of requests admitted into a model's queue",
		},
		[]string{"model"},
	)

	TokensGenerated = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "tokens_generated_total",
			Help:      "Total number of tokens generated",
		},
		[]string{"model"},
	)
)
