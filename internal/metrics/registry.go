// Package metrics exposes Prometheus metrics (A3) for every process-wide
// component. Registry and namespace are the shared foundation every
// metric file below builds on.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the node's dedicated metrics registry, kept separate from
// prometheus.DefaultRegisterer so tests can construct an isolated node
// without polluting (or being polluted by) other registrations.
var Registry = prometheus.NewRegistry()

const namespace = "fabstir_llm"
