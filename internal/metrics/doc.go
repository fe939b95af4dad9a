// Package metrics exports queue, worker and outcome statistics for
// Prometheus.
package metrics
