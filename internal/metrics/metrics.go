package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hotplugd/internal/device"
)

const namespace = "hotplugd"

// Metrics holds the daemon's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	queueEvents   *prometheus.GaugeVec
	workers       *prometheus.GaugeVec
	childrenMax   prometheus.Gauge
	outcomes      *prometheus.CounterVec
	retries       prometheus.Counter
	spawnFailures prometheus.Counter
	comparisons   prometheus.Gauge
	uevents       prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queueEvents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_events",
			Help:      "Events currently in the queue by state.",
		}, []string{"state"}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Worker processes by state.",
		}, []string{"state"}),
		childrenMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "children_max",
			Help:      "Configured ceiling on concurrent workers.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_outcomes_total",
			Help:      "Terminal event outcomes.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_retries_total",
			Help:      "Events requeued because their disk was locked.",
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_spawn_failures_total",
			Help:      "Worker processes that could not be started.",
		}),
		comparisons: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocking_comparisons",
			Help:      "Pairwise conflict checks performed by the scheduler since start.",
		}),
		uevents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uevents_received_total",
			Help:      "Device notifications accepted into the queue.",
		}),
	}
	m.registry.MustRegister(
		m.queueEvents, m.workers, m.childrenMax, m.outcomes,
		m.retries, m.spawnFailures, m.comparisons, m.uevents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetQueue records queue depth.
func (m *Metrics) SetQueue(queued, running int) {
	if m == nil {
		return
	}
	m.queueEvents.WithLabelValues("queued").Set(float64(queued))
	m.queueEvents.WithLabelValues("running").Set(float64(running))
}

// SetWorkers records worker counts keyed by state name. States missing from
// counts are reset to zero.
func (m *Metrics) SetWorkers(counts map[string]int) {
	if m == nil {
		return
	}
	for _, state := range []string{"running", "idle", "killing", "killed"} {
		m.workers.WithLabelValues(state).Set(float64(counts[state]))
	}
}

// SetChildrenMax records the worker ceiling.
func (m *Metrics) SetChildrenMax(n int) {
	if m == nil {
		return
	}
	m.childrenMax.Set(float64(n))
}

// SetComparisons records the scheduler's running comparison count.
func (m *Metrics) SetComparisons(n uint64) {
	if m == nil {
		return
	}
	m.comparisons.Set(float64(n))
}

// IncRetry counts one requeue.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// IncSpawnFailure counts one failed spawn.
func (m *Metrics) IncSpawnFailure() {
	if m == nil {
		return
	}
	m.spawnFailures.Inc()
}

// IncUEvent counts one accepted device notification.
func (m *Metrics) IncUEvent() {
	if m == nil {
		return
	}
	m.uevents.Inc()
}

// Broadcast counts a terminal outcome. It lets Metrics subscribe to the
// manager like any other listener.
func (m *Metrics) Broadcast(_ *device.Device, outcome device.Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(outcome)).Inc()
}
