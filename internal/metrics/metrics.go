// Package metrics exposes the daemon's counters/gauges over a
// Prometheus /metrics endpoint: a namespace-prefixed
// Counter/GaugeVec collector registered against a prometheus.Registerer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "cups_browsed"
)

// Collector holds every metric this daemon reports.
type Collector struct {
	ManagedQueues     prometheus.Gauge
	DiscoverySeen     *prometheus.CounterVec
	ReconcileActions  *prometheus.CounterVec
	ReconcileFailures *prometheus.CounterVec
	DispatchDecisions *prometheus.CounterVec
	RetryExhausted    prometheus.Counter
}

// NewCollector builds and registers a Collector against reg (or the
// default registerer, if nil).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		ManagedQueues: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "managed_queues",
			Help:      "Number of confirmed local queues currently managed.",
		}),
		DiscoverySeen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_sightings_total",
			Help:      "Total discovered-printer sightings processed, by origin.",
		}, []string{"origin"}),
		ReconcileActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_actions_total",
			Help:      "Total reconciler actions taken, by kind (create_or_modify, delete).",
		}, []string{"kind"}),
		ReconcileFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_failures_total",
			Help:      "Total reconciler action failures, by kind.",
		}, []string{"kind"}),
		DispatchDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_decisions_total",
			Help:      "Total job dispatch decisions, by outcome (selected, all_busy, no_dest).",
		}, []string{"outcome"}),
		RetryExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_exhausted_total",
			Help:      "Total entries abandoned after exceeding the reconciler retry budget.",
		}),
	}
	reg.MustRegister(c.ManagedQueues, c.DiscoverySeen, c.ReconcileActions, c.ReconcileFailures, c.DispatchDecisions, c.RetryExhausted)
	return c
}

// Handler returns the HTTP handler to mount at the configured
// /metrics path.
func Handler() http.Handler {
	return promhttp.Handler()
}
