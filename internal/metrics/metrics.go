// Package metrics provides Prometheus metrics for the impact pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "alphaterm"

// Metrics holds every collector registered on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	// Scheduler
	SchedulerDispatched *prometheus.CounterVec
	SchedulerWait       *prometheus.HistogramVec
	SchedulerQueueDepth *prometheus.GaugeVec

	// Price sources
	PriceRequests *prometheus.CounterVec

	// Impact
	ImpactsComputed  *prometheus.CounterVec
	ImpactsAbandoned prometheus.Counter

	// Tracker
	TrackersActive     prometheus.Gauge
	TrackerTransitions *prometheus.CounterVec

	// Cache
	StoreErrors *prometheus.CounterVec

	// Cycle
	CycleDuration prometheus.Histogram
	CycleFailures prometheus.Counter
}

// New creates a Metrics instance on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		SchedulerDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "dispatched_total",
			Help:      "Total number of invocations dispatched by a scheduler",
		}, []string{"scheduler"}),
		SchedulerWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "wait_seconds",
			Help:      "Time between submission and dispatch",
			Buckets:   []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"scheduler"}),
		SchedulerQueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Submissions waiting for dispatch",
		}, []string{"scheduler"}),

		PriceRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "price",
			Name:      "requests_total",
			Help:      "Price lookups by source, kind and outcome",
		}, []string{"source", "kind", "outcome"}),

		ImpactsComputed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "impact",
			Name:      "computed_total",
			Help:      "Impact computations by direction",
		}, []string{"direction"}),
		ImpactsAbandoned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "impact",
			Name:      "abandoned_total",
			Help:      "Impact computations abandoned after the selection changed",
		}),

		TrackersActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "active",
			Help:      "Live macro event trackers currently running",
		}),
		TrackerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "transitions_total",
			Help:      "State transitions by target state",
		}, []string{"state"}),

		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Cache store failures by operation",
		}, []string{"op"}),

		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycle_seconds",
			Help:      "Monitoring cycle duration",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		CycleFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycle_failures_total",
			Help:      "Monitoring cycles that returned an error",
		}),
	}
}

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
