// Package metrics exports cycle and routing metrics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/putsql/internal/engine"
)

// Cycle outcome label values.
const (
	OutcomeCommitted = "committed"
	OutcomeAborted   = "aborted"
	OutcomeRequeued  = "requeued"
	// OutcomeRejected covers cycles that routed their units without
	// connecting: invalid fragment sets and failed connection attempts.
	OutcomeRejected = "rejected"
)

// Recorder implements engine.Observer.
type Recorder struct {
	cycles   *prometheus.CounterVec
	routed   *prometheus.CounterVec
	duration prometheus.Histogram
	units    prometheus.Histogram
}

// New registers the putsql metrics with reg. A nil reg means the default
// registry.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Recorder{
		cycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "putsql_cycles_total",
				Help: "Total number of cycles that fetched at least one unit",
			},
			[]string{"outcome"},
		),
		routed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "putsql_units_routed_total",
				Help: "Total number of units routed, by relationship",
			},
			[]string{"relationship"},
		),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "putsql_cycle_duration_seconds",
			Help:    "Cycle latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		units: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "putsql_cycle_units",
			Help:    "Units fetched per cycle",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

// ObserveCycle records one cycle.
func (r *Recorder) ObserveCycle(res *engine.CycleResult) {
	r.cycles.WithLabelValues(Outcome(res)).Inc()
	for _, rt := range res.Routes {
		r.routed.WithLabelValues(string(rt.Relationship)).Inc()
	}
	r.duration.Observe(res.Elapsed.Seconds())
	r.units.Observe(float64(len(res.Fetched)))
}

// Outcome labels a cycle.
func Outcome(res *engine.CycleResult) string {
	switch {
	case len(res.Requeued) > 0:
		return OutcomeRequeued
	case res.Committed():
		return OutcomeCommitted
	case res.State() == engine.StateIdle:
		return OutcomeRejected
	default:
		return OutcomeAborted
	}
}

// Handler returns the Prometheus HTTP handler for /metrics on g. A nil g
// means the default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
