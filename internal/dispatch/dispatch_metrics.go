package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the dispatch subsystem.
type Metrics struct {
	FanoutsTotal     prometheus.Counter
	FanoutSize       prometheus.Histogram
	TransitionsTotal *prometheus.CounterVec
	IncidentsTotal   *prometheus.CounterVec
	OverridesTotal   *prometheus.CounterVec
	SweepRunsTotal   *prometheus.CounterVec
	SweepMarkedTotal prometheus.Counter
	SweepDuration    prometheus.Histogram
}

// NewMetrics registers and returns dispatch metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FanoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_fanouts_total",
			Help: "Total incident dispatch fan-outs.",
		}),
		FanoutSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_fanout_size",
			Help:    "Dispatches created per fan-out.",
			Buckets: prometheus.LinearBuckets(1, 1, 10), // 1 .. 10
		}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_dispatch_transitions_total",
			Help: "Total dispatch state transitions by target state.",
		}, []string{"to"}),
		IncidentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_incident_resolutions_total",
			Help: "Total incident status derivations by resulting status.",
		}, []string{"status"}),
		OverridesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_timeout_overrides_total",
			Help: "Total batch timeout override items by result.",
		}, []string{"result"}),
		SweepRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_sweep_runs_total",
			Help: "Total timeout sweep runs by outcome.",
		}, []string{"outcome"}),
		SweepMarkedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_sweep_marked_total",
			Help: "Total dispatches moved to timeout by the sweeper.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_sweep_duration_seconds",
			Help:    "Duration of timeout sweep runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms .. ~5s
		}),
	}

	reg.MustRegister(
		m.FanoutsTotal,
		m.FanoutSize,
		m.TransitionsTotal,
		m.IncidentsTotal,
		m.OverridesTotal,
		m.SweepRunsTotal,
		m.SweepMarkedTotal,
		m.SweepDuration,
	)

	return m
}
