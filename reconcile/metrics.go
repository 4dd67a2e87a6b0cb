package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	hintsAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridesync_hints_accepted_total",
			Help: "Status hints that advanced a ride view, by source",
		},
		[]string{"source"},
	)

	hintsDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridesync_hints_discarded_total",
			Help: "Stale, duplicate or out-of-order hints dropped by the monotonic rule, by source",
		},
		[]string{"source"},
	)

	seedFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ridesync_seed_failures_total",
			Help: "Snapshot fetches that failed while seeding a ride view",
		},
	)

	activeRides = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ridesync_active_rides",
			Help: "Ride views currently held in memory",
		},
	)
)

// RegisterMetrics attaches the coordinator metrics to reg. Call once at
// composition time.
func RegisterMetrics(reg *prometheus.Registry) {
	reg.MustRegister(hintsAccepted, hintsDiscarded, seedFailures, activeRides)
}
