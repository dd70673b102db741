package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMissingAllocations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sagapay",
		Subsystem: "reconciliation",
		Name:      "missing_allocations",
		Help:      "Completed sagas with no matching ledger allocation in the last run.",
	})

	reconcileUnreversedCredits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sagapay",
		Subsystem: "reconciliation",
		Name:      "unreversed_credits",
		Help:      "Compensated sagas whose allocation was never reversed in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sagapay",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sagapay",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMissingAllocations,
		reconcileUnreversedCredits,
		reconcileDuration,
		reconcileErrors,
	)
}
