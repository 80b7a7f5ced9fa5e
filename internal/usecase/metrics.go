package usecase

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconciliationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refill_reconciliations_total",
			Help: "Reconciliation steps by outcome",
		},
		[]string{"outcome"},
	)

	gatewayCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refill_gateway_calls_total",
			Help: "Gateway initiate/verify calls by result",
		},
		[]string{"operation", "result"},
	)

	mediumOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refill_medium_operations_total",
			Help: "Tag reads and writes by result",
		},
		[]string{"operation", "result"},
	)

	anomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refill_anomalies_total",
			Help: "Reconciliation anomalies needing operator review",
		},
		[]string{"kind"},
	)

	applicationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "refill_application_duration_seconds",
			Help:    "Time from card presentation to finalized receipt",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
	)
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
