package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_total",
			Help: "Total number of orders by terminal outcome",
		},
		[]string{"outcome"},
	)
	SagasActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sagas_active",
			Help: "Number of sagas currently in flight",
		},
	)
	SagaDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_duration_seconds",
			Help:    "Saga execution duration in seconds by outcome",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)
	CompensationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "compensations_total",
			Help: "Total number of compensation actions executed",
		},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_requests_total",
			Help: "Total number of transport requests by peer and result",
		},
		[]string{"peer", "result"},
	)
	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "transport_pending_requests",
			Help: "Number of requests awaiting a correlated response",
		},
	)
	RetryAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts scheduled",
		},
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per peer (0=closed, 1=open, 2=half-open)",
		},
		[]string{"peer"},
	)
)

// InitMetrics registers all metrics with the default registry. Safe to call
// once per process.
func InitMetrics() {
	prometheus.MustRegister(
		OrdersTotal,
		SagasActive,
		SagaDuration,
		CompensationsTotal,
		RequestsTotal,
		PendingRequests,
		RetryAttemptsTotal,
		BreakerState,
	)
}
