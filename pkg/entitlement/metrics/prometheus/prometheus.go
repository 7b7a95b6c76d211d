package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements entitlement.Metrics using Prometheus.
type Metrics struct {
	consumptionTotal           *prometheus.CounterVec
	consumptionAmount          *prometheus.HistogramVec
	creditResetsTotal          *prometheus.CounterVec
	storeOpsDuration           *prometheus.HistogramVec
	storeOpsErrors             *prometheus.CounterVec
	reconciliationsTotal       *prometheus.CounterVec
	reconciliationDuration     *prometheus.HistogramVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		consumptionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_consumption_total",
			Help:      "Total number of credit consumption attempts.",
		}, []string{"plan", "success"}),

		consumptionAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credit_consumption_amount",
			Help:      "Distribution of credit consumption amounts.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 500},
		}, []string{"plan"}),

		creditResetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_resets_total",
			Help:      "Total number of credit counter resets at cycle boundaries.",
		}, []string{"plan"}),

		storeOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Latency of entitlement store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storeOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operation_errors_total",
			Help:      "Total number of entitlement store operation errors.",
		}, []string{"operation"}),

		reconciliationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Total number of reconciliation merges.",
		}, []string{"source", "success"}),

		reconciliationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconciliation_duration_seconds",
			Help:      "Latency of reconciliation merges.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordConsumption(plan string, amount int, success bool) {
	m.consumptionTotal.WithLabelValues(plan, strconv.FormatBool(success)).Inc()
	if success {
		m.consumptionAmount.WithLabelValues(plan).Observe(float64(amount))
	}
}

func (m *Metrics) RecordCreditReset(plan string) {
	m.creditResetsTotal.WithLabelValues(plan).Inc()
}

func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	m.storeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storeOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordReconciliation(source string, duration time.Duration, err error) {
	m.reconciliationsTotal.WithLabelValues(source, strconv.FormatBool(err == nil)).Inc()
	m.reconciliationDuration.WithLabelValues(source).Observe(duration.Seconds())
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
