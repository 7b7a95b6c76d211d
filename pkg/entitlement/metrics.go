package entitlement

import "time"

// Metrics defines the interface for tracking entitlement operations.
type Metrics interface {
	// RecordConsumption records a credit consumption attempt.
	RecordConsumption(plan string, amount int, success bool)

	// RecordCreditReset records a cycle reset of the credit counter.
	RecordCreditReset(plan string)

	// RecordStoreOperation records the duration and status of a store operation.
	RecordStoreOperation(operation string, duration time.Duration, err error)

	// RecordReconciliation records a merge applied by a reconciler.
	// source is "initial" or "push".
	RecordReconciliation(source string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordConsumption(plan string, amount int, success bool)                  {}
func (n *NoopMetrics) RecordCreditReset(plan string)                                            {}
func (n *NoopMetrics) RecordStoreOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordReconciliation(source string, duration time.Duration, err error)    {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                             {}
