package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
type Metrics interface {
	// RecordWebhookEvent records a webhook event.
	// status: "success", "skipped" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "signature_invalid", "invalid_payload", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordUserSync records a user synchronization operation.
	RecordUserSync(provider, status string)

	// RecordPlanChange records when a webhook changes a user's plan.
	RecordPlanChange(provider, fromPlan, toPlan string)

	// RecordPortalFlow records the flow a portal request asked for and the one opened.
	RecordPortalFlow(provider, requested, used string)

	// RecordAPICall records an API call to the billing provider.
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordUserSync(_, _ string)                                   {}
func (n *NoopMetrics) RecordPlanChange(_, _, _ string)                              {}
func (n *NoopMetrics) RecordPortalFlow(_, _, _ string)                              {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
