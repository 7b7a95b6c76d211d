package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/plansync/pkg/billing"
)

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	webhookEvents   *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	webhookErrors   *prometheus.CounterVec
	userSyncs       *prometheus.CounterVec
	planChanges     *prometheus.CounterVec
	portalFlows     *prometheus.CounterVec
	apiCalls        *prometheus.CounterVec
	apiCallDuration *prometheus.HistogramVec
}

// NewMetrics creates Prometheus collectors for billing providers under namespace_billing_*.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	const subsystem = "billing"

	return &Metrics{
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_events_total",
			Help:      "Webhook events received, by outcome.",
		}, []string{"provider", "event_type", "status"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_processing_duration_seconds",
			Help:      "Duration of webhook processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "event_type"}),

		webhookErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_errors_total",
			Help:      "Webhook requests rejected or failed, by cause.",
		}, []string{"provider", "error_type"}),

		userSyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "user_sync_total",
			Help:      "User synchronizations from the provider.",
		}, []string{"provider", "status"}),

		planChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "plan_changes_total",
			Help:      "Plan changes applied from provider events.",
		}, []string{"provider", "from_plan", "to_plan"}),

		portalFlows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "portal_sessions_total",
			Help:      "Portal sessions opened, by requested and opened flow.",
		}, []string{"provider", "requested", "used"}),

		apiCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "api_calls_total",
			Help:      "API calls to the billing provider.",
		}, []string{"provider", "endpoint", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "api_call_duration_seconds",
			Help:      "Duration of API calls to the billing provider in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "endpoint"}),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEvents.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrors.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordUserSync(provider, status string) {
	m.userSyncs.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordPlanChange(provider, fromPlan, toPlan string) {
	m.planChanges.WithLabelValues(provider, fromPlan, toPlan).Inc()
}

func (m *Metrics) RecordPortalFlow(provider, requested, used string) {
	m.portalFlows.WithLabelValues(provider, requested, used).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCalls.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) billing.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
