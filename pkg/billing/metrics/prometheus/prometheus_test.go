package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mihaimyh/plansync/pkg/billing"
)

var _ billing.Metrics = (*Metrics)(nil)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestMetrics_WebhookCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhookEvent("stripe", "customer.subscription.updated", "success")
	m.RecordWebhookEvent("stripe", "customer.subscription.updated", "success")
	m.RecordWebhookError("stripe", "signature_invalid")
	m.RecordWebhookProcessingDuration("stripe", "customer.subscription.updated", 3*time.Millisecond)

	got := counterValue(t, m.webhookEvents.WithLabelValues("stripe", "customer.subscription.updated", "success"))
	if got != 2 {
		t.Errorf("webhook events = %v, want 2", got)
	}
	if got := counterValue(t, m.webhookErrors.WithLabelValues("stripe", "signature_invalid")); got != 1 {
		t.Errorf("webhook errors = %v, want 1", got)
	}
}

func TestMetrics_PlanAndPortal(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordPlanChange("stripe", "free", "pro")
	m.RecordPortalFlow("stripe", "subscription_update", "default")
	m.RecordAPICall("stripe", "/v1/customers", "success")
	m.RecordAPICallDuration("stripe", "/v1/customers", time.Millisecond)
	m.RecordUserSync("stripe", "success")

	if got := counterValue(t, m.planChanges.WithLabelValues("stripe", "free", "pro")); got != 1 {
		t.Errorf("plan changes = %v, want 1", got)
	}
	if got := counterValue(t, m.portalFlows.WithLabelValues("stripe", "subscription_update", "default")); got != 1 {
		t.Errorf("portal flows = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) != 5 {
		t.Errorf("got %d metric families, want 5", len(families))
	}
}
