// Package prommetrics exports plan synchronization metrics to Prometheus.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/goallowance/pkg/billing"
)

const subsystem = "plan_sync"

// Metrics implements billing.Metrics.
type Metrics struct {
	webhookEvents     *prometheus.CounterVec
	webhookDuration   *prometheus.HistogramVec
	webhookRejections *prometheus.CounterVec
	resyncs           *prometheus.CounterVec
	resyncDuration    *prometheus.HistogramVec
	planChanges       *prometheus.CounterVec
	providerRequests  *prometheus.CounterVec
}

// NewMetrics registers the plan sync collectors on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_events_total",
			Help:      "Subscription events delivered by billing webhooks, by outcome.",
		}, []string{"provider", "event_type", "outcome"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_duration_seconds",
			Help:      "Time from receiving a webhook to updating the plan registry.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "event_type"}),

		webhookRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_rejections_total",
			Help:      "Webhook deliveries that did not change the plan registry, by reason.",
		}, []string{"provider", "reason"}),

		resyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resyncs_total",
			Help:      "On-demand plan recomputations from the provider API, by outcome.",
		}, []string{"provider", "outcome"}),

		resyncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resync_duration_seconds",
			Help:      "Duration of on-demand plan recomputations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		planChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "plan_changes_total",
			Help:      "Plan registry writes, by previous and new plan.",
		}, []string{"provider", "from_plan", "to_plan"}),

		providerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "provider_requests_total",
			Help:      "Requests made to the billing provider API, by operation and outcome.",
		}, []string{"provider", "operation", "outcome"}),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, outcome string) {
	m.webhookEvents.WithLabelValues(provider, eventType, outcome).Inc()
}

func (m *Metrics) RecordWebhookDuration(provider, eventType string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookRejection(provider, reason string) {
	m.webhookRejections.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) RecordResync(provider, outcome string, duration time.Duration) {
	m.resyncs.WithLabelValues(provider, outcome).Inc()
	m.resyncDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Metrics) RecordPlanChange(provider, fromPlan, toPlan string) {
	if fromPlan == "" {
		fromPlan = "none"
	}
	m.planChanges.WithLabelValues(provider, fromPlan, toPlan).Inc()
}

func (m *Metrics) RecordProviderRequest(provider, operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.providerRequests.WithLabelValues(provider, operation, outcome).Inc()
}

var _ billing.Metrics = (*Metrics)(nil)
