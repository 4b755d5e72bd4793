package billing

import "time"

// Metrics observes plan synchronization: webhook deliveries, on-demand
// resyncs, plan registry writes and requests made to the provider.
type Metrics interface {
	// RecordWebhookEvent counts a delivered event by outcome:
	// "applied", "skipped" or "failed".
	RecordWebhookEvent(provider, eventType, outcome string)

	RecordWebhookDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookRejection counts a delivery refused before processing,
	// e.g. "bad_signature", "oversized_body", "unreadable_body", or one that
	// failed while applying ("apply_failed").
	RecordWebhookRejection(provider, reason string)

	// RecordResync counts a SyncUser call by outcome: "applied" or "failed".
	RecordResync(provider, outcome string, duration time.Duration)

	// RecordPlanChange counts a plan registry write. fromPlan is empty for a
	// user without a stored plan.
	RecordPlanChange(provider, fromPlan, toPlan string)

	// RecordProviderRequest counts a request to the provider's API.
	RecordProviderRequest(provider, operation string, err error)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) RecordWebhookEvent(_, _, _ string)                  {}
func (NoopMetrics) RecordWebhookDuration(_, _ string, _ time.Duration) {}
func (NoopMetrics) RecordWebhookRejection(_, _ string)                 {}
func (NoopMetrics) RecordResync(_, _ string, _ time.Duration)          {}
func (NoopMetrics) RecordPlanChange(_, _, _ string)                    {}
func (NoopMetrics) RecordProviderRequest(_, _ string, _ error)         {}
