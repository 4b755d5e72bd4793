package billing

import (
	"context"

	"github.com/mihaimyh/goallowance/pkg/allowance"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Profiles is the plan registry updated by the provider (required)
	Profiles allowance.ProfileStore

	// Invalidator is notified after a user's plan changed.
	// Pass the resolver when its plan cache is enabled.
	Invalidator PlanInvalidator

	// PlanMapping maps provider price or product IDs to plans.
	// For example: map[string]allowance.PlanType{"price_premium_monthly": allowance.PlanPremium}
	// Unmapped items resolve to the free plan.
	PlanMapping map[string]allowance.PlanType

	// WebhookCallback is called after a webhook changed a user's plan.
	// A callback error is logged and never fails the webhook.
	WebhookCallback func(ctx context.Context, event WebhookEvent) error

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// Use billing/metrics/prometheus.NewMetrics for Prometheus metrics.
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger allowance.Logger
}
