package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/goallowance/pkg/allowance"
)

// Provider keeps the plan registry in sync with a billing backend.
// Plan changes only affect periods created afterwards; an active period is never rewritten.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles validation, parsing, and plan updates internally.
	WebhookHandler() http.Handler

	// SyncUser forces a synchronization of the user's plan from the provider.
	// This is used for "Restore Purchases" or nightly reconciliation jobs.
	// Returns the detected plan and any error.
	SyncUser(ctx context.Context, userID string) (allowance.PlanType, error)
}

// PlanInvalidator drops cached plans after the registry changed. *allowance.Resolver implements it.
type PlanInvalidator interface {
	InvalidatePlan(userID string)
}
