package billing

import (
	"time"

	"github.com/mihaimyh/goallowance/pkg/allowance"
)

// WebhookEvent describes a plan change applied from a webhook.
// It is passed to Config.WebhookCallback after the profile has been updated.
type WebhookEvent struct {
	// UserID is the internal user identifier
	UserID string

	// PreviousPlan is the plan before the update (empty if the user had no profile)
	PreviousPlan allowance.PlanType

	// NewPlan is the plan after the update
	NewPlan allowance.PlanType

	// Provider is the billing provider name
	Provider string

	// EventType is the provider-specific event type, e.g. "customer.subscription.updated"
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// Metadata contains provider-specific metadata of the subscription
	Metadata map[string]string
}
