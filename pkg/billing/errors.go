package billing

import "errors"

var (
	// ErrProviderNotConfigured means the provider lacks the credentials an operation needs.
	ErrProviderNotConfigured = errors.New("plan sync provider not configured")

	// ErrInvalidWebhookSignature means a delivery failed signature verification.
	ErrInvalidWebhookSignature = errors.New("webhook signature rejected")

	// ErrInvalidWebhookPayload means an event carried no usable subscription or user id.
	ErrInvalidWebhookPayload = errors.New("webhook event has no usable subscription")

	// ErrCustomerNotFound means no billing customer is linked to the user.
	ErrCustomerNotFound = errors.New("no billing customer linked to user")
)
