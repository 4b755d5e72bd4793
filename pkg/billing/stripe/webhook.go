package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goallowance/pkg/allowance"
	"github.com/mihaimyh/goallowance/pkg/billing"
	"github.com/mihaimyh/goallowance/pkg/billing/internal"
)

const (
	eventSubscriptionCreated = "customer.subscription.created"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
)

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookRejection(providerName, "oversized_body")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookRejection(providerName, "unreadable_body")
		}
		return
	}

	event, err := p.verifyEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		p.logger.Warn("stripe webhook rejected", allowance.Field{Key: "error", Value: err.Error()})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookRejection(providerName, "bad_signature")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if err := p.processWebhookEvent(r.Context(), &event); err != nil {
		p.logger.Error("stripe webhook processing failed",
			allowance.Field{Key: "eventId", Value: event.ID},
			allowance.Field{Key: "eventType", Value: eventType},
			allowance.Field{Key: "error", Value: err.Error()},
		)
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "failed")
		p.metrics.RecordWebhookRejection(providerName, "apply_failed")
		p.metrics.RecordWebhookDuration(providerName, eventType, time.Since(startTime))
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true}) //nolint:errcheck // client gone

	p.metrics.RecordWebhookEvent(providerName, eventType, "applied")
	p.metrics.RecordWebhookDuration(providerName, eventType, time.Since(startTime))
}

// verifyEvent checks the Stripe-Signature header against the endpoint secret
func (p *Provider) verifyEvent(body []byte, signature string) (stripe.Event, error) {
	event, err := stripe.ConstructEvent(body, signature, p.webhookSecret)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}
	return event, nil
}

// processWebhookEvent applies subscription events to the plan registry.
// Other event types are acknowledged and ignored.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case eventSubscriptionCreated, eventSubscriptionUpdated, eventSubscriptionDeleted:
	default:
		return nil
	}
	if event.Data == nil {
		return billing.ErrInvalidWebhookPayload
	}

	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	userID, err := p.extractUserID(ctx, &sub)
	if err != nil {
		return err
	}

	eventTimestamp := time.Unix(event.Created, 0).UTC()
	if !p.accept(userID, eventTimestamp) {
		p.metrics.RecordWebhookEvent(providerName, string(event.Type), "skipped")
		p.logger.Debug("stale stripe event skipped",
			allowance.Field{Key: "eventId", Value: event.ID},
			allowance.Field{Key: "userId", Value: userID},
		)
		return nil
	}

	if event.Type == eventSubscriptionDeleted && p.stripeClient != nil {
		// the user may still hold another live subscription
		_, err := p.SyncUser(ctx, userID)
		return err
	}

	plan := p.planFromSubscriptions(&sub)
	return p.applyPlan(ctx, userID, plan, string(event.Type), eventTimestamp, sub.Metadata)
}

// applyPlan writes plan to the registry when it differs from the stored one
func (p *Provider) applyPlan(ctx context.Context, userID string, plan allowance.PlanType,
	eventType string, ts time.Time, metadata map[string]string) error {
	previous, err := p.profiles.GetPlan(ctx, userID)
	if err != nil && !errors.Is(err, allowance.ErrProfileNotFound) {
		return fmt.Errorf("failed to get plan: %w", err)
	}
	if err == nil && previous == plan {
		return nil
	}

	if err := p.profiles.SetPlan(ctx, userID, plan); err != nil {
		return fmt.Errorf("failed to set plan: %w", err)
	}
	if p.invalidator != nil {
		p.invalidator.InvalidatePlan(userID)
	}

	p.metrics.RecordPlanChange(providerName, string(previous), string(plan))
	p.logger.Info("user plan changed",
		allowance.Field{Key: "userId", Value: userID},
		allowance.Field{Key: "from", Value: string(previous)},
		allowance.Field{Key: "to", Value: string(plan)},
		allowance.Field{Key: "eventType", Value: eventType},
	)

	if p.callback != nil {
		cbErr := p.callback(ctx, billing.WebhookEvent{
			UserID:         userID,
			PreviousPlan:   previous,
			NewPlan:        plan,
			Provider:       providerName,
			EventType:      eventType,
			EventTimestamp: ts,
			Metadata:       metadata,
		})
		if cbErr != nil {
			p.logger.Warn("plan change callback failed",
				allowance.Field{Key: "userId", Value: userID},
				allowance.Field{Key: "error", Value: cbErr.Error()},
			)
		}
	}
	return nil
}

// extractUserID reads user_id from subscription metadata, then customer metadata
func (p *Provider) extractUserID(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if userID := sub.Metadata[metadataUserID]; userID != "" {
		return userID, nil
	}
	if sub.Customer != nil {
		if userID := sub.Customer.Metadata[metadataUserID]; userID != "" {
			return userID, nil
		}
		if p.stripeClient != nil && sub.Customer.ID != "" {
			cust, err := p.stripeClient.V1Customers.Retrieve(ctx, sub.Customer.ID, nil)
			p.metrics.RecordProviderRequest(providerName, "customers.retrieve", err)
			if err == nil && cust.Metadata[metadataUserID] != "" {
				return cust.Metadata[metadataUserID], nil
			}
		}
	}
	return "", fmt.Errorf("%w: metadata.user_id missing on subscription %s", billing.ErrInvalidWebhookPayload, sub.ID)
}
