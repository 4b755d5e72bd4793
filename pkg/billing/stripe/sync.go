package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goallowance/pkg/allowance"
	"github.com/mihaimyh/goallowance/pkg/billing"
)

// syncUserFromAPI recomputes a user's plan from the Stripe API and stores it
func (p *Provider) syncUserFromAPI(ctx context.Context, userID string) (allowance.PlanType, error) {
	startTime := time.Now()
	if p.stripeClient == nil {
		p.metrics.RecordResync(providerName, "failed", time.Since(startTime))
		return allowance.PlanFree, fmt.Errorf("%w: stripe API key not set", billing.ErrProviderNotConfigured)
	}
	if strings.TrimSpace(userID) == "" {
		return allowance.PlanFree, allowance.ErrInvalidUserID
	}

	var customerID string
	if p.customerIDResolver != nil {
		id, err := p.customerIDResolver(ctx, userID)
		if err != nil {
			p.logger.Debug("customer id resolver failed, falling back to search",
				allowance.Field{Key: "userId", Value: userID},
				allowance.Field{Key: "error", Value: err.Error()},
			)
		}
		customerID = id
	}

	if customerID == "" {
		id, err := p.searchCustomerByMetadata(ctx, userID)
		switch {
		case errors.Is(err, billing.ErrCustomerNotFound):
			return p.finishSync(ctx, userID, allowance.PlanFree, startTime)
		case err != nil:
			p.metrics.RecordResync(providerName, "failed", time.Since(startTime))
			return allowance.PlanFree, err
		}
		customerID = id
	}

	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")

	var subs []*stripe.Subscription
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordProviderRequest(providerName, "subscriptions.list", err)
			p.metrics.RecordResync(providerName, "failed", time.Since(startTime))
			return allowance.PlanFree, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		subs = append(subs, sub)
	}
	p.metrics.RecordProviderRequest(providerName, "subscriptions.list", nil)

	return p.finishSync(ctx, userID, p.planFromSubscriptions(subs...), startTime)
}

func (p *Provider) finishSync(ctx context.Context, userID string, plan allowance.PlanType,
	startTime time.Time) (allowance.PlanType, error) {
	if err := p.applyPlan(ctx, userID, plan, "sync", time.Now().UTC(), nil); err != nil {
		p.metrics.RecordResync(providerName, "failed", time.Since(startTime))
		return plan, err
	}
	p.metrics.RecordResync(providerName, "applied", time.Since(startTime))
	return plan, nil
}

// searchCustomerByMetadata searches for a customer by metadata using Stripe Search API
func (p *Provider) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserID, strings.ReplaceAll(userID, "'", "\\'"))

	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			p.metrics.RecordProviderRequest(providerName, "customers.search", err)
			return "", fmt.Errorf("stripe search error: %w", err)
		}
		// Search may return partial matches
		if cust.Metadata[metadataUserID] == userID {
			p.metrics.RecordProviderRequest(providerName, "customers.search", nil)
			return cust.ID, nil
		}
	}
	p.metrics.RecordProviderRequest(providerName, "customers.search", nil)
	return "", billing.ErrCustomerNotFound
}
