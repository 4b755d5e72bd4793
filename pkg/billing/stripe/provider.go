package stripe

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goallowance/pkg/allowance"
	"github.com/mihaimyh/goallowance/pkg/billing"
	"github.com/mihaimyh/goallowance/pkg/billing/internal"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024
	metadataUserID           = "user_id"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// StripeAPIKey enables SyncUser and the customer metadata fallback.
	// Webhooks work without it.
	StripeAPIKey        string
	StripeWebhookSecret string

	// CustomerIDResolver maps a user to a Stripe customer id.
	// If nil, SyncUser falls back to the Stripe Search API.
	CustomerIDResolver func(context.Context, string) (string, error)
}

// Provider implements billing.Provider for Stripe subscriptions.
// An active or trialing subscription on a mapped price grants that plan;
// everything else resolves to the free plan.
type Provider struct {
	profiles           allowance.ProfileStore
	invalidator        billing.PlanInvalidator
	planMapping        map[string]allowance.PlanType
	rateLimiter        *internal.RateLimiter
	webhookSecret      string
	stripeClient       *stripe.Client
	customerIDResolver func(context.Context, string) (string, error)
	callback           func(context.Context, billing.WebhookEvent) error
	metrics            billing.Metrics
	logger             allowance.Logger

	// lastEvent holds the newest applied event time per user
	mu        sync.Mutex
	lastEvent map[string]time.Time
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Profiles == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	var stripeClient *stripe.Client
	if apiKey := strings.TrimSpace(config.StripeAPIKey); apiKey != "" {
		stripeClient = stripe.NewClient(apiKey)
	}

	planMapping := make(map[string]allowance.PlanType, len(config.PlanMapping))
	for k, v := range config.PlanMapping {
		planMapping[strings.ToLower(strings.TrimSpace(k))] = v
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &allowance.NoopLogger{}
	}

	return &Provider{
		profiles:           config.Profiles,
		invalidator:        config.Invalidator,
		planMapping:        planMapping,
		rateLimiter:        internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		webhookSecret:      strings.TrimSpace(config.StripeWebhookSecret),
		stripeClient:       stripeClient,
		customerIDResolver: config.CustomerIDResolver,
		callback:           config.WebhookCallback,
		metrics:            metrics,
		logger:             logger,
		lastEvent:          make(map[string]time.Time),
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// SyncUser recomputes a user's plan from their Stripe subscriptions
func (p *Provider) SyncUser(ctx context.Context, userID string) (allowance.PlanType, error) {
	return p.syncUserFromAPI(ctx, userID)
}

// MapPrice maps a Stripe Price ID or Product ID to a plan.
// Unmapped ids resolve to the free plan.
func (p *Provider) MapPrice(id string) allowance.PlanType {
	if plan, ok := p.planMapping[strings.ToLower(strings.TrimSpace(id))]; ok && id != "" {
		return plan
	}
	return allowance.PlanFree
}

// planFromSubscriptions returns premium if any live subscription carries a premium item
func (p *Provider) planFromSubscriptions(subs ...*stripe.Subscription) allowance.PlanType {
	for _, sub := range subs {
		if sub == nil || !isLive(sub.Status) || sub.Items == nil {
			continue
		}
		for _, item := range sub.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			if p.MapPrice(item.Price.ID) == allowance.PlanPremium {
				return allowance.PlanPremium
			}
			if item.Price.Product != nil && p.MapPrice(item.Price.Product.ID) == allowance.PlanPremium {
				return allowance.PlanPremium
			}
		}
	}
	return allowance.PlanFree
}

func isLive(status stripe.SubscriptionStatus) bool {
	return status == stripe.SubscriptionStatusActive || status == stripe.SubscriptionStatusTrialing
}

// accept records ts as the newest event for userID and reports false for stale events
func (p *Provider) accept(userID string, ts time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.lastEvent[userID]; ok && ts.Before(last) {
		return false
	}
	p.lastEvent[userID] = ts
	return true
}

var _ billing.Provider = (*Provider)(nil)
