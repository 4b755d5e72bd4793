package allowance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	outcomeCreated = "created"
	outcomeExists  = "exists"
	outcomeError   = "error"

	defaultBatchConcurrency = 4
	defaultSettingsTTL      = 30 * time.Second
	defaultPlanTTL          = time.Minute
)

// Resolver returns the active allowance period of a user, creating it with the
// plan-based grant and capped rollover when none is active.
type Resolver struct {
	ledger     Ledger
	profiles   ProfileStore
	settings   SettingsStore
	audit      AuditLogger
	identity   IdentityProvider
	authorizer Authorizer

	cache       Cache
	cacheConfig CacheConfig

	batchConcurrency int
	metrics          Metrics
	logger           Logger
	now              func() time.Time
}

// NewResolver creates a resolver over the given ledger. Profiles, settings
// and audit default to the ledger when it also implements those interfaces.
func NewResolver(ledger Ledger, config Config) (*Resolver, error) {
	if ledger == nil {
		return nil, ErrStorageUnavailable
	}

	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.BatchConcurrency <= 0 {
		config.BatchConcurrency = defaultBatchConcurrency
	}

	if cbc := config.CircuitBreakerConfig; cbc != nil && cbc.Enabled {
		if storage, ok := ledger.(Storage); ok {
			metrics := config.Metrics
			cb := NewDefaultCircuitBreaker(cbc.FailureThreshold, cbc.ResetTimeout, func(state CircuitBreakerState) {
				metrics.RecordCircuitBreakerStateChange(string(state))
			})
			ledger = NewCircuitBreakerStorage(storage, cb)
		}
	}

	if config.Profiles == nil {
		if ps, ok := ledger.(ProfileStore); ok {
			config.Profiles = ps
		}
	}
	if config.Profiles == nil {
		return nil, fmt.Errorf("profile store is required")
	}
	if config.Settings == nil {
		if ss, ok := ledger.(SettingsStore); ok {
			config.Settings = ss
		}
	}
	if config.Audit == nil {
		if al, ok := ledger.(AuditLogger); ok {
			config.Audit = al
		}
	}
	if config.Authorizer == nil {
		config.Authorizer = NewRoleAuthorizer(config.Profiles)
	}

	var cache Cache = NewNoopCache()
	var cacheConfig CacheConfig
	if config.CacheConfig != nil && config.CacheConfig.Enabled {
		cacheConfig = *config.CacheConfig
		if cacheConfig.SettingsTTL <= 0 {
			cacheConfig.SettingsTTL = defaultSettingsTTL
		}
		if cacheConfig.PlanTTL <= 0 {
			cacheConfig.PlanTTL = defaultPlanTTL
		}
		cache = NewLRUCache(cacheConfig.MaxPlans)
	}

	return &Resolver{
		ledger:           ledger,
		profiles:         config.Profiles,
		settings:         config.Settings,
		audit:            config.Audit,
		identity:         config.Identity,
		authorizer:       config.Authorizer,
		cache:            cache,
		cacheConfig:      cacheConfig,
		batchConcurrency: config.BatchConcurrency,
		metrics:          config.Metrics,
		logger:           config.Logger,
		now:              config.Now,
	}, nil
}

// EnsureAllowance returns the user's active period, creating one when none is
// active. Repeated calls inside the same window return the same period with
// Created set to false.
func (r *Resolver) EnsureAllowance(ctx context.Context, userID string, opts ...EnsureOption) (*AllowanceResult, error) {
	started := time.Now()

	if userID == "" {
		return nil, ErrInvalidUserID
	}
	options, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	result, err := r.ensure(ctx, userID, options, false)
	r.recordEnsure(result, err, started)
	return result, err
}

// EnsureAllowanceForCaller authenticates token and ensures the caller's own
// allowance. A non-empty targetUserID different from the caller, or any
// grant override option, requires the corresponding privilege.
func (r *Resolver) EnsureAllowanceForCaller(ctx context.Context, token, targetUserID string,
	opts ...EnsureOption) (*AllowanceResult, error) {
	caller, err := r.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}

	target := caller
	if targetUserID != "" && targetUserID != caller {
		if err := r.authorize(ctx, caller, ActionEnsureOther, targetUserID); err != nil {
			return nil, err
		}
		target = targetUserID
	}

	options, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	if options.overridesGrant() {
		if err := r.authorize(ctx, caller, ActionOverrideGrant, target); err != nil {
			return nil, err
		}
	}

	return r.EnsureAllowance(ctx, target, append([]EnsureOption{WithActor(caller)}, opts...)...)
}

// CurrentAllowance returns the active period without creating one
func (r *Resolver) CurrentAllowance(ctx context.Context, userID string) (*AllowancePeriod, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	period, err := r.getActive(ctx, userID, r.now().UTC())
	if err != nil {
		return nil, err
	}
	if period == nil {
		return nil, ErrPeriodNotFound
	}
	return period, nil
}

// ListPeriods returns the user's ledger history, newest first
func (r *Resolver) ListPeriods(ctx context.Context, userID string, limit int) ([]*AllowancePeriod, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	started := time.Now()
	periods, err := r.ledger.ListPeriods(ctx, userID, limit)
	r.metrics.RecordStorageOperation("list_periods", time.Since(started), err)
	if err != nil {
		return nil, fmt.Errorf("failed to list periods: %w", err)
	}
	return periods, nil
}

// ListPeriodsForCaller lists periods of userID on behalf of the bearer of token
func (r *Resolver) ListPeriodsForCaller(ctx context.Context, token, userID string,
	limit int) ([]*AllowancePeriod, error) {
	caller, err := r.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		userID = caller
	}
	if err := r.authorize(ctx, caller, ActionReadLedger, userID); err != nil {
		return nil, err
	}
	return r.ListPeriods(ctx, userID, limit)
}

// InvalidatePlan drops a cached plan after the registry changed it
func (r *Resolver) InvalidatePlan(userID string) {
	r.cache.InvalidatePlan(userID)
}

func (r *Resolver) ensure(ctx context.Context, userID string, opts EnsureOptions,
	strictPlan bool) (*AllowanceResult, error) {
	now := r.now().UTC()

	active, err := r.getActive(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return &AllowanceResult{Created: false, Allowance: active}, nil
	}

	return r.create(ctx, userID, now, opts, strictPlan)
}

func (r *Resolver) create(ctx context.Context, userID string, now time.Time, opts EnsureOptions,
	strictPlan bool) (*AllowanceResult, error) {
	plan, err := r.resolvePlan(ctx, userID, strictPlan)
	if err != nil {
		return nil, err
	}
	settings := r.resolveSettings(ctx)

	base := settings.BaseTokensFor(plan)
	if opts.ForceTokens != nil {
		base = *opts.ForceTokens
	}

	source := opts.Source
	if source == "" {
		source = SourceFreeTier
		if plan == PlanPremium {
			source = SourceSubscription
		}
	}

	started := time.Now()
	prev, err := r.ledger.GetLatestExpiredPeriod(ctx, userID, now)
	r.metrics.RecordStorageOperation("get_latest_expired_period", time.Since(started), err)
	if err != nil {
		return nil, fmt.Errorf("failed to get previous period: %w", err)
	}

	rollover := 0
	if !opts.SkipRollover {
		rollover = rolloverTokens(prev, base)
	}

	var start, end time.Time
	if opts.PeriodStart != nil && opts.PeriodEnd != nil {
		start, end = *opts.PeriodStart, *opts.PeriodEnd
	} else {
		start, end = defaultWindow(now, prev)
	}

	actor := opts.Actor
	if actor == "" {
		actor = ActorSystem
	}

	period := &AllowancePeriod{
		ID:            uuid.NewString(),
		UserID:        userID,
		PeriodStart:   start,
		PeriodEnd:     end,
		TokensGranted: base + rollover,
		TokensUsed:    0,
		Source:        source,
		Metadata: map[string]any{
			MetaCreatedBy:      actor,
			MetaCreatedAt:      now.Format(time.RFC3339Nano),
			MetaRolloverTokens: rollover,
			MetaBaseTokens:     base,
			MetaPlanType:       string(plan),
		},
	}

	started = time.Now()
	err = r.ledger.CreatePeriod(ctx, period)
	r.metrics.RecordStorageOperation("create_period", time.Since(started), err)
	if errors.Is(err, ErrPeriodExists) {
		// Lost the race to a concurrent ensure; the winner's period is the answer.
		existing, getErr := r.getActive(ctx, userID, now)
		if getErr == nil && existing != nil {
			r.logger.Debug("allowance period created concurrently",
				Field{"userId", userID},
				Field{"periodId", existing.ID},
			)
			return &AllowanceResult{Created: false, Allowance: existing}, nil
		}
		return nil, fmt.Errorf("failed to create period: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create period: %w", err)
	}

	r.metrics.RecordGrant(plan, base, rollover)
	r.logger.Info("allowance period created",
		Field{"userId", userID},
		Field{"periodId", period.ID},
		Field{"plan", string(plan)},
		Field{"baseTokens", base},
		Field{"rolloverTokens", rollover},
		Field{"periodStart", start},
		Field{"periodEnd", end},
	)

	return &AllowanceResult{
		Created:        true,
		Allowance:      period.Clone(),
		BaseTokens:     base,
		RolloverTokens: rollover,
	}, nil
}

func (r *Resolver) getActive(ctx context.Context, userID string, now time.Time) (*AllowancePeriod, error) {
	started := time.Now()
	period, err := r.ledger.GetActivePeriod(ctx, userID, now)
	r.metrics.RecordStorageOperation("get_active_period", time.Since(started), err)
	if err != nil {
		return nil, fmt.Errorf("failed to get active period: %w", err)
	}
	return period, nil
}

// resolvePlan looks up the user's plan. A missing profile is the free plan.
// Other lookup failures also degrade to free unless strict is set.
func (r *Resolver) resolvePlan(ctx context.Context, userID string, strict bool) (PlanType, error) {
	if plan, ok := r.cache.GetPlan(userID); ok {
		r.metrics.RecordCacheHit("plan")
		return plan, nil
	}
	if r.cacheConfig.Enabled {
		r.metrics.RecordCacheMiss("plan")
	}

	plan, err := r.profiles.GetPlan(ctx, userID)
	switch {
	case err == nil:
		if plan == "" {
			plan = PlanFree
		}
	case errors.Is(err, ErrProfileNotFound):
		plan = PlanFree
	case strict:
		return "", fmt.Errorf("failed to get plan: %w", err)
	default:
		r.logger.Warn("plan lookup failed, using free plan",
			Field{"userId", userID},
			Field{"error", err.Error()},
		)
		r.metrics.RecordDependencyFallback("plan")
		return PlanFree, nil
	}

	if r.cacheConfig.Enabled {
		r.cache.SetPlan(userID, plan, r.cacheConfig.PlanTTL)
	}
	return plan, nil
}

// resolveSettings reads the settings snapshot for this invocation. Missing,
// negative or unreadable settings fall back to the defaults.
func (r *Resolver) resolveSettings(ctx context.Context) SettingsSnapshot {
	if snapshot, ok := r.cache.GetSettings(); ok {
		r.metrics.RecordCacheHit("settings")
		return snapshot
	}
	if r.cacheConfig.Enabled {
		r.metrics.RecordCacheMiss("settings")
	}

	snapshot := DefaultSettings()
	if r.settings == nil {
		return snapshot
	}

	values, err := r.settings.GetSettings(ctx)
	if err != nil {
		r.logger.Warn("settings lookup failed, using defaults",
			Field{"error", err.Error()},
		)
		r.metrics.RecordDependencyFallback("settings")
		return snapshot
	}

	apply := func(key string, dst *int) {
		v, ok := values[key]
		if !ok {
			return
		}
		if v < 0 {
			r.logger.Warn("ignoring negative setting", Field{"key", key}, Field{"value", v})
			return
		}
		*dst = v
	}
	apply(SettingTokensPerCredit, &snapshot.TokensPerCredit)
	apply(SettingCreditsFreePerMonth, &snapshot.CreditsFreePerMonth)
	apply(SettingCreditsPremiumPerMonth, &snapshot.CreditsPremiumPerMonth)

	if r.cacheConfig.Enabled {
		r.cache.SetSettings(snapshot, r.cacheConfig.SettingsTTL)
	}
	return snapshot
}

func (r *Resolver) recordEnsure(result *AllowanceResult, err error, started time.Time) {
	outcome, source := outcomeError, ""
	if err == nil {
		outcome = outcomeExists
		if result.Created {
			outcome = outcomeCreated
		}
		source = result.Allowance.Source
	}
	r.metrics.RecordEnsure(outcome, source, time.Since(started))
}

func buildOptions(opts []EnsureOption) (EnsureOptions, error) {
	var options EnsureOptions
	for _, opt := range opts {
		opt(&options)
	}
	if (options.PeriodStart == nil) != (options.PeriodEnd == nil) {
		return options, fmt.Errorf("%w: both start and end are required", ErrInvalidWindow)
	}
	if options.PeriodStart != nil && !options.PeriodStart.Before(*options.PeriodEnd) {
		return options, fmt.Errorf("%w: end must be after start", ErrInvalidWindow)
	}
	if options.ForceTokens != nil && *options.ForceTokens < 0 {
		return options, fmt.Errorf("%w: force tokens must not be negative", ErrInvalidAmount)
	}
	return options, nil
}

// overridesGrant reports whether the options bypass the plan-derived grant
func (o EnsureOptions) overridesGrant() bool {
	return o.PeriodStart != nil || o.Source != "" || o.ForceTokens != nil || o.SkipRollover
}
