package allowance

import (
	"context"
	"time"
)

// PlanType identifies the subscription plan a user is on
type PlanType string

const (
	// PlanFree is the lowest entitlement and the fallback for unknown users
	PlanFree PlanType = "free"
	// PlanPremium is the paid subscription plan
	PlanPremium PlanType = "premium"
)

// Source values recorded on created periods
const (
	SourceFreeTier     = "free_tier"
	SourceSubscription = "subscription"
)

// RoleAdmin is the profile role allowed to act on other users' allowances
const RoleAdmin = "admin"

// Settings keys read from the settings store
const (
	SettingTokensPerCredit        = "tokens_per_credit"
	SettingCreditsFreePerMonth    = "credits_free_per_month"
	SettingCreditsPremiumPerMonth = "credits_premium_per_month"
)

// Defaults used when a setting is missing or the settings store fails
const (
	DefaultTokensPerCredit        = 200
	DefaultCreditsFreePerMonth    = 0
	DefaultCreditsPremiumPerMonth = 1500
)

// Metadata keys written on period creation
const (
	MetaCreatedBy      = "createdBy"
	MetaCreatedAt      = "createdAt"
	MetaRolloverTokens = "rolloverTokens"
	MetaBaseTokens     = "baseTokens"
	MetaPlanType       = "planType"
)

// ActorSystem is recorded as createdBy when no caller is known
const ActorSystem = "system"

// ActorBatch is recorded as createdBy for periods created by batch bootstrap
const ActorBatch = "batch_init"

// AllowancePeriod is a time-bounded token grant for a single user.
// The window is half-open: [PeriodStart, PeriodEnd).
type AllowancePeriod struct {
	ID            string
	UserID        string
	PeriodStart   time.Time
	PeriodEnd     time.Time
	TokensGranted int
	TokensUsed    int
	Source        string

	// Metadata is an audit sidecar written at creation. Logic never reads it.
	Metadata map[string]any
}

// IsActive reports whether now falls inside the period window
func (p *AllowancePeriod) IsActive(now time.Time) bool {
	return !now.Before(p.PeriodStart) && now.Before(p.PeriodEnd)
}

// Remaining returns the unused balance, never negative
func (p *AllowancePeriod) Remaining() int {
	if p.TokensUsed >= p.TokensGranted {
		return 0
	}
	return p.TokensGranted - p.TokensUsed
}

// Overlaps reports whether two windows share at least one instant
func (p *AllowancePeriod) Overlaps(start, end time.Time) bool {
	return p.PeriodStart.Before(end) && start.Before(p.PeriodEnd)
}

// Clone returns a deep copy so stores can hand out values safely
func (p *AllowancePeriod) Clone() *AllowancePeriod {
	if p == nil {
		return nil
	}
	c := *p
	if p.Metadata != nil {
		c.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Profile is the subset of a user profile the engine consumes
type Profile struct {
	UserID   string
	PlanType PlanType
	Role     string
}

// SettingsSnapshot holds the admin-configured constants for one invocation
type SettingsSnapshot struct {
	TokensPerCredit        int
	CreditsFreePerMonth    int
	CreditsPremiumPerMonth int
}

// DefaultSettings returns the snapshot used when no settings are stored
func DefaultSettings() SettingsSnapshot {
	return SettingsSnapshot{
		TokensPerCredit:        DefaultTokensPerCredit,
		CreditsFreePerMonth:    DefaultCreditsFreePerMonth,
		CreditsPremiumPerMonth: DefaultCreditsPremiumPerMonth,
	}
}

// BaseTokensFor returns the monthly base grant for a plan
func (s SettingsSnapshot) BaseTokensFor(plan PlanType) int {
	credits := s.CreditsFreePerMonth
	if plan == PlanPremium {
		credits = s.CreditsPremiumPerMonth
	}
	return credits * s.TokensPerCredit
}

// AllowanceResult is returned by every ensure operation
type AllowanceResult struct {
	// Created is true when this call inserted the period
	Created bool

	Allowance *AllowancePeriod

	// BaseTokens and RolloverTokens are only populated when Created is true
	BaseTokens     int
	RolloverTokens int
}

// BatchStatus is the per-user outcome of a batch bootstrap
type BatchStatus string

const (
	BatchStatusCreated BatchStatus = "created"
	BatchStatusExists  BatchStatus = "exists"
	BatchStatusError   BatchStatus = "error"
)

// BatchItem records what happened to one user during batch bootstrap
type BatchItem struct {
	UserID    string
	Status    BatchStatus
	Allowance *AllowancePeriod
	Error     string
}

// BatchSummary counts batch outcomes per category
type BatchSummary struct {
	Created int
	Skipped int
	Errors  int
}

// BatchResult is returned by BatchEnsure
type BatchResult struct {
	Summary BatchSummary
	Results []BatchItem
}

// BalanceUpdate overwrites the balance of an existing period
type BalanceUpdate struct {
	PeriodID      string
	TokensGranted int
	TokensUsed    int
}

// BalanceChange holds the period state around a balance update
type BalanceChange struct {
	Before *AllowancePeriod
	After  *AllowancePeriod
}

// BalanceCorrection is an administrative balance overwrite request
type BalanceCorrection struct {
	AdminID       string
	PeriodID      string
	TokensGranted int
	TokensUsed    int
	Reason        string
}

// CorrectionResult describes an applied balance correction
type CorrectionResult struct {
	Allowance      *AllowancePeriod
	Before         *AllowancePeriod
	IdempotencyKey string

	// AuditWarning is non-empty when the correction stands but its audit
	// record could not be written
	AuditWarning string
}

// AuditActionBalanceCorrection is the audit action for admin corrections
const AuditActionBalanceCorrection = "admin_balance_correction"

// AuditLogEntry is an append-only record of an administrative change
type AuditLogEntry struct {
	ID             string
	IdempotencyKey string
	UserID         string
	PeriodID       string
	Action         string
	Actor          string

	GrantedBefore int
	GrantedAfter  int
	UsedBefore    int
	UsedAfter     int
	GrantedDelta  int
	UsedDelta     int

	Reason    string
	Timestamp time.Time
	Metadata  map[string]string
}

// AuditLogFilter narrows audit log queries
type AuditLogFilter struct {
	UserID   string
	PeriodID string
	Action   string

	StartTime *time.Time
	EndTime   *time.Time

	// Limit caps the number of results (default: 100)
	Limit int
}

// CacheConfig configures the optional settings and plan cache.
// Settings are read once per invocation unless this is enabled.
type CacheConfig struct {
	Enabled bool

	// SettingsTTL is how long a settings snapshot is reused (default: 30 seconds)
	SettingsTTL time.Duration

	// PlanTTL is how long a user's plan is reused (default: 1 minute)
	PlanTTL time.Duration

	// MaxPlans is the maximum number of cached plans (default: 10000)
	MaxPlans int
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// Config holds resolver configuration
type Config struct {
	// Profiles resolves plans and roles. Defaults to the storage when it implements ProfileStore.
	Profiles ProfileStore

	// Settings resolves grant constants. Defaults to the storage when it implements SettingsStore.
	Settings SettingsStore

	// Audit receives balance correction records. Defaults to the storage when it implements AuditLogger.
	Audit AuditLogger

	// Identity resolves bearer credentials (required for the *ForCaller operations)
	Identity IdentityProvider

	// Authorizer decides privileged actions (default: RoleAuthorizer over Profiles)
	Authorizer Authorizer

	// BatchConcurrency bounds parallel users during batch bootstrap (default: 4)
	BatchConcurrency int

	// CacheConfig configures the settings and plan cache (disabled when nil)
	CacheConfig *CacheConfig

	// CircuitBreakerConfig wraps the storage with a circuit breaker when enabled
	CircuitBreakerConfig *CircuitBreakerConfig

	// Metrics is used for tracking allowance operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// EnsureOption represents an option for the ensure operations
type EnsureOption func(*EnsureOptions)

// EnsureOptions holds options for the ensure operations
type EnsureOptions struct {
	PeriodStart  *time.Time
	PeriodEnd    *time.Time
	Source       string
	ForceTokens  *int
	SkipRollover bool
	Actor        string
}

// WithWindow sets an explicit period window instead of the current calendar month
func WithWindow(start, end time.Time) EnsureOption {
	return func(opts *EnsureOptions) {
		s, e := start.UTC(), end.UTC()
		opts.PeriodStart = &s
		opts.PeriodEnd = &e
	}
}

// WithSource overrides the provenance tag of a created period
func WithSource(source string) EnsureOption {
	return func(opts *EnsureOptions) {
		opts.Source = source
	}
}

// WithForceTokens sets the base grant verbatim, bypassing plan computation.
// Rollover is still added unless WithSkipRollover is also given.
func WithForceTokens(tokens int) EnsureOption {
	return func(opts *EnsureOptions) {
		opts.ForceTokens = &tokens
	}
}

// WithSkipRollover suppresses rollover from the previous period
func WithSkipRollover() EnsureOption {
	return func(opts *EnsureOptions) {
		opts.SkipRollover = true
	}
}

// WithActor records who triggered the creation
func WithActor(actor string) EnsureOption {
	return func(opts *EnsureOptions) {
		opts.Actor = actor
	}
}

// IdentityProvider resolves a bearer credential to a user id
type IdentityProvider interface {
	// Authenticate returns the user id behind token or ErrUnauthenticated
	Authenticate(ctx context.Context, token string) (string, error)
}
