package allowance

import (
	"context"
	"time"
)

// Ledger persists allowance periods.
// Implementations must make CreatePeriod atomic and reject a period whose
// window overlaps another period of the same user with ErrPeriodExists.
type Ledger interface {
	// GetActivePeriod returns the period with PeriodStart <= at < PeriodEnd.
	// Returns nil, nil when the user has no active period.
	GetActivePeriod(ctx context.Context, userID string, at time.Time) (*AllowancePeriod, error)

	// GetLatestExpiredPeriod returns the period with the latest PeriodEnd <= at.
	// Returns nil, nil when the user has no expired period.
	GetLatestExpiredPeriod(ctx context.Context, userID string, at time.Time) (*AllowancePeriod, error)

	// CreatePeriod inserts a new period in a single atomic write
	CreatePeriod(ctx context.Context, period *AllowancePeriod) error

	// GetPeriod retrieves a period by id or returns ErrPeriodNotFound
	GetPeriod(ctx context.Context, periodID string) (*AllowancePeriod, error)

	// ListPeriods returns a user's periods, newest PeriodStart first.
	// A limit <= 0 returns all periods.
	ListPeriods(ctx context.Context, userID string, limit int) ([]*AllowancePeriod, error)

	// UpdateBalance overwrites TokensGranted and TokensUsed of one period and
	// returns the state before and after the write
	UpdateBalance(ctx context.Context, update *BalanceUpdate) (*BalanceChange, error)
}

// ProfileStore is the plan registry consumed by the resolver
type ProfileStore interface {
	// GetPlan returns the user's plan or ErrProfileNotFound
	GetPlan(ctx context.Context, userID string) (PlanType, error)

	// SetPlan creates or updates the user's plan
	SetPlan(ctx context.Context, userID string, plan PlanType) error

	// GetRole returns the user's role or ErrProfileNotFound
	GetRole(ctx context.Context, userID string) (string, error)

	// SetRole creates or updates the user's role
	SetRole(ctx context.Context, userID, role string) error

	// ListUserIDs enumerates every known user
	ListUserIDs(ctx context.Context) ([]string, error)
}

// SettingsStore holds admin-configured integer constants
type SettingsStore interface {
	// GetSettings returns every stored setting keyed by name
	GetSettings(ctx context.Context) (map[string]int, error)

	// SetSetting creates or updates one setting
	SetSetting(ctx context.Context, key string, value int) error
}

// AuditLogger is the append-only audit log for administrative changes
type AuditLogger interface {
	// LogAuditEntry appends an entry. Entries with a duplicate
	// IdempotencyKey are rejected.
	LogAuditEntry(ctx context.Context, entry *AuditLogEntry) error

	// GetAuditLogs retrieves entries matching the filter, newest first
	GetAuditLogs(ctx context.Context, filter AuditLogFilter) ([]*AuditLogEntry, error)
}

// Storage is implemented by every backend under storage/
type Storage interface {
	Ledger
	ProfileStore
	SettingsStore
	AuditLogger
}
