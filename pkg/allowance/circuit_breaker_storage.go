package allowance

import (
	"context"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) GetActivePeriod(ctx context.Context, userID string, at time.Time) (*AllowancePeriod, error) {
	var period *AllowancePeriod
	err := s.cb.Execute(ctx, func() error {
		var e error
		period, e = s.storage.GetActivePeriod(ctx, userID, at)
		return e
	})
	return period, err
}

func (s *CircuitBreakerStorage) GetLatestExpiredPeriod(ctx context.Context, userID string,
	at time.Time) (*AllowancePeriod, error) {
	var period *AllowancePeriod
	err := s.cb.Execute(ctx, func() error {
		var e error
		period, e = s.storage.GetLatestExpiredPeriod(ctx, userID, at)
		return e
	})
	return period, err
}

func (s *CircuitBreakerStorage) CreatePeriod(ctx context.Context, period *AllowancePeriod) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.CreatePeriod(ctx, period)
	})
}

func (s *CircuitBreakerStorage) GetPeriod(ctx context.Context, periodID string) (*AllowancePeriod, error) {
	var period *AllowancePeriod
	err := s.cb.Execute(ctx, func() error {
		var e error
		period, e = s.storage.GetPeriod(ctx, periodID)
		return e
	})
	return period, err
}

func (s *CircuitBreakerStorage) ListPeriods(ctx context.Context, userID string, limit int) ([]*AllowancePeriod, error) {
	var periods []*AllowancePeriod
	err := s.cb.Execute(ctx, func() error {
		var e error
		periods, e = s.storage.ListPeriods(ctx, userID, limit)
		return e
	})
	return periods, err
}

func (s *CircuitBreakerStorage) UpdateBalance(ctx context.Context, update *BalanceUpdate) (*BalanceChange, error) {
	var change *BalanceChange
	err := s.cb.Execute(ctx, func() error {
		var e error
		change, e = s.storage.UpdateBalance(ctx, update)
		return e
	})
	return change, err
}

func (s *CircuitBreakerStorage) GetPlan(ctx context.Context, userID string) (PlanType, error) {
	var plan PlanType
	err := s.cb.Execute(ctx, func() error {
		var e error
		plan, e = s.storage.GetPlan(ctx, userID)
		return e
	})
	return plan, err
}

func (s *CircuitBreakerStorage) SetPlan(ctx context.Context, userID string, plan PlanType) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.SetPlan(ctx, userID, plan)
	})
}

func (s *CircuitBreakerStorage) GetRole(ctx context.Context, userID string) (string, error) {
	var role string
	err := s.cb.Execute(ctx, func() error {
		var e error
		role, e = s.storage.GetRole(ctx, userID)
		return e
	})
	return role, err
}

func (s *CircuitBreakerStorage) SetRole(ctx context.Context, userID, role string) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.SetRole(ctx, userID, role)
	})
}

func (s *CircuitBreakerStorage) ListUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.cb.Execute(ctx, func() error {
		var e error
		ids, e = s.storage.ListUserIDs(ctx)
		return e
	})
	return ids, err
}

func (s *CircuitBreakerStorage) GetSettings(ctx context.Context) (map[string]int, error) {
	var settings map[string]int
	err := s.cb.Execute(ctx, func() error {
		var e error
		settings, e = s.storage.GetSettings(ctx)
		return e
	})
	return settings, err
}

func (s *CircuitBreakerStorage) SetSetting(ctx context.Context, key string, value int) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.SetSetting(ctx, key, value)
	})
}

func (s *CircuitBreakerStorage) LogAuditEntry(ctx context.Context, entry *AuditLogEntry) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.LogAuditEntry(ctx, entry)
	})
}

func (s *CircuitBreakerStorage) GetAuditLogs(ctx context.Context, filter AuditLogFilter) ([]*AuditLogEntry, error) {
	var entries []*AuditLogEntry
	err := s.cb.Execute(ctx, func() error {
		var e error
		entries, e = s.storage.GetAuditLogs(ctx, filter)
		return e
	})
	return entries, err
}
