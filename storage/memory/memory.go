// Package memory provides an in-memory implementation of the allowance.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/goallowance/pkg/allowance"
)

// Storage implements allowance.Storage using in-memory maps
type Storage struct {
	mu       sync.RWMutex
	periods  map[string]*allowance.AllowancePeriod
	byUser   map[string][]string
	profiles map[string]*allowance.Profile
	settings map[string]int
	audit    []*allowance.AuditLogEntry
	auditKey map[string]struct{}
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		periods:  make(map[string]*allowance.AllowancePeriod),
		byUser:   make(map[string][]string),
		profiles: make(map[string]*allowance.Profile),
		settings: make(map[string]int),
		auditKey: make(map[string]struct{}),
	}
}

// GetActivePeriod implements allowance.Ledger
func (s *Storage) GetActivePeriod(_ context.Context, userID string, at time.Time) (*allowance.AllowancePeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.byUser[userID] {
		p := s.periods[id]
		if p.IsActive(at) {
			return p.Clone(), nil
		}
	}
	return nil, nil
}

// GetLatestExpiredPeriod implements allowance.Ledger
func (s *Storage) GetLatestExpiredPeriod(_ context.Context, userID string,
	at time.Time) (*allowance.AllowancePeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *allowance.AllowancePeriod
	for _, id := range s.byUser[userID] {
		p := s.periods[id]
		if p.PeriodEnd.After(at) {
			continue
		}
		if latest == nil || p.PeriodEnd.After(latest.PeriodEnd) {
			latest = p
		}
	}
	return latest.Clone(), nil
}

// CreatePeriod implements allowance.Ledger. The overlap check and the insert
// happen under one lock.
func (s *Storage) CreatePeriod(_ context.Context, period *allowance.AllowancePeriod) error {
	if period == nil || period.ID == "" || period.UserID == "" {
		return fmt.Errorf("invalid period")
	}
	if !period.PeriodStart.Before(period.PeriodEnd) {
		return allowance.ErrInvalidWindow
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.periods[period.ID]; exists {
		return allowance.ErrPeriodExists
	}
	for _, id := range s.byUser[period.UserID] {
		if s.periods[id].Overlaps(period.PeriodStart, period.PeriodEnd) {
			return allowance.ErrPeriodExists
		}
	}

	s.periods[period.ID] = period.Clone()
	s.byUser[period.UserID] = append(s.byUser[period.UserID], period.ID)
	return nil
}

// GetPeriod implements allowance.Ledger
func (s *Storage) GetPeriod(_ context.Context, periodID string) (*allowance.AllowancePeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.periods[periodID]
	if !ok {
		return nil, allowance.ErrPeriodNotFound
	}
	return p.Clone(), nil
}

// ListPeriods implements allowance.Ledger
func (s *Storage) ListPeriods(_ context.Context, userID string, limit int) ([]*allowance.AllowancePeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	periods := make([]*allowance.AllowancePeriod, 0, len(s.byUser[userID]))
	for _, id := range s.byUser[userID] {
		periods = append(periods, s.periods[id].Clone())
	}
	sort.Slice(periods, func(i, j int) bool {
		return periods[i].PeriodStart.After(periods[j].PeriodStart)
	})
	if limit > 0 && len(periods) > limit {
		periods = periods[:limit]
	}
	return periods, nil
}

// UpdateBalance implements allowance.Ledger
func (s *Storage) UpdateBalance(_ context.Context, update *allowance.BalanceUpdate) (*allowance.BalanceChange, error) {
	if update == nil {
		return nil, fmt.Errorf("invalid balance update")
	}
	if update.TokensGranted < 0 || update.TokensUsed < 0 {
		return nil, allowance.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.periods[update.PeriodID]
	if !ok {
		return nil, allowance.ErrPeriodNotFound
	}
	before := p.Clone()
	p.TokensGranted = update.TokensGranted
	p.TokensUsed = update.TokensUsed
	return &allowance.BalanceChange{Before: before, After: p.Clone()}, nil
}

// GetPlan implements allowance.ProfileStore
func (s *Storage) GetPlan(_ context.Context, userID string) (allowance.PlanType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return "", allowance.ErrProfileNotFound
	}
	return p.PlanType, nil
}

// SetPlan implements allowance.ProfileStore
func (s *Storage) SetPlan(_ context.Context, userID string, plan allowance.PlanType) error {
	if userID == "" {
		return allowance.ErrInvalidUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile(userID).PlanType = plan
	return nil
}

// GetRole implements allowance.ProfileStore
func (s *Storage) GetRole(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return "", allowance.ErrProfileNotFound
	}
	return p.Role, nil
}

// SetRole implements allowance.ProfileStore
func (s *Storage) SetRole(_ context.Context, userID, role string) error {
	if userID == "" {
		return allowance.ErrInvalidUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile(userID).Role = role
	return nil
}

// profile returns the profile of userID, creating a free one. Caller holds mu.
func (s *Storage) profile(userID string) *allowance.Profile {
	p, ok := s.profiles[userID]
	if !ok {
		p = &allowance.Profile{UserID: userID, PlanType: allowance.PlanFree}
		s.profiles[userID] = p
	}
	return p
}

// ListUserIDs implements allowance.ProfileStore
func (s *Storage) ListUserIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.profiles))
	for id := range s.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetSettings implements allowance.SettingsStore
func (s *Storage) GetSettings(_ context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

// SetSetting implements allowance.SettingsStore
func (s *Storage) SetSetting(_ context.Context, key string, value int) error {
	if key == "" {
		return fmt.Errorf("setting key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

// LogAuditEntry implements allowance.AuditLogger
func (s *Storage) LogAuditEntry(_ context.Context, entry *allowance.AuditLogEntry) error {
	if entry == nil || entry.IdempotencyKey == "" {
		return fmt.Errorf("invalid audit entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.auditKey[entry.IdempotencyKey]; dup {
		return fmt.Errorf("duplicate audit entry %s", entry.IdempotencyKey)
	}
	e := *entry
	s.audit = append(s.audit, &e)
	s.auditKey[entry.IdempotencyKey] = struct{}{}
	return nil
}

// GetAuditLogs implements allowance.AuditLogger
func (s *Storage) GetAuditLogs(_ context.Context, filter allowance.AuditLogFilter) ([]*allowance.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*allowance.AuditLogEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if !matchesFilter(e, filter) {
			continue
		}
		c := *e
		out = append(out, &c)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func matchesFilter(e *allowance.AuditLogEntry, f allowance.AuditLogFilter) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.PeriodID != "" && e.PeriodID != f.PeriodID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && !e.Timestamp.Before(*f.EndTime) {
		return false
	}
	return true
}

var _ allowance.Storage = (*Storage)(nil)
