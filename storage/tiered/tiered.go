// Package tiered provides a Hot/Cold tiered storage adapter that puts a fast
// store (Hot) in front of a durable store (Cold). Cold is the source of truth
// for every write, including the overlap check on CreatePeriod; Hot serves the
// per-request reads (active period, period by id, plan and role).
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/goallowance/pkg/allowance"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 storage (e.g., Redis, Memory) used for reads.
	// Deployments with more than one process must share it (Redis).
	Hot allowance.Storage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold allowance.Storage

	// AsyncHotSync enqueues Hot writes on a background worker instead of
	// writing them inline after Cold succeeded.
	AsyncHotSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot write fails or is dropped.
	// Essential for monitoring consistency drift.
	AsyncErrorHandler func(error)
}

// Storage implements allowance.Storage over a Hot/Cold pair:
// - Read-Through: active period, period by id, plan, role (Hot → Cold → populate Hot)
// - Write-Through: periods, balances, plans, roles (Cold → Hot)
// - Cold-Only: expired periods, listings, settings, audit log
type Storage struct {
	hot  allowance.Storage
	cold allowance.Storage
	conf Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotSync {
		s.startWorker()
	}

	return s, nil
}

// Close drains pending Hot writes and stops the worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncHotSync {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// Ping checks both tiers when they support it
func (s *Storage) Ping(ctx context.Context) error {
	type pinger interface {
		Ping(context.Context) error
	}
	if p, ok := s.cold.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("cold storage: %w", err)
		}
	}
	if p, ok := s.hot.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("hot storage: %w", err)
		}
	}
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially so writes to the same period keep their order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						s.report(job())
					default:
						return
					}
				}
			}
		}
	}()
}

// writeHot applies job to Hot inline or through the worker
func (s *Storage) writeHot(ctx context.Context, job func(ctx context.Context) error) {
	if !s.conf.AsyncHotSync {
		s.report(job(ctx))
		return
	}
	select {
	case s.syncQueue <- func() error {
		// the request context may be gone by the time the job runs
		return job(context.Background())
	}:
	default:
		s.report(errors.New("sync queue full, dropping hot write"))
	}
}

func (s *Storage) report(err error) {
	if err == nil || s.conf.AsyncErrorHandler == nil {
		return
	}
	s.conf.AsyncErrorHandler(fmt.Errorf("tiered storage: %w", err))
}

// fillHot copies a period read from Cold into Hot. A period already in Hot is fine.
func (s *Storage) fillHot(ctx context.Context, period *allowance.AllowancePeriod) {
	p := period.Clone()
	s.writeHot(ctx, func(ctx context.Context) error {
		if err := s.hot.CreatePeriod(ctx, p); err != nil && !errors.Is(err, allowance.ErrPeriodExists) {
			return fmt.Errorf("fill period %s: %w", p.ID, err)
		}
		return nil
	})
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetActivePeriod implements allowance.Ledger with read-through strategy.
func (s *Storage) GetActivePeriod(ctx context.Context, userID string, at time.Time) (*allowance.AllowancePeriod, error) {
	// 1. Try Hot
	if period, err := s.hot.GetActivePeriod(ctx, userID, at); err == nil && period != nil {
		return period, nil
	}

	// 2. Try Cold (Source of Truth)
	period, err := s.cold.GetActivePeriod(ctx, userID, at)
	if err != nil || period == nil {
		return period, err
	}

	// 3. Populate Hot (Read-Repair)
	s.fillHot(ctx, period)
	return period, nil
}

// GetPeriod implements allowance.Ledger with read-through strategy.
func (s *Storage) GetPeriod(ctx context.Context, periodID string) (*allowance.AllowancePeriod, error) {
	if period, err := s.hot.GetPeriod(ctx, periodID); err == nil {
		return period, nil
	}

	period, err := s.cold.GetPeriod(ctx, periodID)
	if err != nil {
		return nil, err
	}
	s.fillHot(ctx, period)
	return period, nil
}

// GetPlan implements allowance.ProfileStore with read-through strategy.
func (s *Storage) GetPlan(ctx context.Context, userID string) (allowance.PlanType, error) {
	if plan, err := s.hot.GetPlan(ctx, userID); err == nil && plan != "" {
		return plan, nil
	}

	plan, err := s.cold.GetPlan(ctx, userID)
	if err != nil {
		return "", err
	}
	s.writeHot(ctx, func(ctx context.Context) error { return s.hot.SetPlan(ctx, userID, plan) })
	return plan, nil
}

// GetRole implements allowance.ProfileStore with read-through strategy.
func (s *Storage) GetRole(ctx context.Context, userID string) (string, error) {
	if role, err := s.hot.GetRole(ctx, userID); err == nil && role != "" {
		return role, nil
	}

	role, err := s.cold.GetRole(ctx, userID)
	if err != nil {
		return "", err
	}
	if role != "" {
		s.writeHot(ctx, func(ctx context.Context) error { return s.hot.SetRole(ctx, userID, role) })
	}
	return role, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---
// Cold decides; Hot follows on a best-effort basis.

// CreatePeriod implements allowance.Ledger with write-through strategy.
// Cold enforces the one-active-period invariant.
func (s *Storage) CreatePeriod(ctx context.Context, period *allowance.AllowancePeriod) error {
	if err := s.cold.CreatePeriod(ctx, period); err != nil {
		return err
	}
	s.fillHot(ctx, period)
	return nil
}

// UpdateBalance implements allowance.Ledger with write-through strategy.
func (s *Storage) UpdateBalance(ctx context.Context, update *allowance.BalanceUpdate) (*allowance.BalanceChange, error) {
	change, err := s.cold.UpdateBalance(ctx, update)
	if err != nil {
		return nil, err
	}

	u := *update
	s.writeHot(ctx, func(ctx context.Context) error {
		_, err := s.hot.UpdateBalance(ctx, &u)
		if errors.Is(err, allowance.ErrPeriodNotFound) {
			// not cached yet; the next read fills it from Cold
			return nil
		}
		if err != nil {
			return fmt.Errorf("update period %s: %w", u.PeriodID, err)
		}
		return nil
	})
	return change, nil
}

// SetPlan implements allowance.ProfileStore with write-through strategy.
func (s *Storage) SetPlan(ctx context.Context, userID string, plan allowance.PlanType) error {
	if err := s.cold.SetPlan(ctx, userID, plan); err != nil {
		return err
	}
	s.writeHot(ctx, func(ctx context.Context) error { return s.hot.SetPlan(ctx, userID, plan) })
	return nil
}

// SetRole implements allowance.ProfileStore with write-through strategy.
func (s *Storage) SetRole(ctx context.Context, userID, role string) error {
	if err := s.cold.SetRole(ctx, userID, role); err != nil {
		return err
	}
	s.writeHot(ctx, func(ctx context.Context) error { return s.hot.SetRole(ctx, userID, role) })
	return nil
}

// --- Strategy: Cold-Only ---
// Rollover, listings and administrative data always come from the source of truth.

// GetLatestExpiredPeriod implements allowance.Ledger from Cold only.
func (s *Storage) GetLatestExpiredPeriod(ctx context.Context, userID string, at time.Time) (*allowance.AllowancePeriod, error) {
	return s.cold.GetLatestExpiredPeriod(ctx, userID, at)
}

// ListPeriods implements allowance.Ledger from Cold only.
func (s *Storage) ListPeriods(ctx context.Context, userID string, limit int) ([]*allowance.AllowancePeriod, error) {
	return s.cold.ListPeriods(ctx, userID, limit)
}

// ListUserIDs implements allowance.ProfileStore from Cold only.
func (s *Storage) ListUserIDs(ctx context.Context) ([]string, error) {
	return s.cold.ListUserIDs(ctx)
}

// GetSettings implements allowance.SettingsStore from Cold only.
func (s *Storage) GetSettings(ctx context.Context) (map[string]int, error) {
	return s.cold.GetSettings(ctx)
}

// SetSetting implements allowance.SettingsStore from Cold only.
func (s *Storage) SetSetting(ctx context.Context, key string, value int) error {
	return s.cold.SetSetting(ctx, key, value)
}

// LogAuditEntry implements allowance.AuditLogger from Cold only.
func (s *Storage) LogAuditEntry(ctx context.Context, entry *allowance.AuditLogEntry) error {
	return s.cold.LogAuditEntry(ctx, entry)
}

// GetAuditLogs implements allowance.AuditLogger from Cold only.
func (s *Storage) GetAuditLogs(ctx context.Context, filter allowance.AuditLogFilter) ([]*allowance.AuditLogEntry, error) {
	return s.cold.GetAuditLogs(ctx, filter)
}

var _ allowance.Storage = (*Storage)(nil)
