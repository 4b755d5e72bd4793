// Package postgres provides a PostgreSQL implementation of the allowance.Storage interface.
// Period creation runs in a transaction holding a per-user advisory lock, and an
// exclusion constraint rejects overlapping windows of the same user.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/goallowance/pkg/allowance"
)

//go:embed schema.sql
var schema string

const (
	sqlstateExclusionViolation = "23P01"
	sqlstateUniqueViolation    = "23505"
)

const periodColumns = `id, user_id, period_start, period_end, tokens_granted, tokens_used, source, metadata`

// Storage implements allowance.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Migrate applies the embedded schema on startup
	Migrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		Migrate:         true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}
	if config.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate applies the embedded schema. It is safe to run repeatedly.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetActivePeriod implements allowance.Ledger
func (s *Storage) GetActivePeriod(ctx context.Context, userID string, at time.Time) (*allowance.AllowancePeriod, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+periodColumns+` FROM allowance_periods
			WHERE user_id = $1 AND period_start <= $2 AND period_end > $2
			LIMIT 1`,
		userID, at.UTC())
	period, err := scanPeriod(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return period, err
}

// GetLatestExpiredPeriod implements allowance.Ledger
func (s *Storage) GetLatestExpiredPeriod(ctx context.Context, userID string,
	at time.Time) (*allowance.AllowancePeriod, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+periodColumns+` FROM allowance_periods
			WHERE user_id = $1 AND period_end <= $2
			ORDER BY period_end DESC
			LIMIT 1`,
		userID, at.UTC())
	period, err := scanPeriod(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return period, err
}

// CreatePeriod implements allowance.Ledger. The advisory lock serializes
// creators of the same user; the exclusion constraint is the final guard.
func (s *Storage) CreatePeriod(ctx context.Context, period *allowance.AllowancePeriod) error {
	if period == nil || period.ID == "" || period.UserID == "" {
		return fmt.Errorf("invalid period")
	}
	if !period.PeriodStart.Before(period.PeriodEnd) {
		return allowance.ErrInvalidWindow
	}

	metadata, err := marshalMetadata(period.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, period.UserID); err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}

	var overlapping bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM allowance_periods
				WHERE user_id = $1 AND period_start < $3 AND period_end > $2)`,
		period.UserID, period.PeriodStart.UTC(), period.PeriodEnd.UTC()).Scan(&overlapping)
	if err != nil {
		return fmt.Errorf("failed to check overlap: %w", err)
	}
	if overlapping {
		return allowance.ErrPeriodExists
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO allowance_periods (`+periodColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		period.ID, period.UserID, period.PeriodStart.UTC(), period.PeriodEnd.UTC(),
		period.TokensGranted, period.TokensUsed, period.Source, metadata)
	if err != nil {
		if isConflict(err) {
			return allowance.ErrPeriodExists
		}
		return fmt.Errorf("failed to insert period: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isConflict(err) {
			return allowance.ErrPeriodExists
		}
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// GetPeriod implements allowance.Ledger
func (s *Storage) GetPeriod(ctx context.Context, periodID string) (*allowance.AllowancePeriod, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+periodColumns+` FROM allowance_periods WHERE id = $1`, periodID)
	period, err := scanPeriod(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, allowance.ErrPeriodNotFound
	}
	return period, err
}

// ListPeriods implements allowance.Ledger
func (s *Storage) ListPeriods(ctx context.Context, userID string, limit int) ([]*allowance.AllowancePeriod, error) {
	query := `SELECT ` + periodColumns + ` FROM allowance_periods
		WHERE user_id = $1 ORDER BY period_start DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list periods: %w", err)
	}
	defer rows.Close()

	periods := []*allowance.AllowancePeriod{}
	for rows.Next() {
		period, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, period)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate periods: %w", err)
	}
	return periods, nil
}

// UpdateBalance implements allowance.Ledger
func (s *Storage) UpdateBalance(ctx context.Context, update *allowance.BalanceUpdate) (*allowance.BalanceChange, error) {
	if update == nil {
		return nil, fmt.Errorf("invalid balance update")
	}
	if update.TokensGranted < 0 || update.TokensUsed < 0 {
		return nil, allowance.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	before, err := scanPeriod(tx.QueryRow(ctx,
		`SELECT `+periodColumns+` FROM allowance_periods WHERE id = $1 FOR UPDATE`,
		update.PeriodID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, allowance.ErrPeriodNotFound
	}
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE allowance_periods SET tokens_granted = $1, tokens_used = $2 WHERE id = $3`,
		update.TokensGranted, update.TokensUsed, update.PeriodID)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	after := before.Clone()
	after.TokensGranted = update.TokensGranted
	after.TokensUsed = update.TokensUsed
	return &allowance.BalanceChange{Before: before, After: after}, nil
}

// GetPlan implements allowance.ProfileStore
func (s *Storage) GetPlan(ctx context.Context, userID string) (allowance.PlanType, error) {
	var plan string
	err := s.pool.QueryRow(ctx, `SELECT plan_type FROM profiles WHERE user_id = $1`, userID).Scan(&plan)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", allowance.ErrProfileNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get plan: %w", err)
	}
	return allowance.PlanType(plan), nil
}

// SetPlan implements allowance.ProfileStore
func (s *Storage) SetPlan(ctx context.Context, userID string, plan allowance.PlanType) error {
	if userID == "" {
		return allowance.ErrInvalidUserID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (user_id, plan_type, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (user_id) DO UPDATE SET plan_type = EXCLUDED.plan_type, updated_at = NOW()`,
		userID, string(plan))
	if err != nil {
		return fmt.Errorf("failed to set plan: %w", err)
	}
	return nil
}

// GetRole implements allowance.ProfileStore
func (s *Storage) GetRole(ctx context.Context, userID string) (string, error) {
	var role string
	err := s.pool.QueryRow(ctx, `SELECT role FROM profiles WHERE user_id = $1`, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", allowance.ErrProfileNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// SetRole implements allowance.ProfileStore
func (s *Storage) SetRole(ctx context.Context, userID, role string) error {
	if userID == "" {
		return allowance.ErrInvalidUserID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (user_id, role, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (user_id) DO UPDATE SET role = EXCLUDED.role, updated_at = NOW()`,
		userID, role)
	if err != nil {
		return fmt.Errorf("failed to set role: %w", err)
	}
	return nil
}

// ListUserIDs implements allowance.ProfileStore
func (s *Storage) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM profiles ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return ids, nil
}

// GetSettings implements allowance.SettingsStore
func (s *Storage) GetSettings(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	defer rows.Close()

	values := make(map[string]int)
	for rows.Next() {
		var key string
		var value int64
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		values[key] = int(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	return values, nil
}

// SetSetting implements allowance.SettingsStore
func (s *Storage) SetSetting(ctx context.Context, key string, value int) error {
	if key == "" {
		return fmt.Errorf("setting key is required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

// LogAuditEntry implements allowance.AuditLogger
func (s *Storage) LogAuditEntry(ctx context.Context, entry *allowance.AuditLogEntry) error {
	if entry == nil || entry.IdempotencyKey == "" {
		return fmt.Errorf("invalid audit entry")
	}

	var metadata []byte
	if len(entry.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(entry.Metadata); err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_logs
			(id, idempotency_key, user_id, period_id, action, actor,
			granted_before, granted_after, used_before, used_after, granted_delta, used_delta,
			reason, timestamp, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		entry.ID, entry.IdempotencyKey, entry.UserID, entry.PeriodID, entry.Action, entry.Actor,
		entry.GrantedBefore, entry.GrantedAfter, entry.UsedBefore, entry.UsedAfter,
		entry.GrantedDelta, entry.UsedDelta, entry.Reason, entry.Timestamp.UTC(), metadata)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// GetAuditLogs implements allowance.AuditLogger
func (s *Storage) GetAuditLogs(ctx context.Context, filter allowance.AuditLogFilter) ([]*allowance.AuditLogEntry, error) {
	var where []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.PeriodID != "" {
		add("period_id = $%d", filter.PeriodID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.StartTime != nil {
		add("timestamp >= $%d", filter.StartTime.UTC())
	}
	if filter.EndTime != nil {
		add("timestamp < $%d", filter.EndTime.UTC())
	}

	query := `SELECT id, idempotency_key, user_id, period_id, action, actor,
		granted_before, granted_after, used_before, used_after, granted_delta, used_delta,
		reason, timestamp, metadata FROM audit_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	entries := []*allowance.AuditLogEntry{}
	for rows.Next() {
		var e allowance.AuditLogEntry
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.IdempotencyKey, &e.UserID, &e.PeriodID, &e.Action, &e.Actor,
			&e.GrantedBefore, &e.GrantedAfter, &e.UsedBefore, &e.UsedAfter, &e.GrantedDelta, &e.UsedDelta,
			&e.Reason, &e.Timestamp, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit logs: %w", err)
	}
	return entries, nil
}

func scanPeriod(row pgx.Row) (*allowance.AllowancePeriod, error) {
	var p allowance.AllowancePeriod
	var granted, used int64
	var metadata []byte
	err := row.Scan(&p.ID, &p.UserID, &p.PeriodStart, &p.PeriodEnd, &granted, &used, &p.Source, &metadata)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan period: %w", err)
	}
	p.TokensGranted = int(granted)
	p.TokensUsed = int(used)
	p.PeriodStart = p.PeriodStart.UTC()
	p.PeriodEnd = p.PeriodEnd.UTC()
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &p, nil
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return b, nil
}

// isConflict reports whether err is an overlap or duplicate-key violation
func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlstateExclusionViolation || pgErr.Code == sqlstateUniqueViolation
}

var _ allowance.Storage = (*Storage)(nil)
