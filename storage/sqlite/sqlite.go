// Package sqlite provides an embedded SQLite implementation of the allowance.Storage
// interface for single-node deployments. A trigger rejects overlapping periods.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mihaimyh/goallowance/pkg/allowance"
)

//go:embed schema.sql
var schema string

const overlapMessage = "allowance period overlap"

const periodColumns = `id, user_id, period_start, period_end, tokens_granted, tokens_used, source, metadata`

// Storage implements allowance.Storage using SQLite
type Storage struct {
	db   *sql.DB
	path string
}

// Config holds SQLite storage configuration
type Config struct {
	// Path is the database file. ":memory:" keeps everything in process.
	Path string

	// BusyTimeout bounds how long a writer waits for the lock (default: 30s)
	BusyTimeout time.Duration
}

// New opens the database and applies the schema
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 30 * time.Second
	}

	if config.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	dsn := config.Path + "?" + url.Values{
		"_pragma": []string{
			fmt.Sprintf("busy_timeout(%d)", config.BusyTimeout.Milliseconds()),
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection serializes period creation.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Storage{db: db, path: config.Path}, nil
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetActivePeriod implements allowance.Ledger
func (s *Storage) GetActivePeriod(ctx context.Context, userID string, at time.Time) (*allowance.AllowancePeriod, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+periodColumns+` FROM allowance_periods
			WHERE user_id = ? AND period_start <= ? AND period_end > ?
			LIMIT 1`,
		userID, at.UnixNano(), at.UnixNano())
	period, err := scanPeriod(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return period, err
}

// GetLatestExpiredPeriod implements allowance.Ledger
func (s *Storage) GetLatestExpiredPeriod(ctx context.Context, userID string,
	at time.Time) (*allowance.AllowancePeriod, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+periodColumns+` FROM allowance_periods
			WHERE user_id = ? AND period_end <= ?
			ORDER BY period_end DESC
			LIMIT 1`,
		userID, at.UnixNano())
	period, err := scanPeriod(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return period, err
}

// CreatePeriod implements allowance.Ledger
func (s *Storage) CreatePeriod(ctx context.Context, period *allowance.AllowancePeriod) error {
	if period == nil || period.ID == "" || period.UserID == "" {
		return fmt.Errorf("invalid period")
	}
	if !period.PeriodStart.Before(period.PeriodEnd) {
		return allowance.ErrInvalidWindow
	}

	var metadata any
	if len(period.Metadata) > 0 {
		b, err := json.Marshal(period.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = string(b)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO allowance_periods (`+periodColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		period.ID, period.UserID, period.PeriodStart.UnixNano(), period.PeriodEnd.UnixNano(),
		period.TokensGranted, period.TokensUsed, period.Source, metadata)
	if err != nil {
		if isConflict(err) {
			return allowance.ErrPeriodExists
		}
		return fmt.Errorf("failed to insert period: %w", err)
	}
	return nil
}

// GetPeriod implements allowance.Ledger
func (s *Storage) GetPeriod(ctx context.Context, periodID string) (*allowance.AllowancePeriod, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+periodColumns+` FROM allowance_periods WHERE id = ?`, periodID)
	period, err := scanPeriod(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, allowance.ErrPeriodNotFound
	}
	return period, err
}

// ListPeriods implements allowance.Ledger
func (s *Storage) ListPeriods(ctx context.Context, userID string, limit int) ([]*allowance.AllowancePeriod, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+periodColumns+` FROM allowance_periods
			WHERE user_id = ? ORDER BY period_start DESC LIMIT ?`,
		userID, limit)
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback()
	}()

	before, err := scanPeriod(tx.QueryRowContext(ctx,
		`SELECT `+periodColumns+` FROM allowance_periods WHERE id = ?`, update.PeriodID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, allowance.ErrPeriodNotFound
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE allowance_periods SET tokens_granted = ?, tokens_used = ? WHERE id = ?`,
		update.TokensGranted, update.TokensUsed, update.PeriodID); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
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
	err := s.db.QueryRowContext(ctx, `SELECT plan_type FROM profiles WHERE user_id = ?`, userID).Scan(&plan)
	if errors.Is(err, sql.ErrNoRows) {
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, plan_type, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET plan_type = excluded.plan_type, updated_at = excluded.updated_at`,
		userID, string(plan), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to set plan: %w", err)
	}
	return nil
}

// GetRole implements allowance.ProfileStore
func (s *Storage) GetRole(ctx context.Context, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM profiles WHERE user_id = ?`, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, role, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET role = excluded.role, updated_at = excluded.updated_at`,
		userID, role, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to set role: %w", err)
	}
	return nil
}

// ListUserIDs implements allowance.ProfileStore
func (s *Storage) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM profiles ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetSettings implements allowance.SettingsStore
func (s *Storage) GetSettings(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	defer rows.Close()

	values := make(map[string]int)
	for rows.Next() {
		var key string
		var value int
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		values[key] = value
	}
	return values, rows.Err()
}

// SetSetting implements allowance.SettingsStore
func (s *Storage) SetSetting(ctx context.Context, key string, value int) error {
	if key == "" {
		return fmt.Errorf("setting key is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixNano())
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

	var metadata any
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = string(b)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs
			(id, idempotency_key, user_id, period_id, action, actor,
			granted_before, granted_after, used_before, used_after, granted_delta, used_delta,
			reason, timestamp, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.IdempotencyKey, entry.UserID, entry.PeriodID, entry.Action, entry.Actor,
		entry.GrantedBefore, entry.GrantedAfter, entry.UsedBefore, entry.UsedAfter,
		entry.GrantedDelta, entry.UsedDelta, entry.Reason, entry.Timestamp.UnixNano(), metadata)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// GetAuditLogs implements allowance.AuditLogger
func (s *Storage) GetAuditLogs(ctx context.Context, filter allowance.AuditLogFilter) ([]*allowance.AuditLogEntry, error) {
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.PeriodID != "" {
		where = append(where, "period_id = ?")
		args = append(args, filter.PeriodID)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.StartTime != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.StartTime.UnixNano())
	}
	if filter.EndTime != nil {
		where = append(where, "timestamp < ?")
		args = append(args, filter.EndTime.UnixNano())
	}

	query := `SELECT id, idempotency_key, user_id, period_id, action, actor,
		granted_before, granted_after, used_before, used_after, granted_delta, used_delta,
		reason, timestamp, metadata FROM audit_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	entries := []*allowance.AuditLogEntry{}
	for rows.Next() {
		var e allowance.AuditLogEntry
		var ts int64
		var metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.IdempotencyKey, &e.UserID, &e.PeriodID, &e.Action, &e.Actor,
			&e.GrantedBefore, &e.GrantedAfter, &e.UsedBefore, &e.UsedAfter, &e.GrantedDelta, &e.UsedDelta,
			&e.Reason, &ts, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit logs: %w", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeriod(row rowScanner) (*allowance.AllowancePeriod, error) {
	var p allowance.AllowancePeriod
	var start, end int64
	var metadata sql.NullString
	err := row.Scan(&p.ID, &p.UserID, &start, &end, &p.TokensGranted, &p.TokensUsed, &p.Source, &metadata)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan period: %w", err)
	}
	p.PeriodStart = time.Unix(0, start).UTC()
	p.PeriodEnd = time.Unix(0, end).UTC()
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &p, nil
}

// isConflict reports whether err came from the overlap trigger or a duplicate id
func isConflict(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, overlapMessage) ||
		strings.Contains(msg, "UNIQUE constraint failed: allowance_periods.id")
}

var _ allowance.Storage = (*Storage)(nil)
