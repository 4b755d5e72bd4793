// Package redis provides a Redis implementation of the allowance.Storage interface.
// Period creation and audit appends run as Lua scripts so the overlap and
// idempotency checks are atomic with the write.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goallowance/pkg/allowance"
)

// Storage implements allowance.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "goallowance:")
	KeyPrefix string

	// MaxRetries bounds optimistic transaction retries in UpdateBalance (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "goallowance:",
		MaxRetries: 3,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "goallowance:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

func (s *Storage) loadScripts() {
	// KEYS: starts zset, ends zset, data hash. ARGV: id, start ms, end ms, json.
	// The latest period starting before the new end is the only overlap candidate
	// because stored windows never overlap.
	s.scripts["createPeriod"] = redis.NewScript(`
		local startsKey = KEYS[1]
		local endsKey = KEYS[2]
		local dataKey = KEYS[3]
		local id = ARGV[1]
		local newStart = tonumber(ARGV[2])
		local newEnd = tonumber(ARGV[3])

		if redis.call('HEXISTS', dataKey, id) == 1 then
			return 'exists'
		end

		local prev = redis.call('ZREVRANGEBYSCORE', startsKey, '(' .. newEnd, '-inf', 'LIMIT', 0, 1)
		if #prev > 0 then
			local prevEnd = tonumber(redis.call('ZSCORE', endsKey, prev[1]))
			if prevEnd > newStart then
				return 'exists'
			end
		end

		redis.call('HSET', dataKey, id, ARGV[4])
		redis.call('ZADD', startsKey, newStart, id)
		redis.call('ZADD', endsKey, newEnd, id)
		return 'ok'
	`)

	// KEYS: idempotency hash, data hash, timeline zset. ARGV: key, id, ts ms, json.
	s.scripts["appendAudit"] = redis.NewScript(`
		if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
			return 'duplicate'
		end
		redis.call('HSET', KEYS[2], ARGV[2], ARGV[4])
		redis.call('ZADD', KEYS[3], tonumber(ARGV[3]), ARGV[2])
		return 'ok'
	`)
}

// periodRecord is the JSON form of a period
type periodRecord struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId"`
	PeriodStart   time.Time      `json:"periodStart"`
	PeriodEnd     time.Time      `json:"periodEnd"`
	TokensGranted int            `json:"tokensGranted"`
	TokensUsed    int            `json:"tokensUsed"`
	Source        string         `json:"source"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func toRecord(p *allowance.AllowancePeriod) periodRecord {
	return periodRecord{
		ID:            p.ID,
		UserID:        p.UserID,
		PeriodStart:   p.PeriodStart.UTC(),
		PeriodEnd:     p.PeriodEnd.UTC(),
		TokensGranted: p.TokensGranted,
		TokensUsed:    p.TokensUsed,
		Source:        p.Source,
		Metadata:      p.Metadata,
	}
}

func (r periodRecord) period() *allowance.AllowancePeriod {
	return &allowance.AllowancePeriod{
		ID:            r.ID,
		UserID:        r.UserID,
		PeriodStart:   r.PeriodStart.UTC(),
		PeriodEnd:     r.PeriodEnd.UTC(),
		TokensGranted: r.TokensGranted,
		TokensUsed:    r.TokensUsed,
		Source:        r.Source,
		Metadata:      r.Metadata,
	}
}

func decodePeriod(data string) (*allowance.AllowancePeriod, error) {
	var r periodRecord
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal period: %w", err)
	}
	return r.period(), nil
}

// GetActivePeriod implements allowance.Ledger
func (s *Storage) GetActivePeriod(ctx context.Context, userID string, at time.Time) (*allowance.AllowancePeriod, error) {
	ids, err := s.client.ZRevRangeByScore(ctx, s.startsKey(userID), &redis.ZRangeBy{
		Max: strconv.FormatInt(at.UnixMilli(), 10), Min: "-inf", Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get active period: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	period, err := s.getUserPeriod(ctx, userID, ids[0])
	if err != nil || period == nil {
		return nil, err
	}
	if !period.IsActive(at) {
		return nil, nil
	}
	return period, nil
}

// GetLatestExpiredPeriod implements allowance.Ledger
func (s *Storage) GetLatestExpiredPeriod(ctx context.Context, userID string,
	at time.Time) (*allowance.AllowancePeriod, error) {
	ids, err := s.client.ZRevRangeByScore(ctx, s.endsKey(userID), &redis.ZRangeBy{
		Max: strconv.FormatInt(at.UnixMilli(), 10), Min: "-inf", Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get expired period: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.getUserPeriod(ctx, userID, ids[0])
}

// CreatePeriod implements allowance.Ledger
func (s *Storage) CreatePeriod(ctx context.Context, period *allowance.AllowancePeriod) error {
	if period == nil || period.ID == "" || period.UserID == "" {
		return fmt.Errorf("invalid period")
	}
	if !period.PeriodStart.Before(period.PeriodEnd) {
		return allowance.ErrInvalidWindow
	}

	data, err := json.Marshal(toRecord(period))
	if err != nil {
		return fmt.Errorf("failed to marshal period: %w", err)
	}

	// The owner entry is claimed before the insert so every stored period is
	// reachable by id. An owner entry without data reads as not found.
	claimed, err := s.client.HSetNX(ctx, s.ownerKey(), period.ID, period.UserID).Result()
	if err != nil {
		return fmt.Errorf("failed to index period: %w", err)
	}
	if !claimed {
		return allowance.ErrPeriodExists
	}

	keys := []string{s.startsKey(period.UserID), s.endsKey(period.UserID), s.dataKey(period.UserID)}
	status, err := s.scripts["createPeriod"].Run(ctx, s.client, keys,
		period.ID, period.PeriodStart.UnixMilli(), period.PeriodEnd.UnixMilli(), string(data)).Text()
	if err != nil {
		// The script may have run; keep the claim so a stored period stays reachable.
		return fmt.Errorf("failed to create period: %w", err)
	}
	if status == "exists" {
		// A leftover claim only costs a lookup.
		_ = s.client.HDel(context.WithoutCancel(ctx), s.ownerKey(), period.ID).Err() //nolint:errcheck
		return allowance.ErrPeriodExists
	}
	return nil
}

// GetPeriod implements allowance.Ledger
func (s *Storage) GetPeriod(ctx context.Context, periodID string) (*allowance.AllowancePeriod, error) {
	userID, err := s.client.HGet(ctx, s.ownerKey(), periodID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, allowance.ErrPeriodNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get period owner: %w", err)
	}
	period, err := s.getUserPeriod(ctx, userID, periodID)
	if err != nil {
		return nil, err
	}
	if period == nil {
		return nil, allowance.ErrPeriodNotFound
	}
	return period, nil
}

// ListPeriods implements allowance.Ledger
func (s *Storage) ListPeriods(ctx context.Context, userID string, limit int) ([]*allowance.AllowancePeriod, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.startsKey(userID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list periods: %w", err)
	}
	if len(ids) == 0 {
		return []*allowance.AllowancePeriod{}, nil
	}

	values, err := s.client.HMGet(ctx, s.dataKey(userID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load periods: %w", err)
	}
	periods := make([]*allowance.AllowancePeriod, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		period, err := decodePeriod(data)
		if err != nil {
			return nil, err
		}
		periods = append(periods, period)
	}
	return periods, nil
}

// UpdateBalance implements allowance.Ledger using an optimistic WATCH transaction
func (s *Storage) UpdateBalance(ctx context.Context, update *allowance.BalanceUpdate) (*allowance.BalanceChange, error) {
	if update == nil {
		return nil, fmt.Errorf("invalid balance update")
	}
	if update.TokensGranted < 0 || update.TokensUsed < 0 {
		return nil, allowance.ErrInvalidAmount
	}

	userID, err := s.client.HGet(ctx, s.ownerKey(), update.PeriodID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, allowance.ErrPeriodNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get period owner: %w", err)
	}
	dataKey := s.dataKey(userID)

	var change *allowance.BalanceChange
	txf := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, dataKey, update.PeriodID).Result()
		if errors.Is(err, redis.Nil) {
			return allowance.ErrPeriodNotFound
		}
		if err != nil {
			return err
		}
		before, err := decodePeriod(data)
		if err != nil {
			return err
		}
		after := before.Clone()
		after.TokensGranted = update.TokensGranted
		after.TokensUsed = update.TokensUsed

		updated, err := json.Marshal(toRecord(after))
		if err != nil {
			return fmt.Errorf("failed to marshal period: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, dataKey, update.PeriodID, string(updated))
			return nil
		})
		if err == nil {
			change = &allowance.BalanceChange{Before: before, After: after}
		}
		return err
	}

	for i := 0; i < s.config.MaxRetries; i++ {
		err = s.client.Watch(ctx, txf, dataKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, allowance.ErrPeriodNotFound) {
			return nil, err
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update balance: %w", err)
		}
		return change, nil
	}
	return nil, fmt.Errorf("failed to update balance: %w", redis.TxFailedErr)
}

func (s *Storage) getUserPeriod(ctx context.Context, userID, periodID string) (*allowance.AllowancePeriod, error) {
	data, err := s.client.HGet(ctx, s.dataKey(userID), periodID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get period: %w", err)
	}
	return decodePeriod(data)
}

// GetPlan implements allowance.ProfileStore
func (s *Storage) GetPlan(ctx context.Context, userID string) (allowance.PlanType, error) {
	values, err := s.client.HGetAll(ctx, s.profileKey(userID)).Result()
	if err != nil {
		return "", fmt.Errorf("failed to get plan: %w", err)
	}
	if len(values) == 0 {
		return "", allowance.ErrProfileNotFound
	}
	plan := allowance.PlanType(values["plan"])
	if plan == "" {
		plan = allowance.PlanFree
	}
	return plan, nil
}

// SetPlan implements allowance.ProfileStore
func (s *Storage) SetPlan(ctx context.Context, userID string, plan allowance.PlanType) error {
	return s.setProfileField(ctx, userID, "plan", string(plan))
}

// GetRole implements allowance.ProfileStore
func (s *Storage) GetRole(ctx context.Context, userID string) (string, error) {
	values, err := s.client.HGetAll(ctx, s.profileKey(userID)).Result()
	if err != nil {
		return "", fmt.Errorf("failed to get role: %w", err)
	}
	if len(values) == 0 {
		return "", allowance.ErrProfileNotFound
	}
	return values["role"], nil
}

// SetRole implements allowance.ProfileStore
func (s *Storage) SetRole(ctx context.Context, userID, role string) error {
	return s.setProfileField(ctx, userID, "role", role)
}

func (s *Storage) setProfileField(ctx context.Context, userID, field, value string) error {
	if userID == "" {
		return allowance.ErrInvalidUserID
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.profileKey(userID), field, value)
		pipe.SAdd(ctx, s.usersKey(), userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set profile %s: %w", field, err)
	}
	return nil
}

// ListUserIDs implements allowance.ProfileStore
func (s *Storage) ListUserIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetSettings implements allowance.SettingsStore
func (s *Storage) GetSettings(ctx context.Context) (map[string]int, error) {
	raw, err := s.client.HGetAll(ctx, s.settingsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	values := make(map[string]int, len(raw))
	for k, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid setting %s: %w", k, err)
		}
		values[k] = n
	}
	return values, nil
}

// SetSetting implements allowance.SettingsStore
func (s *Storage) SetSetting(ctx context.Context, key string, value int) error {
	if key == "" {
		return fmt.Errorf("setting key is required")
	}
	if err := s.client.HSet(ctx, s.settingsKey(), key, value).Err(); err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

// LogAuditEntry implements allowance.AuditLogger
func (s *Storage) LogAuditEntry(ctx context.Context, entry *allowance.AuditLogEntry) error {
	if entry == nil || entry.IdempotencyKey == "" {
		return fmt.Errorf("invalid audit entry")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	keys := []string{s.auditKeysKey(), s.auditDataKey(), s.auditTimelineKey()}
	status, err := s.scripts["appendAudit"].Run(ctx, s.client, keys,
		entry.IdempotencyKey, entry.ID, entry.Timestamp.UnixMilli(), string(data)).Text()
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	if status == "duplicate" {
		return fmt.Errorf("duplicate audit entry %s", entry.IdempotencyKey)
	}
	return nil
}

// GetAuditLogs implements allowance.AuditLogger
func (s *Storage) GetAuditLogs(ctx context.Context, filter allowance.AuditLogFilter) ([]*allowance.AuditLogEntry, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if filter.StartTime != nil {
		rng.Min = strconv.FormatInt(filter.StartTime.UnixMilli(), 10)
	}
	if filter.EndTime != nil {
		rng.Max = "(" + strconv.FormatInt(filter.EndTime.UnixMilli(), 10)
	}

	ids, err := s.client.ZRevRangeByScore(ctx, s.auditTimelineKey(), rng).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	entries := []*allowance.AuditLogEntry{}
	if len(ids) == 0 {
		return entries, nil
	}

	values, err := s.client.HMGet(ctx, s.auditDataKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load audit logs: %w", err)
	}
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		var e allowance.AuditLogEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit entry: %w", err)
		}
		if (filter.UserID != "" && e.UserID != filter.UserID) ||
			(filter.PeriodID != "" && e.PeriodID != filter.PeriodID) ||
			(filter.Action != "" && e.Action != filter.Action) {
			continue
		}
		entries = append(entries, &e)
		if filter.Limit > 0 && len(entries) >= filter.Limit {
			break
		}
	}
	return entries, nil
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Per-user keys share a hash tag so the create script stays in one cluster slot.
func (s *Storage) startsKey(userID string) string {
	return fmt.Sprintf("%speriods:{%s}:starts", s.config.KeyPrefix, userID)
}

func (s *Storage) endsKey(userID string) string {
	return fmt.Sprintf("%speriods:{%s}:ends", s.config.KeyPrefix, userID)
}

func (s *Storage) dataKey(userID string) string {
	return fmt.Sprintf("%speriods:{%s}:data", s.config.KeyPrefix, userID)
}

func (s *Storage) ownerKey() string {
	return s.config.KeyPrefix + "periods:owner"
}

func (s *Storage) profileKey(userID string) string {
	return fmt.Sprintf("%sprofile:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) usersKey() string {
	return s.config.KeyPrefix + "profiles"
}

func (s *Storage) settingsKey() string {
	return s.config.KeyPrefix + "settings"
}

// Audit keys share the {audit} hash tag.
func (s *Storage) auditKeysKey() string {
	return s.config.KeyPrefix + "{audit}:keys"
}

func (s *Storage) auditDataKey() string {
	return s.config.KeyPrefix + "{audit}:data"
}

func (s *Storage) auditTimelineKey() string {
	return s.config.KeyPrefix + "{audit}:timeline"
}

var _ allowance.Storage = (*Storage)(nil)
