// Package firestore provides a Firestore implementation of the allowance.Storage interface.
// Period creation runs in a transaction that reads a per-user lock document, so
// concurrent creators for the same user are serialized by Firestore's contention handling.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goallowance/pkg/allowance"
)

// errOverlap aborts a create transaction without retrying it
var errOverlap = errors.New("overlap")

// Storage implements allowance.Storage using Google Cloud Firestore
type Storage struct {
	client              *firestore.Client
	periodsCollection   string
	usersCollection     string
	profilesCollection  string
	settingsCollection  string
	auditLogsCollection string
}

// Config holds Firestore storage configuration
type Config struct {
	// PeriodsCollection holds allowance periods
	// Default: "allowance_periods"
	PeriodsCollection string

	// UsersCollection holds the per-user lock documents used when creating periods
	// Default: "allowance_users"
	UsersCollection string

	// ProfilesCollection holds plan and role per user
	// Default: "profiles"
	ProfilesCollection string

	// SettingsCollection holds one document per setting key
	// Default: "settings"
	SettingsCollection string

	// AuditLogsCollection holds balance correction records
	// Default: "allowance_audit_logs"
	AuditLogsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.PeriodsCollection == "" {
		config.PeriodsCollection = "allowance_periods"
	}
	if config.UsersCollection == "" {
		config.UsersCollection = "allowance_users"
	}
	if config.ProfilesCollection == "" {
		config.ProfilesCollection = "profiles"
	}
	if config.SettingsCollection == "" {
		config.SettingsCollection = "settings"
	}
	if config.AuditLogsCollection == "" {
		config.AuditLogsCollection = "allowance_audit_logs"
	}

	return &Storage{
		client:              client,
		periodsCollection:   config.PeriodsCollection,
		usersCollection:     config.UsersCollection,
		profilesCollection:  config.ProfilesCollection,
		settingsCollection:  config.SettingsCollection,
		auditLogsCollection: config.AuditLogsCollection,
	}, nil
}

// GetActivePeriod implements allowance.Ledger
func (s *Storage) GetActivePeriod(ctx context.Context, userID string, at time.Time) (*allowance.AllowancePeriod, error) {
	docs, err := s.client.Collection(s.periodsCollection).
		Where("userId", "==", userID).
		Where("periodEnd", ">", at.UTC()).
		OrderBy("periodEnd", firestore.Asc).
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to get active period: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	period := periodFromData(docs[0].Ref.ID, docs[0].Data())
	if !period.IsActive(at) {
		return nil, nil
	}
	return period, nil
}

// GetLatestExpiredPeriod implements allowance.Ledger
func (s *Storage) GetLatestExpiredPeriod(ctx context.Context, userID string,
	at time.Time) (*allowance.AllowancePeriod, error) {
	docs, err := s.client.Collection(s.periodsCollection).
		Where("userId", "==", userID).
		Where("periodEnd", "<=", at.UTC()).
		OrderBy("periodEnd", firestore.Desc).
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to get expired period: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return periodFromData(docs[0].Ref.ID, docs[0].Data()), nil
}

// CreatePeriod implements allowance.Ledger
func (s *Storage) CreatePeriod(ctx context.Context, period *allowance.AllowancePeriod) error {
	if period == nil || period.ID == "" || period.UserID == "" {
		return fmt.Errorf("invalid period")
	}
	if !period.PeriodStart.Before(period.PeriodEnd) {
		return allowance.ErrInvalidWindow
	}

	lockDoc := s.client.Collection(s.usersCollection).Doc(period.UserID)
	periodDoc := s.client.Collection(s.periodsCollection).Doc(period.ID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(lockDoc); err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		// Single inequality keeps the query index-free; the start bound is checked here.
		candidates, err := tx.Documents(s.client.Collection(s.periodsCollection).
			Where("userId", "==", period.UserID).
			Where("periodEnd", ">", period.PeriodStart.UTC())).GetAll()
		if err != nil {
			return err
		}
		for _, doc := range candidates {
			if getTime(doc.Data(), "periodStart").Before(period.PeriodEnd) {
				return errOverlap
			}
		}

		if err := tx.Set(lockDoc, map[string]interface{}{
			"lastPeriodId": period.ID,
			"updatedAt":    time.Now().UTC(),
		}); err != nil {
			return err
		}
		return tx.Create(periodDoc, periodData(period))
	}, firestore.MaxAttempts(5))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errOverlap), status.Code(err) == codes.AlreadyExists:
		return allowance.ErrPeriodExists
	default:
		return fmt.Errorf("failed to create period: %w", err)
	}
}

// GetPeriod implements allowance.Ledger
func (s *Storage) GetPeriod(ctx context.Context, periodID string) (*allowance.AllowancePeriod, error) {
	snap, err := s.client.Collection(s.periodsCollection).Doc(periodID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, allowance.ErrPeriodNotFound
		}
		return nil, fmt.Errorf("failed to get period: %w", err)
	}
	if !snap.Exists() {
		return nil, allowance.ErrPeriodNotFound
	}
	return periodFromData(snap.Ref.ID, snap.Data()), nil
}

// ListPeriods implements allowance.Ledger
func (s *Storage) ListPeriods(ctx context.Context, userID string, limit int) ([]*allowance.AllowancePeriod, error) {
	query := s.client.Collection(s.periodsCollection).
		Where("userId", "==", userID).
		OrderBy("periodStart", firestore.Desc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list periods: %w", err)
	}

	periods := make([]*allowance.AllowancePeriod, 0, len(docs))
	for _, doc := range docs {
		periods = append(periods, periodFromData(doc.Ref.ID, doc.Data()))
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

	doc := s.client.Collection(s.periodsCollection).Doc(update.PeriodID)
	var change *allowance.BalanceChange

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return allowance.ErrPeriodNotFound
			}
			return err
		}
		before := periodFromData(snap.Ref.ID, snap.Data())
		after := before.Clone()
		after.TokensGranted = update.TokensGranted
		after.TokensUsed = update.TokensUsed

		change = &allowance.BalanceChange{Before: before, After: after}
		return tx.Update(doc, []firestore.Update{
			{Path: "tokensGranted", Value: update.TokensGranted},
			{Path: "tokensUsed", Value: update.TokensUsed},
		})
	})
	if errors.Is(err, allowance.ErrPeriodNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	return change, nil
}

// GetPlan implements allowance.ProfileStore
func (s *Storage) GetPlan(ctx context.Context, userID string) (allowance.PlanType, error) {
	data, err := s.getProfile(ctx, userID)
	if err != nil {
		return "", err
	}
	plan := allowance.PlanType(getString(data, "planType"))
	if plan == "" {
		plan = allowance.PlanFree
	}
	return plan, nil
}

// SetPlan implements allowance.ProfileStore
func (s *Storage) SetPlan(ctx context.Context, userID string, plan allowance.PlanType) error {
	return s.setProfileField(ctx, userID, "planType", string(plan))
}

// GetRole implements allowance.ProfileStore
func (s *Storage) GetRole(ctx context.Context, userID string) (string, error) {
	data, err := s.getProfile(ctx, userID)
	if err != nil {
		return "", err
	}
	return getString(data, "role"), nil
}

// SetRole implements allowance.ProfileStore
func (s *Storage) SetRole(ctx context.Context, userID, role string) error {
	return s.setProfileField(ctx, userID, "role", role)
}

func (s *Storage) getProfile(ctx context.Context, userID string) (map[string]interface{}, error) {
	if userID == "" {
		return nil, allowance.ErrProfileNotFound
	}
	snap, err := s.client.Collection(s.profilesCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, allowance.ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if !snap.Exists() {
		return nil, allowance.ErrProfileNotFound
	}
	return snap.Data(), nil
}

func (s *Storage) setProfileField(ctx context.Context, userID, field, value string) error {
	if userID == "" {
		return allowance.ErrInvalidUserID
	}
	_, err := s.client.Collection(s.profilesCollection).Doc(userID).Set(ctx, map[string]interface{}{
		field:       value,
		"updatedAt": time.Now().UTC(),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to set profile %s: %w", field, err)
	}
	return nil
}

// ListUserIDs implements allowance.ProfileStore
func (s *Storage) ListUserIDs(ctx context.Context) ([]string, error) {
	refs, err := s.client.Collection(s.profilesCollection).DocumentRefs(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID)
	}
	return ids, nil
}

// GetSettings implements allowance.SettingsStore
func (s *Storage) GetSettings(ctx context.Context) (map[string]int, error) {
	docs, err := s.client.Collection(s.settingsCollection).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	values := make(map[string]int, len(docs))
	for _, doc := range docs {
		data := doc.Data()
		if _, ok := data["value"]; ok {
			values[doc.Ref.ID] = getInt(data, "value")
		}
	}
	return values, nil
}

// SetSetting implements allowance.SettingsStore
func (s *Storage) SetSetting(ctx context.Context, key string, value int) error {
	if key == "" {
		return fmt.Errorf("setting key is required")
	}
	_, err := s.client.Collection(s.settingsCollection).Doc(key).Set(ctx, map[string]interface{}{
		"value":     value,
		"updatedAt": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

// LogAuditEntry implements allowance.AuditLogger. The idempotency key is the document id.
func (s *Storage) LogAuditEntry(ctx context.Context, entry *allowance.AuditLogEntry) error {
	if entry == nil || entry.IdempotencyKey == "" {
		return fmt.Errorf("invalid audit entry")
	}

	metadata := make(map[string]interface{}, len(entry.Metadata))
	for k, v := range entry.Metadata {
		metadata[k] = v
	}

	_, err := s.client.Collection(s.auditLogsCollection).Doc(entry.IdempotencyKey).Create(ctx, map[string]interface{}{
		"id":            entry.ID,
		"userId":        entry.UserID,
		"periodId":      entry.PeriodID,
		"action":        entry.Action,
		"actor":         entry.Actor,
		"grantedBefore": entry.GrantedBefore,
		"grantedAfter":  entry.GrantedAfter,
		"usedBefore":    entry.UsedBefore,
		"usedAfter":     entry.UsedAfter,
		"grantedDelta":  entry.GrantedDelta,
		"usedDelta":     entry.UsedDelta,
		"reason":        entry.Reason,
		"timestamp":     entry.Timestamp.UTC(),
		"metadata":      metadata,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("duplicate audit entry %s", entry.IdempotencyKey)
		}
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

// GetAuditLogs implements allowance.AuditLogger
func (s *Storage) GetAuditLogs(ctx context.Context, filter allowance.AuditLogFilter) ([]*allowance.AuditLogEntry, error) {
	query := s.client.Collection(s.auditLogsCollection).Query
	if filter.UserID != "" {
		query = query.Where("userId", "==", filter.UserID)
	}
	if filter.PeriodID != "" {
		query = query.Where("periodId", "==", filter.PeriodID)
	}
	if filter.Action != "" {
		query = query.Where("action", "==", filter.Action)
	}
	if filter.StartTime != nil {
		query = query.Where("timestamp", ">=", filter.StartTime.UTC())
	}
	if filter.EndTime != nil {
		query = query.Where("timestamp", "<", filter.EndTime.UTC())
	}
	query = query.OrderBy("timestamp", firestore.Desc)
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}

	entries := make([]*allowance.AuditLogEntry, 0, len(docs))
	for _, doc := range docs {
		data := doc.Data()
		entry := &allowance.AuditLogEntry{
			ID:             getString(data, "id"),
			IdempotencyKey: doc.Ref.ID,
			UserID:         getString(data, "userId"),
			PeriodID:       getString(data, "periodId"),
			Action:         getString(data, "action"),
			Actor:          getString(data, "actor"),
			GrantedBefore:  getInt(data, "grantedBefore"),
			GrantedAfter:   getInt(data, "grantedAfter"),
			UsedBefore:     getInt(data, "usedBefore"),
			UsedAfter:      getInt(data, "usedAfter"),
			GrantedDelta:   getInt(data, "grantedDelta"),
			UsedDelta:      getInt(data, "usedDelta"),
			Reason:         getString(data, "reason"),
			Timestamp:      getTime(data, "timestamp"),
		}
		if md, ok := data["metadata"].(map[string]interface{}); ok && len(md) > 0 {
			entry.Metadata = make(map[string]string, len(md))
			for k := range md {
				entry.Metadata[k] = getString(md, k)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func periodData(p *allowance.AllowancePeriod) map[string]interface{} {
	data := map[string]interface{}{
		"userId":        p.UserID,
		"periodStart":   p.PeriodStart.UTC(),
		"periodEnd":     p.PeriodEnd.UTC(),
		"tokensGranted": p.TokensGranted,
		"tokensUsed":    p.TokensUsed,
		"source":        p.Source,
	}
	if len(p.Metadata) > 0 {
		data["metadata"] = p.Metadata
	}
	return data
}

func periodFromData(id string, data map[string]interface{}) *allowance.AllowancePeriod {
	p := &allowance.AllowancePeriod{
		ID:            id,
		UserID:        getString(data, "userId"),
		PeriodStart:   getTime(data, "periodStart"),
		PeriodEnd:     getTime(data, "periodEnd"),
		TokensGranted: getInt(data, "tokensGranted"),
		TokensUsed:    getInt(data, "tokensUsed"),
		Source:        getString(data, "source"),
	}
	if md, ok := data["metadata"].(map[string]interface{}); ok {
		p.Metadata = md
	}
	return p
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}

var _ allowance.Storage = (*Storage)(nil)
