package allowance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goallowance/pkg/allowance"
	"github.com/mihaimyh/goallowance/storage/memory"
)

var testNow = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

// tokenIdentity treats the bearer token as "token-<userID>"
type tokenIdentity map[string]string

func (t tokenIdentity) Authenticate(_ context.Context, token string) (string, error) {
	userID, ok := t[token]
	if !ok {
		return "", allowance.ErrUnauthenticated
	}
	return userID, nil
}

var testIdentity = tokenIdentity{
	"token-user1": "user1",
	"token-user2": "user2",
	"token-admin": "admin",
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestResolver(t *testing.T, storage allowance.Storage, mutate ...func(*allowance.Config)) (*allowance.Resolver, *fixedClock) {
	t.Helper()
	clock := &fixedClock{now: testNow}
	config := allowance.Config{
		Identity: testIdentity,
		Now:      clock.Now,
	}
	for _, m := range mutate {
		m(&config)
	}
	resolver, err := allowance.NewResolver(storage, config)
	require.NoError(t, err)
	return resolver, clock
}

func seedUsers(t *testing.T, storage *memory.Storage) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, storage.SetPlan(ctx, "user1", allowance.PlanFree))
	require.NoError(t, storage.SetPlan(ctx, "user2", allowance.PlanPremium))
	require.NoError(t, storage.SetRole(ctx, "admin", allowance.RoleAdmin))
}

func seedPeriod(t *testing.T, storage allowance.Ledger, id, userID string, at time.Time, granted, used int) {
	t.Helper()
	start, end := allowance.CalendarMonth(at)
	require.NoError(t, storage.CreatePeriod(context.Background(), &allowance.AllowancePeriod{
		ID:            id,
		UserID:        userID,
		PeriodStart:   start,
		PeriodEnd:     end,
		TokensGranted: granted,
		TokensUsed:    used,
		Source:        allowance.SourceSubscription,
	}))
}

var errRegistryDown = errors.New("registry unavailable")

// flakyProfiles fails plan lookups for selected users
type flakyProfiles struct {
	*memory.Storage
	failing map[string]bool
}

func (f *flakyProfiles) GetPlan(ctx context.Context, userID string) (allowance.PlanType, error) {
	if f.failing[userID] {
		return "", errRegistryDown
	}
	return f.Storage.GetPlan(ctx, userID)
}

// failingSettings always fails to read settings
type failingSettings struct{}

func (failingSettings) GetSettings(context.Context) (map[string]int, error) {
	return nil, errors.New("settings table unavailable")
}

func (failingSettings) SetSetting(context.Context, string, int) error {
	return errors.New("settings table unavailable")
}

// failingAudit rejects every audit write
type failingAudit struct{}

func (failingAudit) LogAuditEntry(context.Context, *allowance.AuditLogEntry) error {
	return errors.New("audit table unavailable")
}

func (failingAudit) GetAuditLogs(context.Context, allowance.AuditLogFilter) ([]*allowance.AuditLogEntry, error) {
	return nil, errors.New("audit table unavailable")
}

// countingMetrics records the calls the tests care about
type countingMetrics struct {
	allowance.NoopMetrics
	mu            sync.Mutex
	outcomes      map[string]int
	fallbacks     map[string]int
	auditFailures int
	batches       []allowance.BatchSummary
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{outcomes: map[string]int{}, fallbacks: map[string]int{}}
}

func (m *countingMetrics) RecordEnsure(outcome, _ string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func (m *countingMetrics) RecordDependencyFallback(dependency string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks[dependency]++
}

func (m *countingMetrics) RecordAuditFailure(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditFailures++
}

func (m *countingMetrics) RecordBatch(summary allowance.BatchSummary, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, summary)
}
