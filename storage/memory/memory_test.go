package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goallowance/pkg/allowance"
)

func month(y int, m time.Month) (time.Time, time.Time) {
	return allowance.CalendarMonth(time.Date(y, m, 15, 0, 0, 0, 0, time.UTC))
}

func newPeriod(id, userID string, y int, m time.Month, granted, used int) *allowance.AllowancePeriod {
	start, end := month(y, m)
	return &allowance.AllowancePeriod{
		ID:            id,
		UserID:        userID,
		PeriodStart:   start,
		PeriodEnd:     end,
		TokensGranted: granted,
		TokensUsed:    used,
		Source:        allowance.SourceFreeTier,
		Metadata:      map[string]any{allowance.MetaCreatedBy: allowance.ActorSystem},
	}
}

func TestStorage_CreateAndGetActivePeriod(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	active, err := storage.GetActivePeriod(ctx, "user1", now)
	require.NoError(t, err)
	assert.Nil(t, active)

	require.NoError(t, storage.CreatePeriod(ctx, newPeriod("p1", "user1", 2025, time.March, 1000, 0)))

	active, err = storage.GetActivePeriod(ctx, "user1", now)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "p1", active.ID)

	// The end instant belongs to the next window.
	_, end := month(2025, time.March)
	active, err = storage.GetActivePeriod(ctx, "user1", end)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestStorage_CreatePeriodRejectsOverlap(t *testing.T) {
	storage := New()
	ctx := context.Background()

	require.NoError(t, storage.CreatePeriod(ctx, newPeriod("p1", "user1", 2025, time.March, 1000, 0)))

	err := storage.CreatePeriod(ctx, newPeriod("p2", "user1", 2025, time.March, 1000, 0))
	assert.ErrorIs(t, err, allowance.ErrPeriodExists)

	// Adjacent windows do not overlap.
	require.NoError(t, storage.CreatePeriod(ctx, newPeriod("p3", "user1", 2025, time.April, 1000, 0)))

	// Other users are independent.
	require.NoError(t, storage.CreatePeriod(ctx, newPeriod("p4", "user2", 2025, time.March, 1000, 0)))

	bad := newPeriod("p5", "user3", 2025, time.March, 1000, 0)
	bad.PeriodEnd = bad.PeriodStart
	assert.ErrorIs(t, storage.CreatePeriod(ctx, bad), allowance.ErrInvalidWindow)
}

func TestStorage_CreatePeriodConcurrent(t *testing.T) {
	storage := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := storage.CreatePeriod(ctx, newPeriod(fmt.Sprintf("p%d", i), "user1", 2025, time.March, 1000, 0))
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	periods, err := storage.ListPeriods(ctx, "user1", 0)
	require.NoError(t, err)
	assert.Len(t, periods, 1)
}

func TestStorage_GetLatestExpiredPeriod(t *testing.T) {
	storage := New()
	ctx := context.Background()

	require.NoError(t, storage.CreatePeriod(ctx, newPeriod("jan", "user1", 2025, time.January, 1000, 100)))
	require.NoError(t, storage.CreatePeriod(ctx, newPeriod("feb", "user1", 2025, time.February, 1000, 200)))
	require.NoError(t, storage.CreatePeriod(ctx, newPeriod("mar", "user1", 2025, time.March, 1000, 300)))

	now := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	prev, err := storage.GetLatestExpiredPeriod(ctx, "user1", now)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "feb", prev.ID)

	prev, err = storage.GetLatestExpiredPeriod(ctx, "nobody", now)
	require.NoError(t, err)
	assert.Nil(t, prev)
}

func TestStorage_ListPeriods(t *testing.T) {
	storage := New()
	ctx := context.Background()

	require.NoError(t, storage.CreatePeriod(ctx, newPeriod("jan", "user1", 2025, time.January, 1, 0)))
	require.NoError(t, storage.CreatePeriod(ctx, newPeriod("mar", "user1", 2025, time.March, 1, 0)))
	require.NoError(t, storage.CreatePeriod(ctx, newPeriod("feb", "user1", 2025, time.February, 1, 0)))

	periods, err := storage.ListPeriods(ctx, "user1", 0)
	require.NoError(t, err)
	require.Len(t, periods, 3)
	assert.Equal(t, []string{"mar", "feb", "jan"}, []string{periods[0].ID, periods[1].ID, periods[2].ID})

	periods, err = storage.ListPeriods(ctx, "user1", 2)
	require.NoError(t, err)
	assert.Len(t, periods, 2)
}

func TestStorage_UpdateBalance(t *testing.T) {
	storage := New()
	ctx := context.Background()

	require.NoError(t, storage.CreatePeriod(ctx, newPeriod("p1", "user1", 2025, time.March, 1000, 100)))

	change, err := storage.UpdateBalance(ctx, &allowance.BalanceUpdate{PeriodID: "p1", TokensGranted: 5000, TokensUsed: 50})
	require.NoError(t, err)
	assert.Equal(t, 1000, change.Before.TokensGranted)
	assert.Equal(t, 100, change.Before.TokensUsed)
	assert.Equal(t, 5000, change.After.TokensGranted)
	assert.Equal(t, 50, change.After.TokensUsed)

	stored, err := storage.GetPeriod(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 5000, stored.TokensGranted)

	_, err = storage.UpdateBalance(ctx, &allowance.BalanceUpdate{PeriodID: "missing"})
	assert.ErrorIs(t, err, allowance.ErrPeriodNotFound)

	_, err = storage.UpdateBalance(ctx, &allowance.BalanceUpdate{PeriodID: "p1", TokensGranted: -1})
	assert.ErrorIs(t, err, allowance.ErrInvalidAmount)
}

func TestStorage_ReturnsCopies(t *testing.T) {
	storage := New()
	ctx := context.Background()

	require.NoError(t, storage.CreatePeriod(ctx, newPeriod("p1", "user1", 2025, time.March, 1000, 0)))

	p, err := storage.GetPeriod(ctx, "p1")
	require.NoError(t, err)
	p.TokensGranted = 1
	p.Metadata[allowance.MetaCreatedBy] = "mutated"

	again, err := storage.GetPeriod(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1000, again.TokensGranted)
	assert.Equal(t, allowance.ActorSystem, again.Metadata[allowance.MetaCreatedBy])
}

func TestStorage_Profiles(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_, err := storage.GetPlan(ctx, "user1")
	assert.ErrorIs(t, err, allowance.ErrProfileNotFound)
	_, err = storage.GetRole(ctx, "user1")
	assert.ErrorIs(t, err, allowance.ErrProfileNotFound)

	require.NoError(t, storage.SetPlan(ctx, "user1", allowance.PlanPremium))
	require.NoError(t, storage.SetRole(ctx, "admin1", allowance.RoleAdmin))

	plan, err := storage.GetPlan(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, allowance.PlanPremium, plan)

	plan, err = storage.GetPlan(ctx, "admin1")
	require.NoError(t, err)
	assert.Equal(t, allowance.PlanFree, plan)

	role, err := storage.GetRole(ctx, "admin1")
	require.NoError(t, err)
	assert.Equal(t, allowance.RoleAdmin, role)

	ids, err := storage.ListUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin1", "user1"}, ids)
}

func TestStorage_Settings(t *testing.T) {
	storage := New()
	ctx := context.Background()

	values, err := storage.GetSettings(ctx)
	require.NoError(t, err)
	assert.Empty(t, values)

	require.NoError(t, storage.SetSetting(ctx, allowance.SettingTokensPerCredit, 100))
	values, err = storage.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{allowance.SettingTokensPerCredit: 100}, values)
}

func TestStorage_AuditLog(t *testing.T) {
	storage := New()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, storage.LogAuditEntry(ctx, &allowance.AuditLogEntry{
			ID:             fmt.Sprintf("a%d", i),
			IdempotencyKey: fmt.Sprintf("k%d", i),
			UserID:         "user1",
			PeriodID:       "p1",
			Action:         allowance.AuditActionBalanceCorrection,
			Timestamp:      base.Add(time.Duration(i) * time.Hour),
		}))
	}

	err := storage.LogAuditEntry(ctx, &allowance.AuditLogEntry{ID: "dup", IdempotencyKey: "k0"})
	assert.Error(t, err)

	entries, err := storage.GetAuditLogs(ctx, allowance.AuditLogFilter{UserID: "user1"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a2", entries[0].ID)

	start := base.Add(30 * time.Minute)
	entries, err = storage.GetAuditLogs(ctx, allowance.AuditLogFilter{StartTime: &start, Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a2", entries[0].ID)

	entries, err = storage.GetAuditLogs(ctx, allowance.AuditLogFilter{UserID: "user2"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStorage_CreatePeriodAfterUnalignedWindow(t *testing.T) {
	storage := New()
	ctx := context.Background()

	mar10 := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	apr10 := time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)
	may1 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	window := func(id string, start, end time.Time) *allowance.AllowancePeriod {
		p := newPeriod(id, "user1", 2024, time.March, 1000, 0)
		p.PeriodStart, p.PeriodEnd = start, end
		return p
	}

	require.NoError(t, storage.CreatePeriod(ctx, window("unaligned", mar10, apr10)))

	// One hour before the previous end still overlaps it.
	err := storage.CreatePeriod(ctx, window("early", apr10.Add(-time.Hour), may1))
	assert.ErrorIs(t, err, allowance.ErrPeriodExists)

	require.NoError(t, storage.CreatePeriod(ctx, window("next", apr10, may1)))

	prev, err := storage.GetLatestExpiredPeriod(ctx, "user1", apr10.AddDate(0, 0, 5))
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "unaligned", prev.ID)
}
