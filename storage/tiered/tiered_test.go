package tiered

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goallowance/pkg/allowance"
	"github.com/mihaimyh/goallowance/storage/memory"
)

var march = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func testPeriod(id, userID string, start time.Time) *allowance.AllowancePeriod {
	return &allowance.AllowancePeriod{
		ID:            id,
		UserID:        userID,
		PeriodStart:   start,
		PeriodEnd:     start.AddDate(0, 1, 0),
		TokensGranted: 300000,
		Source:        allowance.SourceSubscription,
	}
}

// failingHot rejects every write so tests can observe error reporting
type failingHot struct {
	*memory.Storage
}

var errHotDown = errors.New("hot down")

func (f *failingHot) CreatePeriod(context.Context, *allowance.AllowancePeriod) error {
	return errHotDown
}

func (f *failingHot) SetPlan(context.Context, string, allowance.PlanType) error {
	return errHotDown
}

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		assert.NoError(t, err)
		assert.NotNil(t, storage)
		assert.NoError(t, storage.Close())
	})

	t.Run("nil hot storage", func(t *testing.T) {
		storage, err := New(Config{Cold: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})

	t.Run("nil cold storage", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
	})

	t.Run("default sync buffer size", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New(), AsyncHotSync: true})
		require.NoError(t, err)
		defer storage.Close()
		assert.Equal(t, 1000, cap(storage.syncQueue))
	})

	t.Run("custom sync buffer size", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New(), AsyncHotSync: true, SyncBufferSize: 500})
		require.NoError(t, err)
		defer storage.Close()
		assert.Equal(t, 500, cap(storage.syncQueue))
	})
}

// --- Read-Through Strategy Tests ---

func TestStorage_GetActivePeriod_ReadThrough(t *testing.T) {
	ctx := context.Background()
	at := march.Add(10 * 24 * time.Hour)

	t.Run("hot hit", func(t *testing.T) {
		hot, cold := memory.New(), memory.New()
		storage, _ := New(Config{Hot: hot, Cold: cold})
		defer storage.Close()

		require.NoError(t, hot.CreatePeriod(ctx, testPeriod("p1", "user1", march)))

		period, err := storage.GetActivePeriod(ctx, "user1", at)
		require.NoError(t, err)
		require.NotNil(t, period)
		assert.Equal(t, "p1", period.ID)

		// Cold was never written to
		coldPeriod, err := cold.GetActivePeriod(ctx, "user1", at)
		require.NoError(t, err)
		assert.Nil(t, coldPeriod)
	})

	t.Run("hot miss, cold hit (read-through)", func(t *testing.T) {
		hot, cold := memory.New(), memory.New()
		storage, _ := New(Config{Hot: hot, Cold: cold})
		defer storage.Close()

		require.NoError(t, cold.CreatePeriod(ctx, testPeriod("p1", "user1", march)))

		period, err := storage.GetActivePeriod(ctx, "user1", at)
		require.NoError(t, err)
		require.NotNil(t, period)
		assert.Equal(t, "p1", period.ID)

		// Hot should now be populated (read-repair)
		hotPeriod, err := hot.GetActivePeriod(ctx, "user1", at)
		require.NoError(t, err)
		require.NotNil(t, hotPeriod)
		assert.Equal(t, "p1", hotPeriod.ID)
	})

	t.Run("miss in both", func(t *testing.T) {
		storage, _ := New(Config{Hot: memory.New(), Cold: memory.New()})
		defer storage.Close()

		period, err := storage.GetActivePeriod(ctx, "user1", at)
		require.NoError(t, err)
		assert.Nil(t, period)
	})
}

func TestStorage_GetPeriod_ReadThrough(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	require.NoError(t, cold.CreatePeriod(ctx, testPeriod("p1", "user1", march)))

	period, err := storage.GetPeriod(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "user1", period.UserID)

	_, err = hot.GetPeriod(ctx, "p1")
	assert.NoError(t, err)

	_, err = storage.GetPeriod(ctx, "missing")
	assert.ErrorIs(t, err, allowance.ErrPeriodNotFound)
}

func TestStorage_Profiles_ReadThrough(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	require.NoError(t, cold.SetPlan(ctx, "user1", allowance.PlanPremium))
	require.NoError(t, cold.SetRole(ctx, "user1", allowance.RoleAdmin))

	plan, err := storage.GetPlan(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, allowance.PlanPremium, plan)

	role, err := storage.GetRole(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, allowance.RoleAdmin, role)

	hotPlan, err := hot.GetPlan(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, allowance.PlanPremium, hotPlan)

	_, err = storage.GetPlan(ctx, "nobody")
	assert.ErrorIs(t, err, allowance.ErrProfileNotFound)
}

// --- Write-Through Strategy Tests ---

func TestStorage_CreatePeriod_WriteThrough(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	require.NoError(t, storage.CreatePeriod(ctx, testPeriod("p1", "user1", march)))

	_, err := cold.GetPeriod(ctx, "p1")
	assert.NoError(t, err)
	_, err = hot.GetPeriod(ctx, "p1")
	assert.NoError(t, err)

	// Cold decides overlaps even when Hot lost the period
	hot2 := memory.New()
	storage2, _ := New(Config{Hot: hot2, Cold: cold})
	defer storage2.Close()
	err = storage2.CreatePeriod(ctx, testPeriod("p2", "user1", march.Add(24*time.Hour)))
	assert.ErrorIs(t, err, allowance.ErrPeriodExists)
	_, err = hot2.GetPeriod(ctx, "p2")
	assert.ErrorIs(t, err, allowance.ErrPeriodNotFound)
}

func TestStorage_CreatePeriod_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	storage, _ := New(Config{Hot: memory.New(), Cold: memory.New()})
	defer storage.Close()

	const workers = 20
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := testPeriod("p"+string(rune('a'+i)), "user1", march)
			errs[i] = storage.CreatePeriod(ctx, p)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, allowance.ErrPeriodExists)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestStorage_UpdateBalance_WriteThrough(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	require.NoError(t, storage.CreatePeriod(ctx, testPeriod("p1", "user1", march)))

	change, err := storage.UpdateBalance(ctx, &allowance.BalanceUpdate{PeriodID: "p1", TokensGranted: 1000, TokensUsed: 10})
	require.NoError(t, err)
	assert.Equal(t, 300000, change.Before.TokensGranted)
	assert.Equal(t, 1000, change.After.TokensGranted)

	hotPeriod, err := hot.GetPeriod(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1000, hotPeriod.TokensGranted)
	assert.Equal(t, 10, hotPeriod.TokensUsed)

	// a period only in Cold is updated without error
	require.NoError(t, cold.CreatePeriod(ctx, testPeriod("p2", "user2", march)))
	_, err = storage.UpdateBalance(ctx, &allowance.BalanceUpdate{PeriodID: "p2", TokensGranted: 5, TokensUsed: 0})
	assert.NoError(t, err)

	_, err = storage.UpdateBalance(ctx, &allowance.BalanceUpdate{PeriodID: "missing"})
	assert.ErrorIs(t, err, allowance.ErrPeriodNotFound)
}

func TestStorage_HotFailuresReported(t *testing.T) {
	ctx := context.Background()
	var reported []error
	cold := memory.New()
	storage, _ := New(Config{
		Hot:               &failingHot{Storage: memory.New()},
		Cold:              cold,
		AsyncErrorHandler: func(err error) { reported = append(reported, err) },
	})
	defer storage.Close()

	require.NoError(t, storage.CreatePeriod(ctx, testPeriod("p1", "user1", march)))
	require.NoError(t, storage.SetPlan(ctx, "user1", allowance.PlanPremium))

	require.Len(t, reported, 2)
	for _, err := range reported {
		assert.ErrorIs(t, err, errHotDown)
	}

	// Cold still holds the writes
	plan, err := cold.GetPlan(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, allowance.PlanPremium, plan)
}

func TestStorage_AsyncHotSync(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold, AsyncHotSync: true})

	require.NoError(t, storage.CreatePeriod(ctx, testPeriod("p1", "user1", march)))
	require.NoError(t, storage.SetPlan(ctx, "user1", allowance.PlanPremium))

	// Close drains the queue
	require.NoError(t, storage.Close())
	require.NoError(t, storage.Close())

	_, err := hot.GetPeriod(ctx, "p1")
	assert.NoError(t, err)
	plan, err := hot.GetPlan(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, allowance.PlanPremium, plan)
}

// --- Cold-Only Strategy Tests ---

func TestStorage_ColdOnly(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	feb := march.AddDate(0, -1, 0)
	require.NoError(t, cold.CreatePeriod(ctx, testPeriod("old", "user1", feb)))
	require.NoError(t, hot.CreatePeriod(ctx, testPeriod("stale", "user1", feb.AddDate(0, -1, 0))))

	expired, err := storage.GetLatestExpiredPeriod(ctx, "user1", march)
	require.NoError(t, err)
	require.NotNil(t, expired)
	assert.Equal(t, "old", expired.ID)

	periods, err := storage.ListPeriods(ctx, "user1", 10)
	require.NoError(t, err)
	require.Len(t, periods, 1)

	require.NoError(t, storage.SetSetting(ctx, allowance.SettingTokensPerCredit, 100))
	settings, err := cold.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, settings[allowance.SettingTokensPerCredit])
	hotSettings, err := hot.GetSettings(ctx)
	require.NoError(t, err)
	assert.Empty(t, hotSettings)

	entry := &allowance.AuditLogEntry{ID: "a1", IdempotencyKey: "k1", UserID: "user1", Action: allowance.AuditActionBalanceCorrection, Timestamp: march}
	require.NoError(t, storage.LogAuditEntry(ctx, entry))
	logs, err := storage.GetAuditLogs(ctx, allowance.AuditLogFilter{UserID: "user1"})
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	require.NoError(t, storage.Ping(ctx))
}

// --- Resolver Integration ---

func TestStorage_ResolverRollover(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	require.NoError(t, cold.SetPlan(ctx, "user1", allowance.PlanPremium))
	feb := testPeriod("feb", "user1", march.AddDate(0, -1, 0))
	feb.TokensUsed = 250000
	require.NoError(t, cold.CreatePeriod(ctx, feb))

	now := march.Add(48 * time.Hour)
	resolver, err := allowance.NewResolver(storage, allowance.Config{Now: func() time.Time { return now }})
	require.NoError(t, err)

	result, err := resolver.EnsureAllowance(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, 50000, result.RolloverTokens)
	assert.Equal(t, 350000, result.Allowance.TokensGranted)

	again, err := resolver.EnsureAllowance(ctx, "user1")
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, result.Allowance.ID, again.Allowance.ID)

	hotPeriod, err := hot.GetActivePeriod(ctx, "user1", now)
	require.NoError(t, err)
	require.NotNil(t, hotPeriod)
}
