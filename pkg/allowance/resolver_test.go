package allowance_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goallowance/pkg/allowance"
	"github.com/mihaimyh/goallowance/storage/memory"
)

func TestNewResolver_Validation(t *testing.T) {
	_, err := allowance.NewResolver(nil, allowance.Config{})
	assert.ErrorIs(t, err, allowance.ErrStorageUnavailable)

	resolver, err := allowance.NewResolver(memory.New(), allowance.Config{})
	require.NoError(t, err)
	assert.NotNil(t, resolver)
}

func TestResolver_EnsureAllowance_Idempotent(t *testing.T) {
	storage := memory.New()
	seedUsers(t, storage)
	resolver, _ := newTestResolver(t, storage)
	ctx := context.Background()

	first, err := resolver.EnsureAllowance(ctx, "user2")
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := resolver.EnsureAllowance(ctx, "user2")
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Allowance.ID, second.Allowance.ID)
	assert.Zero(t, second.BaseTokens)

	periods, err := storage.ListPeriods(ctx, "user2", 0)
	require.NoError(t, err)
	assert.Len(t, periods, 1)
}

func TestResolver_EnsureAllowance_DefaultWindow(t *testing.T) {
	storage := memory.New()
	seedUsers(t, storage)
	resolver, _ := newTestResolver(t, storage)

	result, err := resolver.EnsureAllowance(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), result.Allowance.PeriodStart)
	assert.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), result.Allowance.PeriodEnd)
}

func TestResolver_EnsureAllowance_PlanBasedGrant(t *testing.T) {
	tests := []struct {
		name       string
		userID     string
		wantBase   int
		wantSource string
	}{
		{"free user", "user1", 0, allowance.SourceFreeTier},
		{"premium user", "user2", 300000, allowance.SourceSubscription},
		{"missing profile is free", "ghost", 0, allowance.SourceFreeTier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := memory.New()
			seedUsers(t, storage)
			resolver, _ := newTestResolver(t, storage)

			result, err := resolver.EnsureAllowance(context.Background(), tt.userID)
			require.NoError(t, err)
			assert.True(t, result.Created)
			assert.Equal(t, tt.wantBase, result.BaseTokens)
			assert.Equal(t, tt.wantBase, result.Allowance.TokensGranted)
			assert.Equal(t, 0, result.Allowance.TokensUsed)
			assert.Equal(t, tt.wantSource, result.Allowance.Source)
		})
	}
}

func TestResolver_EnsureAllowance_Rollover(t *testing.T) {
	tests := []struct {
		name         string
		prevGranted  int
		prevUsed     int
		base         int
		wantRollover int
	}{
		{"capped at base", 1000, 100, 500, 500},
		{"under cap", 1000, 800, 500, 200},
		{"overspent is zero", 1000, 1500, 500, 0},
		{"zero base carries nothing", 1000, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := memory.New()
			ctx := context.Background()
			require.NoError(t, storage.SetPlan(ctx, "user2", allowance.PlanPremium))
			require.NoError(t, storage.SetSetting(ctx, allowance.SettingTokensPerCredit, 1))
			require.NoError(t, storage.SetSetting(ctx, allowance.SettingCreditsPremiumPerMonth, tt.base))
			seedPeriod(t, storage, "feb", "user2", testNow.AddDate(0, -1, 0), tt.prevGranted, tt.prevUsed)

			resolver, _ := newTestResolver(t, storage)
			result, err := resolver.EnsureAllowance(ctx, "user2")
			require.NoError(t, err)
			assert.True(t, result.Created)
			assert.Equal(t, tt.base, result.BaseTokens)
			assert.Equal(t, tt.wantRollover, result.RolloverTokens)
			assert.Equal(t, tt.base+tt.wantRollover, result.Allowance.TokensGranted)
			assert.Equal(t, tt.wantRollover, result.Allowance.Metadata[allowance.MetaRolloverTokens])
		})
	}
}

func TestResolver_EnsureAllowance_RolloverUsesLatestExpired(t *testing.T) {
	storage := memory.New()
	ctx := context.Background()
	require.NoError(t, storage.SetPlan(ctx, "user2", allowance.PlanPremium))
	seedPeriod(t, storage, "jan", "user2", testNow.AddDate(0, -2, 0), 300000, 0)
	seedPeriod(t, storage, "feb", "user2", testNow.AddDate(0, -1, 0), 300000, 250000)

	resolver, _ := newTestResolver(t, storage)
	result, err := resolver.EnsureAllowance(ctx, "user2")
	require.NoError(t, err)
	assert.Equal(t, 50000, result.RolloverTokens)
	assert.Equal(t, 350000, result.Allowance.TokensGranted)
}

func TestResolver_EnsureAllowance_ForceTokensSkipRollover(t *testing.T) {
	storage := memory.New()
	seedUsers(t, storage)
	seedPeriod(t, storage, "feb", "user2", testNow.AddDate(0, -1, 0), 300000, 0)
	resolver, _ := newTestResolver(t, storage)

	result, err := resolver.EnsureAllowance(context.Background(), "user2",
		allowance.WithForceTokens(50), allowance.WithSkipRollover())
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, 50, result.Allowance.TokensGranted)
	assert.Equal(t, 0, result.RolloverTokens)
}

func TestResolver_EnsureAllowance_ForceTokensAddsRollover(t *testing.T) {
	storage := memory.New()
	seedUsers(t, storage)
	seedPeriod(t, storage, "feb", "user2", testNow.AddDate(0, -1, 0), 1000, 970)
	resolver, _ := newTestResolver(t, storage)

	result, err := resolver.EnsureAllowance(context.Background(), "user2", allowance.WithForceTokens(50))
	require.NoError(t, err)
	assert.Equal(t, 30, result.RolloverTokens)
	assert.Equal(t, 80, result.Allowance.TokensGranted)
}

func TestResolver_EnsureAllowance_ExplicitWindowAndSource(t *testing.T) {
	storage := memory.New()
	seedUsers(t, storage)
	resolver, _ := newTestResolver(t, storage)
	ctx := context.Background()

	start := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	result, err := resolver.EnsureAllowance(ctx, "user1",
		allowance.WithWindow(start, end), allowance.WithSource("promo"))
	require.NoError(t, err)
	assert.Equal(t, start, result.Allowance.PeriodStart)
	assert.Equal(t, end, result.Allowance.PeriodEnd)
	assert.Equal(t, "promo", result.Allowance.Source)

	_, err = resolver.EnsureAllowance(ctx, "user2", allowance.WithWindow(end, start))
	assert.ErrorIs(t, err, allowance.ErrInvalidWindow)

	_, err = resolver.EnsureAllowance(ctx, "user2", allowance.WithForceTokens(-1))
	assert.ErrorIs(t, err, allowance.ErrInvalidAmount)

	_, err = resolver.EnsureAllowance(ctx, "")
	assert.ErrorIs(t, err, allowance.ErrInvalidUserID)
}

func TestResolver_EnsureAllowance_ExplicitWindowOverlapsExpired(t *testing.T) {
	storage := memory.New()
	seedUsers(t, storage)
	seedPeriod(t, storage, "feb", "user1", testNow.AddDate(0, -1, 0), 0, 0)
	resolver, _ := newTestResolver(t, storage)

	start := time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC)
	_, err := resolver.EnsureAllowance(context.Background(), "user1", allowance.WithWindow(start, end))
	assert.ErrorIs(t, err, allowance.ErrPeriodExists)
}

func TestResolver_EnsureAllowance_AfterUnalignedWindowExpired(t *testing.T) {
	storage := memory.New()
	seedUsers(t, storage)
	resolver, clock := newTestResolver(t, storage)
	ctx := context.Background()

	mar10 := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	apr10 := time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)
	clock.Set(time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC))
	first, err := resolver.EnsureAllowance(ctx, "user2", allowance.WithWindow(mar10, apr10))
	require.NoError(t, err)
	require.True(t, first.Created)

	clock.Set(time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC))
	for _, opts := range [][]allowance.EnsureOption{nil, {allowance.WithSkipRollover()}} {
		result, err := resolver.EnsureAllowance(ctx, "user2", opts...)
		require.NoError(t, err)
		assert.Equal(t, apr10, result.Allowance.PeriodStart)
		assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), result.Allowance.PeriodEnd)
		if opts == nil {
			assert.True(t, result.Created)
			assert.Equal(t, 300000, result.RolloverTokens)
		} else {
			assert.False(t, result.Created)
		}
	}

	current, err := resolver.CurrentAllowance(ctx, "user2")
	require.NoError(t, err)
	assert.Equal(t, apr10, current.PeriodStart)
}

func TestResolver_EnsureAllowance_SkipRolloverAfterUnalignedWindow(t *testing.T) {
	storage := memory.New()
	seedUsers(t, storage)
	resolver, clock := newTestResolver(t, storage)
	ctx := context.Background()

	mar20 := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	apr5 := time.Date(2024, 4, 5, 0, 0, 0, 0, time.UTC)
	_, err := resolver.EnsureAllowance(ctx, "user1", allowance.WithWindow(mar20, apr5))
	require.NoError(t, err)

	clock.Set(time.Date(2024, 4, 6, 0, 0, 0, 0, time.UTC))
	result, err := resolver.EnsureAllowance(ctx, "user1", allowance.WithSkipRollover())
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, apr5, result.Allowance.PeriodStart)
	assert.Equal(t, 0, result.RolloverTokens)
}

func TestResolver_EnsureAllowance_Metadata(t *testing.T) {
	storage := memory.New()
	seedUsers(t, storage)
	resolver, _ := newTestResolver(t, storage)

	result, err := resolver.EnsureAllowance(context.Background(), "user2", allowance.WithActor("admin"))
	require.NoError(t, err)
	meta := result.Allowance.Metadata
	assert.Equal(t, "admin", meta[allowance.MetaCreatedBy])
	assert.Equal(t, 300000, meta[allowance.MetaBaseTokens])
	assert.Equal(t, 0, meta[allowance.MetaRolloverTokens])
	assert.Equal(t, "premium", meta[allowance.MetaPlanType])
	assert.Equal(t, testNow.Format(time.RFC3339Nano), meta[allowance.MetaCreatedAt])
}

func TestResolver_EnsureAllowance_NewMonth(t *testing.T) {
	storage := memory.New()
	seedUsers(t, storage)
	resolver, clock := newTestResolver(t, storage)
	ctx := context.Background()

	march, err := resolver.EnsureAllowance(ctx, "user2")
	require.NoError(t, err)

	clock.Set(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	april, err := resolver.EnsureAllowance(ctx, "user2")
	require.NoError(t, err)
	assert.True(t, april.Created)
	assert.NotEqual(t, march.Allowance.ID, april.Allowance.ID)
	assert.Equal(t, 300000, april.RolloverTokens)
	assert.Equal(t, 600000, april.Allowance.TokensGranted)
}

func TestResolver_EnsureAllowance_Settings(t *testing.T) {
	storage := memory.New()
	seedUsers(t, storage)
	ctx := context.Background()
	require.NoError(t, storage.SetSetting(ctx, allowance.SettingTokensPerCredit, 100))
	require.NoError(t, storage.SetSetting(ctx, allowance.SettingCreditsFreePerMonth, 10))
	require.NoError(t, storage.SetSetting(ctx, allowance.SettingCreditsPremiumPerMonth, -5))
	resolver, _ := newTestResolver(t, storage)

	free, err := resolver.EnsureAllowance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 1000, free.BaseTokens)

	// Negative values fall back to the default for that key only.
	premium, err := resolver.EnsureAllowance(ctx, "user2")
	require.NoError(t, err)
	assert.Equal(t, 150000, premium.BaseTokens)
}

func TestResolver_EnsureAllowance_DependencyFallback(t *testing.T) {
	storage := memory.New()
	seedUsers(t, storage)
	flaky := &flakyProfiles{Storage: storage, failing: map[string]bool{"user2": true}}
	metrics := newCountingMetrics()
	resolver, _ := newTestResolver(t, flaky, func(c *allowance.Config) {
		c.Settings = failingSettings{}
		c.Metrics = metrics
	})

	result, err := resolver.EnsureAllowance(context.Background(), "user2")
	require.NoError(t, err)
	assert.Equal(t, allowance.SourceFreeTier, result.Allowance.Source)
	assert.Equal(t, 0, result.BaseTokens)
	assert.Equal(t, 1, metrics.fallbacks["plan"])
	assert.Equal(t, 1, metrics.fallbacks["settings"])
	assert.Equal(t, 1, metrics.outcomes["created"])
}

func TestResolver_EnsureAllowance_Concurrent(t *testing.T) {
	storage := memory.New()
	seedUsers(t, storage)
	resolver, _ := newTestResolver(t, storage)
	ctx := context.Background()

	const callers = 25
	results := make([]*allowance.AllowanceResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = resolver.EnsureAllowance(ctx, "user2")
		}(i)
	}
	wg.Wait()

	created := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Created {
			created++
		}
		assert.Equal(t, results[0].Allowance.ID, results[i].Allowance.ID)
	}
	assert.Equal(t, 1, created)

	periods, err := storage.ListPeriods(ctx, "user2", 0)
	require.NoError(t, err)
	assert.Len(t, periods, 1)
}

func TestResolver_EnsureAllowanceForCaller(t *testing.T) {
	storage := memory.New()
	seedUsers(t, storage)
	resolver, _ := newTestResolver(t, storage)
	ctx := context.Background()

	t.Run("unauthenticated", func(t *testing.T) {
		_, err := resolver.EnsureAllowanceForCaller(ctx, "", "")
		assert.ErrorIs(t, err, allowance.ErrUnauthenticated)

		_, err = resolver.EnsureAllowanceForCaller(ctx, "bogus", "")
		assert.ErrorIs(t, err, allowance.ErrUnauthenticated)
	})

	t.Run("own allowance", func(t *testing.T) {
		result, err := resolver.EnsureAllowanceForCaller(ctx, "token-user1", "")
		require.NoError(t, err)
		assert.Equal(t, "user1", result.Allowance.UserID)
		assert.Equal(t, "user1", result.Allowance.Metadata[allowance.MetaCreatedBy])
	})

	t.Run("non-admin targeting another user", func(t *testing.T) {
		_, err := resolver.EnsureAllowanceForCaller(ctx, "token-user1", "user2")
		assert.ErrorIs(t, err, allowance.ErrForbidden)

		periods, err := storage.ListPeriods(ctx, "user2", 0)
		require.NoError(t, err)
		assert.Empty(t, periods)
	})

	t.Run("non-admin override", func(t *testing.T) {
		_, err := resolver.EnsureAllowanceForCaller(ctx, "token-user2", "", allowance.WithForceTokens(1000000))
		assert.ErrorIs(t, err, allowance.ErrForbidden)
	})

	t.Run("admin targeting another user", func(t *testing.T) {
		result, err := resolver.EnsureAllowanceForCaller(ctx, "token-admin", "user2",
			allowance.WithForceTokens(10), allowance.WithSkipRollover())
		require.NoError(t, err)
		assert.True(t, result.Created)
		assert.Equal(t, "user2", result.Allowance.UserID)
		assert.Equal(t, 10, result.Allowance.TokensGranted)
		assert.Equal(t, "admin", result.Allowance.Metadata[allowance.MetaCreatedBy])
	})
}

func TestResolver_CurrentAllowanceAndListPeriods(t *testing.T) {
	storage := memory.New()
	seedUsers(t, storage)
	seedPeriod(t, storage, "feb", "user1", testNow.AddDate(0, -1, 0), 10, 0)
	resolver, _ := newTestResolver(t, storage)
	ctx := context.Background()

	_, err := resolver.CurrentAllowance(ctx, "user1")
	assert.ErrorIs(t, err, allowance.ErrPeriodNotFound)

	created, err := resolver.EnsureAllowance(ctx, "user1")
	require.NoError(t, err)

	current, err := resolver.CurrentAllowance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, created.Allowance.ID, current.ID)

	periods, err := resolver.ListPeriods(ctx, "user1", 0)
	require.NoError(t, err)
	require.Len(t, periods, 2)
	assert.Equal(t, created.Allowance.ID, periods[0].ID)

	_, err = resolver.ListPeriodsForCaller(ctx, "token-user2", "user1", 10)
	assert.ErrorIs(t, err, allowance.ErrForbidden)

	periods, err = resolver.ListPeriodsForCaller(ctx, "token-admin", "user1", 1)
	require.NoError(t, err)
	assert.Len(t, periods, 1)

	periods, err = resolver.ListPeriodsForCaller(ctx, "token-user1", "", 0)
	require.NoError(t, err)
	assert.Len(t, periods, 2)
}

func TestResolver_Cache(t *testing.T) {
	storage := memory.New()
	seedUsers(t, storage)
	resolver, clock := newTestResolver(t, storage, func(c *allowance.Config) {
		c.CacheConfig = &allowance.CacheConfig{Enabled: true, PlanTTL: time.Hour}
	})
	ctx := context.Background()

	_, err := resolver.EnsureAllowance(ctx, "user1")
	require.NoError(t, err)

	// A plan change is invisible until the cached entry expires or is invalidated.
	require.NoError(t, storage.SetPlan(ctx, "user1", allowance.PlanPremium))
	clock.Set(testNow.AddDate(0, 1, 0))
	april, err := resolver.EnsureAllowance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, allowance.SourceFreeTier, april.Allowance.Source)

	resolver.InvalidatePlan("user1")
	clock.Set(testNow.AddDate(0, 2, 0))
	may, err := resolver.EnsureAllowance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, allowance.SourceSubscription, may.Allowance.Source)
}

func TestResolver_CircuitBreaker(t *testing.T) {
	storage := memory.New()
	seedUsers(t, storage)
	resolver, _ := newTestResolver(t, storage, func(c *allowance.Config) {
		c.CircuitBreakerConfig = &allowance.CircuitBreakerConfig{Enabled: true, FailureThreshold: 2}
	})

	for i := 0; i < 3; i++ {
		result, err := resolver.EnsureAllowance(context.Background(), fmt.Sprintf("user%d", i+1))
		require.NoError(t, err)
		assert.NotNil(t, result.Allowance)
	}
}
