package allowance_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goallowance/pkg/allowance"
	"github.com/mihaimyh/goallowance/storage/memory"
)

func TestResolver_BatchEnsure(t *testing.T) {
	storage := memory.New()
	seedUsers(t, storage)
	metrics := newCountingMetrics()
	resolver, _ := newTestResolver(t, storage, func(c *allowance.Config) {
		c.Metrics = metrics
	})
	ctx := context.Background()

	_, err := resolver.EnsureAllowance(ctx, "user1")
	require.NoError(t, err)

	result, err := resolver.BatchEnsure(ctx)
	require.NoError(t, err)
	assert.Equal(t, allowance.BatchSummary{Created: 2, Skipped: 1, Errors: 0}, result.Summary)

	// Results keep the profile enumeration order.
	require.Len(t, result.Results, 3)
	assert.Equal(t, "admin", result.Results[0].UserID)
	assert.Equal(t, allowance.BatchStatusCreated, result.Results[0].Status)
	assert.Equal(t, "user1", result.Results[1].UserID)
	assert.Equal(t, allowance.BatchStatusExists, result.Results[1].Status)
	assert.Equal(t, allowance.ActorBatch, result.Results[2].Allowance.Metadata[allowance.MetaCreatedBy])

	again, err := resolver.BatchEnsure(ctx)
	require.NoError(t, err)
	assert.Equal(t, allowance.BatchSummary{Skipped: 3}, again.Summary)
	assert.Len(t, metrics.batches, 2)
}

func TestResolver_BatchEnsure_Isolation(t *testing.T) {
	storage := memory.New()
	ctx := context.Background()
	require.NoError(t, storage.SetPlan(ctx, "userA", allowance.PlanPremium))
	require.NoError(t, storage.SetPlan(ctx, "userB", allowance.PlanPremium))
	flaky := &flakyProfiles{Storage: storage, failing: map[string]bool{"userA": true}}
	resolver, _ := newTestResolver(t, flaky)

	result, err := resolver.BatchEnsure(ctx)
	require.NoError(t, err)
	assert.Equal(t, allowance.BatchSummary{Created: 1, Errors: 1}, result.Summary)

	assert.Equal(t, allowance.BatchStatusError, result.Results[0].Status)
	assert.Contains(t, result.Results[0].Error, errRegistryDown.Error())
	assert.Nil(t, result.Results[0].Allowance)

	// A failed plan lookup in batch mode never grants the free tier.
	periods, err := storage.ListPeriods(ctx, "userA", 0)
	require.NoError(t, err)
	assert.Empty(t, periods)

	period, err := storage.GetActivePeriod(ctx, "userB", testNow)
	require.NoError(t, err)
	require.NotNil(t, period)
	assert.Equal(t, 300000, period.TokensGranted)
}

func TestResolver_BatchEnsure_Concurrency(t *testing.T) {
	storage := memory.New()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, storage.SetPlan(ctx, fmt.Sprintf("user%02d", i), allowance.PlanPremium))
	}
	resolver, _ := newTestResolver(t, storage, func(c *allowance.Config) {
		c.BatchConcurrency = 8
	})

	result, err := resolver.BatchEnsure(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, result.Summary.Created)
	for i, item := range result.Results {
		assert.Equal(t, fmt.Sprintf("user%02d", i), item.UserID)
	}
}

func TestResolver_EnsureBatchForCaller(t *testing.T) {
	storage := memory.New()
	seedUsers(t, storage)
	ctx := context.Background()

	t.Run("admin only by default", func(t *testing.T) {
		resolver, _ := newTestResolver(t, storage)

		_, err := resolver.EnsureBatchForCaller(ctx, "")
		assert.ErrorIs(t, err, allowance.ErrUnauthenticated)

		_, err = resolver.EnsureBatchForCaller(ctx, "token-user1")
		assert.ErrorIs(t, err, allowance.ErrForbidden)

		result, err := resolver.EnsureBatchForCaller(ctx, "token-admin")
		require.NoError(t, err)
		assert.Len(t, result.Results, 3)
	})

	t.Run("open batch init", func(t *testing.T) {
		resolver, _ := newTestResolver(t, storage, func(c *allowance.Config) {
			c.Authorizer = &allowance.RoleAuthorizer{Roles: storage, OpenBatchInit: true}
		})

		result, err := resolver.EnsureBatchForCaller(ctx, "token-user1")
		require.NoError(t, err)
		assert.Equal(t, 3, result.Summary.Skipped)
	})
}
