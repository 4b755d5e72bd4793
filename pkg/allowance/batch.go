package allowance

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// BatchEnsure ensures an active period for every user in the profile store.
// Per-user failures are recorded in the result and never abort the batch;
// only a failure to enumerate users is returned as an error. Re-running the
// batch is safe: users with an active period are reported as existing.
func (r *Resolver) BatchEnsure(ctx context.Context) (*BatchResult, error) {
	started := time.Now()

	userIDs, err := r.profiles.ListUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	items := make([]BatchItem, len(userIDs))

	var g errgroup.Group
	g.SetLimit(r.batchConcurrency)
	for i, userID := range userIDs {
		g.Go(func() error {
			items[i] = r.batchOne(ctx, userID)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors

	result := &BatchResult{Results: items}
	for _, item := range items {
		switch item.Status {
		case BatchStatusCreated:
			result.Summary.Created++
		case BatchStatusExists:
			result.Summary.Skipped++
		default:
			result.Summary.Errors++
		}
	}

	r.metrics.RecordBatch(result.Summary, time.Since(started))
	r.logger.Info("batch allowance bootstrap finished",
		Field{"users", len(userIDs)},
		Field{"created", result.Summary.Created},
		Field{"skipped", result.Summary.Skipped},
		Field{"errors", result.Summary.Errors},
		Field{"duration", time.Since(started)},
	)

	return result, nil
}

// EnsureBatchForCaller authenticates token, checks the batch privilege and runs BatchEnsure
func (r *Resolver) EnsureBatchForCaller(ctx context.Context, token string) (*BatchResult, error) {
	caller, err := r.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, caller, ActionBatchInit, ""); err != nil {
		return nil, err
	}
	r.logger.Info("batch allowance bootstrap requested", Field{"caller", caller})
	return r.BatchEnsure(ctx)
}

func (r *Resolver) batchOne(ctx context.Context, userID string) (item BatchItem) {
	item.UserID = userID
	started := time.Now()

	defer func() {
		if p := recover(); p != nil {
			item.Status = BatchStatusError
			item.Allowance = nil
			item.Error = fmt.Sprintf("panic: %v", p)
			r.logger.Error("batch allowance panicked", Field{"userId", userID}, Field{"panic", p})
		}
	}()

	if userID == "" {
		item.Status = BatchStatusError
		item.Error = ErrInvalidUserID.Error()
		return item
	}

	result, err := r.ensure(ctx, userID, EnsureOptions{Actor: ActorBatch}, true)
	r.recordEnsure(result, err, started)
	if err != nil {
		r.logger.Warn("batch allowance failed",
			Field{"userId", userID},
			Field{"error", err.Error()},
		)
		item.Status = BatchStatusError
		item.Error = err.Error()
		return item
	}

	item.Allowance = result.Allowance
	item.Status = BatchStatusExists
	if result.Created {
		item.Status = BatchStatusCreated
	}
	return item
}
