package allowance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// CorrectBalance overwrites TokensGranted and TokensUsed of an existing period
// on behalf of an administrator, bypassing rollover recomputation. The audit
// record is written exactly once; if that write fails the correction still
// stands and CorrectionResult.AuditWarning says so.
func (r *Resolver) CorrectBalance(ctx context.Context, c BalanceCorrection) (*CorrectionResult, error) {
	if c.TokensGranted < 0 || c.TokensUsed < 0 {
		return nil, fmt.Errorf("%w: balances must not be negative", ErrInvalidAmount)
	}
	if c.PeriodID == "" {
		return nil, ErrPeriodNotFound
	}

	period, err := r.ledger.GetPeriod(ctx, c.PeriodID)
	if err != nil {
		return nil, fmt.Errorf("failed to get period: %w", err)
	}
	if err := r.authorize(ctx, c.AdminID, ActionCorrectBalance, period.UserID); err != nil {
		r.metrics.RecordCorrection(false)
		return nil, err
	}

	started := time.Now()
	change, err := r.ledger.UpdateBalance(ctx, &BalanceUpdate{
		PeriodID:      c.PeriodID,
		TokensGranted: c.TokensGranted,
		TokensUsed:    c.TokensUsed,
	})
	r.metrics.RecordStorageOperation("update_balance", time.Since(started), err)
	if err != nil {
		r.metrics.RecordCorrection(false)
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	key := uuid.NewString()
	result := &CorrectionResult{
		Allowance:      change.After,
		Before:         change.Before,
		IdempotencyKey: key,
	}

	entry := newCorrectionEntry(key, c, change, r.now().UTC())
	switch {
	case r.audit == nil:
		result.AuditWarning = "balance corrected but no audit log is configured"
	default:
		if err := r.audit.LogAuditEntry(ctx, entry); err != nil {
			result.AuditWarning = fmt.Sprintf("balance corrected but audit record failed: %v", err)
		}
	}
	if result.AuditWarning != "" {
		r.metrics.RecordAuditFailure(AuditActionBalanceCorrection)
		r.logger.Warn("audit write failed for balance correction",
			Field{"periodId", c.PeriodID},
			Field{"admin", c.AdminID},
			Field{"idempotencyKey", key},
			Field{"warning", result.AuditWarning},
		)
	}

	r.metrics.RecordCorrection(true)
	r.logger.Info("allowance balance corrected",
		Field{"periodId", c.PeriodID},
		Field{"userId", change.After.UserID},
		Field{"admin", c.AdminID},
		Field{"grantedDelta", entry.GrantedDelta},
		Field{"usedDelta", entry.UsedDelta},
	)

	return result, nil
}

// CorrectBalanceForCaller authenticates token and applies c with the caller as admin
func (r *Resolver) CorrectBalanceForCaller(ctx context.Context, token string,
	c BalanceCorrection) (*CorrectionResult, error) {
	caller, err := r.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	c.AdminID = caller
	return r.CorrectBalance(ctx, c)
}

// AuditLogs returns audit entries matching filter
func (r *Resolver) AuditLogs(ctx context.Context, filter AuditLogFilter) ([]*AuditLogEntry, error) {
	if r.audit == nil {
		return []*AuditLogEntry{}, nil
	}
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	entries, err := r.audit.GetAuditLogs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit logs: %w", err)
	}
	return entries, nil
}

// AuditLogsForCaller returns audit entries on behalf of the bearer of token.
// Reading entries of other users, or of all users, needs ActionReadLedger.
func (r *Resolver) AuditLogsForCaller(ctx context.Context, token string,
	filter AuditLogFilter) ([]*AuditLogEntry, error) {
	caller, err := r.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, caller, ActionReadLedger, filter.UserID); err != nil {
		return nil, err
	}
	return r.AuditLogs(ctx, filter)
}

func newCorrectionEntry(key string, c BalanceCorrection, change *BalanceChange, now time.Time) *AuditLogEntry {
	before, after := change.Before, change.After
	return &AuditLogEntry{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		UserID:         after.UserID,
		PeriodID:       after.ID,
		Action:         AuditActionBalanceCorrection,
		Actor:          c.AdminID,
		GrantedBefore:  before.TokensGranted,
		GrantedAfter:   after.TokensGranted,
		UsedBefore:     before.TokensUsed,
		UsedAfter:      after.TokensUsed,
		GrantedDelta:   after.TokensGranted - before.TokensGranted,
		UsedDelta:      after.TokensUsed - before.TokensUsed,
		Reason:         c.Reason,
		Timestamp:      now,
		Metadata: map[string]string{
			"remainingBefore": strconv.Itoa(before.Remaining()),
			"remainingAfter":  strconv.Itoa(after.Remaining()),
		},
	}
}
