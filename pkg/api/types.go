package api

import (
	"time"

	"github.com/mihaimyh/goallowance/pkg/allowance"
)

// EnsureRequest is the body of POST /ensure-token-allowance.
// Every field is optional; an empty body ensures the caller's own allowance.
type EnsureRequest struct {
	UserID       string     `json:"user_id,omitempty"`
	PeriodStart  *time.Time `json:"period_start,omitempty"`
	PeriodEnd    *time.Time `json:"period_end,omitempty"`
	Source       string     `json:"source,omitempty"`
	ForceTokens  *int       `json:"force_tokens,omitempty"`
	SkipRollover bool       `json:"skip_rollover,omitempty"`
	BatchInit    bool       `json:"batch_init,omitempty"`
}

// CorrectionRequest is the body of PATCH /admin/token-allowance/periods/{id}
type CorrectionRequest struct {
	TokensGranted *int   `json:"tokens_granted"`
	TokensUsed    *int   `json:"tokens_used"`
	Reason        string `json:"reason,omitempty"`
}

// Allowance is the wire form of an allowance period
type Allowance struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	PeriodStart     time.Time      `json:"period_start"`
	PeriodEnd       time.Time      `json:"period_end"`
	TokensGranted   int            `json:"tokens_granted"`
	TokensUsed      int            `json:"tokens_used"`
	TokensRemaining int            `json:"tokens_remaining"`
	Source          string         `json:"source"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// EnsureResponse is returned for a single-user ensure
type EnsureResponse struct {
	Success        bool       `json:"success"`
	Created        bool       `json:"created"`
	Allowance      *Allowance `json:"allowance"`
	BaseTokens     int        `json:"base_tokens,omitempty"`
	RolloverTokens int        `json:"rollover_tokens,omitempty"`
}

// BatchSummary counts batch outcomes
type BatchSummary struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// BatchItem is the outcome for one user of a batch bootstrap
type BatchItem struct {
	UserID    string     `json:"user_id"`
	Status    string     `json:"status"`
	Allowance *Allowance `json:"allowance,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// BatchResponse is returned when batch_init is set
type BatchResponse struct {
	Success bool         `json:"success"`
	Summary BatchSummary `json:"summary"`
	Results []BatchItem  `json:"results"`
}

// PeriodsResponse lists a user's ledger history
type PeriodsResponse struct {
	Success bool        `json:"success"`
	Periods []Allowance `json:"periods"`
}

// CorrectionResponse is returned for an applied balance correction
type CorrectionResponse struct {
	Success        bool       `json:"success"`
	Allowance      *Allowance `json:"allowance"`
	Before         *Allowance `json:"before"`
	IdempotencyKey string     `json:"idempotency_key"`
	AuditWarning   string     `json:"audit_warning,omitempty"`
}

// AuditEntry is the wire form of an audit log entry
type AuditEntry struct {
	ID             string            `json:"id"`
	IdempotencyKey string            `json:"idempotency_key"`
	UserID         string            `json:"user_id"`
	PeriodID       string            `json:"period_id"`
	Action         string            `json:"action"`
	Actor          string            `json:"actor"`
	GrantedBefore  int               `json:"granted_before"`
	GrantedAfter   int               `json:"granted_after"`
	UsedBefore     int               `json:"used_before"`
	UsedAfter      int               `json:"used_after"`
	GrantedDelta   int               `json:"granted_delta"`
	UsedDelta      int               `json:"used_delta"`
	Reason         string            `json:"reason,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// AuditResponse lists audit entries, newest first
type AuditResponse struct {
	Success bool         `json:"success"`
	Entries []AuditEntry `json:"entries"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func toAllowance(p *allowance.AllowancePeriod) *Allowance {
	if p == nil {
		return nil
	}
	return &Allowance{
		ID:              p.ID,
		UserID:          p.UserID,
		PeriodStart:     p.PeriodStart,
		PeriodEnd:       p.PeriodEnd,
		TokensGranted:   p.TokensGranted,
		TokensUsed:      p.TokensUsed,
		TokensRemaining: p.Remaining(),
		Source:          p.Source,
		Metadata:        p.Metadata,
	}
}

func toBatchResponse(result *allowance.BatchResult) BatchResponse {
	items := make([]BatchItem, 0, len(result.Results))
	for _, item := range result.Results {
		items = append(items, BatchItem{
			UserID:    item.UserID,
			Status:    string(item.Status),
			Allowance: toAllowance(item.Allowance),
			Error:     item.Error,
		})
	}
	return BatchResponse{
		Success: true,
		Summary: BatchSummary{
			Created: result.Summary.Created,
			Skipped: result.Summary.Skipped,
			Errors:  result.Summary.Errors,
		},
		Results: items,
	}
}

func toAuditEntry(e *allowance.AuditLogEntry) AuditEntry {
	return AuditEntry{
		ID:             e.ID,
		IdempotencyKey: e.IdempotencyKey,
		UserID:         e.UserID,
		PeriodID:       e.PeriodID,
		Action:         e.Action,
		Actor:          e.Actor,
		GrantedBefore:  e.GrantedBefore,
		GrantedAfter:   e.GrantedAfter,
		UsedBefore:     e.UsedBefore,
		UsedAfter:      e.UsedAfter,
		GrantedDelta:   e.GrantedDelta,
		UsedDelta:      e.UsedDelta,
		Reason:         e.Reason,
		Timestamp:      e.Timestamp,
		Metadata:       e.Metadata,
	}
}
