package allowance

import "time"

// Metrics defines the interface for tracking allowance operations.
type Metrics interface {
	// RecordEnsure records the outcome of an ensure call ("created", "exists", "error").
	RecordEnsure(outcome, source string, duration time.Duration)

	// RecordGrant records the base and rollover tokens of a created period.
	RecordGrant(plan PlanType, baseTokens, rolloverTokens int)

	// RecordBatch records the summary of a batch bootstrap run.
	RecordBatch(summary BatchSummary, duration time.Duration)

	// RecordCorrection records an admin balance correction attempt.
	RecordCorrection(success bool)

	// RecordAuditFailure records an audit write that failed.
	RecordAuditFailure(action string)

	// RecordDependencyFallback records a plan or settings read that fell back to defaults.
	RecordDependencyFallback(dependency string)

	// RecordCacheHit records a cache hit for a specific cache type (e.g., "settings", "plan").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a specific cache type.
	RecordCacheMiss(cacheType string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEnsure(outcome, source string, duration time.Duration)                {}
func (n *NoopMetrics) RecordGrant(plan PlanType, baseTokens, rolloverTokens int)                  {}
func (n *NoopMetrics) RecordBatch(summary BatchSummary, duration time.Duration)                   {}
func (n *NoopMetrics) RecordCorrection(success bool)                                              {}
func (n *NoopMetrics) RecordAuditFailure(action string)                                           {}
func (n *NoopMetrics) RecordDependencyFallback(dependency string)                                 {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                            {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                           {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
