package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/goallowance/pkg/allowance"
)

// Metrics implements allowance.Metrics using Prometheus.
type Metrics struct {
	ensureTotal                *prometheus.CounterVec
	ensureDuration             *prometheus.HistogramVec
	grantedTokens              *prometheus.HistogramVec
	rolloverTokens             *prometheus.HistogramVec
	batchUsersTotal            *prometheus.CounterVec
	batchDuration              prometheus.Histogram
	correctionsTotal           *prometheus.CounterVec
	auditFailuresTotal         *prometheus.CounterVec
	dependencyFallbackTotal    *prometheus.CounterVec
	cacheHitsTotal             *prometheus.CounterVec
	cacheMissesTotal           *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

var tokenBuckets = []float64{0, 1000, 10000, 50000, 100000, 300000, 600000, 1000000}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ensureTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allowance_ensure_total",
			Help:      "Total number of ensure calls by outcome.",
		}, []string{"outcome", "source"}),

		ensureDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "allowance_ensure_duration_seconds",
			Help:      "Latency of ensure calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),

		grantedTokens: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "allowance_base_tokens",
			Help:      "Distribution of base tokens granted on period creation.",
			Buckets:   tokenBuckets,
		}, []string{"plan"}),

		rolloverTokens: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "allowance_rollover_tokens",
			Help:      "Distribution of rollover tokens carried into new periods.",
			Buckets:   tokenBuckets,
		}, []string{"plan"}),

		batchUsersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allowance_batch_users_total",
			Help:      "Total number of users processed by batch bootstrap.",
		}, []string{"status"}),

		batchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "allowance_batch_duration_seconds",
			Help:      "Duration of batch bootstrap runs.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),

		correctionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allowance_corrections_total",
			Help:      "Total number of admin balance corrections.",
		}, []string{"success"}),

		auditFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Total number of audit records that could not be written.",
		}, []string{"action"}),

		dependencyFallbackTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dependency_fallback_total",
			Help:      "Total number of plan or settings reads that fell back to defaults.",
		}, []string{"dependency"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		}, []string{"type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		}, []string{"type"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

// DefaultMetrics registers metrics on the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

func (m *Metrics) RecordEnsure(outcome, source string, duration time.Duration) {
	m.ensureTotal.WithLabelValues(outcome, source).Inc()
	m.ensureDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) RecordGrant(plan allowance.PlanType, baseTokens, rolloverTokens int) {
	m.grantedTokens.WithLabelValues(string(plan)).Observe(float64(baseTokens))
	m.rolloverTokens.WithLabelValues(string(plan)).Observe(float64(rolloverTokens))
}

func (m *Metrics) RecordBatch(summary allowance.BatchSummary, duration time.Duration) {
	m.batchUsersTotal.WithLabelValues(string(allowance.BatchStatusCreated)).Add(float64(summary.Created))
	m.batchUsersTotal.WithLabelValues(string(allowance.BatchStatusExists)).Add(float64(summary.Skipped))
	m.batchUsersTotal.WithLabelValues(string(allowance.BatchStatusError)).Add(float64(summary.Errors))
	m.batchDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordCorrection(success bool) {
	m.correctionsTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func (m *Metrics) RecordAuditFailure(action string) {
	m.auditFailuresTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) RecordDependencyFallback(dependency string) {
	m.dependencyFallbackTotal.WithLabelValues(dependency).Inc()
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

var _ allowance.Metrics = (*Metrics)(nil)
