// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates Prometheus metrics for the memory system.
type Collector struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	tierErrors *prometheus.CounterVec

	itemsPruned    prometheus.Counter
	vectorsDeleted *prometheus.CounterVec

	auditRuns     *prometheus.CounterVec
	auditDuration prometheus.Histogram

	logger *zap.Logger
}

// NewCollector creates a metrics collector under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_operations_total",
			Help:      "Total number of memory coordinator operations",
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_operation_duration_seconds",
			Help:      "Memory coordinator operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache tier hits",
		},
		[]string{"lookup"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache tier misses",
		},
		[]string{"lookup"},
	)

	c.tierErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_errors_total",
			Help:      "Total number of swallowed non-authoritative tier failures",
		},
		[]string{"tier", "operation"},
	)

	c.itemsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_pruned_total",
			Help:      "Total number of memory items archived by pruning",
		},
	)

	c.vectorsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vectors_deleted_total",
			Help:      "Total number of vectors deleted by maintenance",
		},
		[]string{"reason"},
	)

	c.auditRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_runs_total",
			Help:      "Total number of reconciliation runs",
		},
		[]string{"health_status"},
	)

	c.auditDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audit_duration_seconds",
			Help:      "Reconciliation run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordOperation records a coordinator operation outcome.
func (c *Collector) RecordOperation(operation, status string, duration time.Duration) {
	c.operationsTotal.WithLabelValues(operation, status).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCacheHit records a cache tier hit for the given lookup class.
func (c *Collector) RecordCacheHit(lookup string) {
	c.cacheHits.WithLabelValues(lookup).Inc()
}

// RecordCacheMiss records a cache tier miss for the given lookup class.
func (c *Collector) RecordCacheMiss(lookup string) {
	c.cacheMisses.WithLabelValues(lookup).Inc()
}

// RecordTierError records a swallowed non-authoritative tier failure.
func (c *Collector) RecordTierError(tier, operation string) {
	c.tierErrors.WithLabelValues(tier, operation).Inc()
}

// RecordPruned records archived items.
func (c *Collector) RecordPruned(count int) {
	c.itemsPruned.Add(float64(count))
}

// RecordVectorsDeleted records maintenance deletions by reason.
func (c *Collector) RecordVectorsDeleted(reason string, count int) {
	c.vectorsDeleted.WithLabelValues(reason).Add(float64(count))
}

// RecordAuditRun records a completed reconciliation run.
func (c *Collector) RecordAuditRun(healthStatus string, duration time.Duration) {
	c.auditRuns.WithLabelValues(healthStatus).Inc()
	c.auditDuration.Observe(duration.Seconds())
}
