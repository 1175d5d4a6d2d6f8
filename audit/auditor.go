// Package audit implements the consistency auditor: periodic cross-tier
// reconciliation producing a persisted health report, with optional bounded
// cleanup of orphaned vectors and expired conversation sessions.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/memtier/internal/metrics"
	"github.com/BaSui01/memtier/store"
	"github.com/BaSui01/memtier/types"
)

// CollectionReports holds persisted reconciliation reports.
const CollectionReports = "memory_audits"

// cacheKeyClasses are the key prefixes counted per class during the cache
// tier census.
var cacheKeyClasses = []string{"conversation", "message", "message_ids", "chat", "cache"}

// embeddableDocTypes are the record collections expected to carry a same-id
// vector tier entry per document.
var embeddableDocTypes = []string{"conversations", "documents", "knowledge"}

// reportSampleLimit bounds each inconsistency sample embedded in a report.
const reportSampleLimit = 10

// conversationDeltaTolerance is the allowed relative drift between cache and
// record conversation counts before health degrades.
const conversationDeltaTolerance = 0.10

// Config configures the consistency auditor.
type Config struct {
	// ExpiryDays is the conversation staleness cutoff.
	ExpiryDays int `yaml:"expiry_days" json:"expiry_days"`

	// SampleSize bounds the orphan and missing-embedding scans.
	SampleSize int `yaml:"sample_size" json:"sample_size"`
}

// DefaultConfig returns the default auditor configuration.
func DefaultConfig() Config {
	return Config{
		ExpiryDays: 30,
		SampleSize: 100,
	}
}

// Auditor reconciles the three storage tiers. Each Run is independent and
// idempotent at the report level.
type Auditor struct {
	cache   store.CacheTier
	records store.RecordTier
	vectors store.VectorTier
	metrics *metrics.Collector
	config  Config
	logger  *zap.Logger
	now     func() time.Time
}

// Option customizes an Auditor.
type Option func(*Auditor)

// WithMetrics installs a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(a *Auditor) { a.metrics = m }
}

// WithClock overrides the clock for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Auditor) { a.now = now }
}

// NewAuditor creates a consistency auditor over the given tiers.
func NewAuditor(cache store.CacheTier, records store.RecordTier, vectors store.VectorTier, config Config, logger *zap.Logger, opts ...Option) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if config.ExpiryDays <= 0 {
		config.ExpiryDays = defaults.ExpiryDays
	}
	if config.SampleSize <= 0 {
		config.SampleSize = defaults.SampleSize
	}

	a := &Auditor{
		cache:   cache,
		records: records,
		vectors: vectors,
		config:  config,
		logger:  logger.With(zap.String("component", "consistency_auditor")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CountCacheKeys counts cache tier keys per recognized key class.
func (a *Auditor) CountCacheKeys(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, len(cacheKeyClasses))
	for _, class := range cacheKeyClasses {
		keys, err := a.cache.Keys(ctx, class+":*")
		if err != nil {
			return nil, fmt.Errorf("cache key scan for %q failed: %w", class, err)
		}
		counts[class] = len(keys)
	}
	return counts, nil
}

// CountRecords counts record tier documents per collection.
func (a *Auditor) CountRecords(ctx context.Context) (map[string]int, error) {
	collections, err := a.records.Collections(ctx)
	if err != nil {
		return nil, fmt.Errorf("collection listing failed: %w", err)
	}
	counts := make(map[string]int, len(collections))
	for _, collection := range collections {
		n, err := a.records.Count(ctx, collection)
		if err != nil {
			return nil, fmt.Errorf("record count for %q failed: %w", collection, err)
		}
		counts[collection] = n
	}
	return counts, nil
}

// DetectOrphanedVectors samples vector tier entries carrying a back-reference
// and flags those whose record tier document is gone.
func (a *Auditor) DetectOrphanedVectors(ctx context.Context) ([]types.OrphanedVector, error) {
	entries, err := a.vectors.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("vector enumeration failed: %w", err)
	}

	var orphans []types.OrphanedVector
	checked := 0
	for _, ent := range entries {
		if checked >= a.config.SampleSize {
			break
		}
		if ent.Meta.DocType == "" || ent.Meta.RefID == "" {
			continue
		}
		checked++

		var doc map[string]any
		err := a.records.Get(ctx, ent.Meta.DocType+"/"+ent.Meta.RefID, &doc)
		if err == nil {
			continue
		}
		if !types.IsCode(err, types.ErrNotFound) {
			return nil, fmt.Errorf("orphan check for %s failed: %w", ent.ID, err)
		}
		orphans = append(orphans, types.OrphanedVector{
			VectorID: ent.ID,
			DocType:  ent.Meta.DocType,
			RefID:    ent.Meta.RefID,
		})
	}
	return orphans, nil
}

// docRef decodes just the id of an arbitrary record tier document.
type docRef struct {
	ID string `bson:"_id" json:"id"`
}

// DetectMissingEmbeddings samples embeddable record collections and flags
// documents with no same-id vector tier entry. Findings are reported only;
// backfilling embeddings is a manual operation.
func (a *Auditor) DetectMissingEmbeddings(ctx context.Context) ([]types.MissingEmbedding, error) {
	var missing []types.MissingEmbedding
	for _, docType := range embeddableDocTypes {
		var docs []docRef
		if err := a.records.Query(ctx, docType, nil, a.config.SampleSize, &docs); err != nil {
			return nil, fmt.Errorf("embedding scan for %q failed: %w", docType, err)
		}
		for _, doc := range docs {
			if doc.ID == "" {
				continue
			}
			_, found, err := a.vectors.Get(ctx, doc.ID)
			if err != nil {
				return nil, fmt.Errorf("vector lookup for %s failed: %w", doc.ID, err)
			}
			if !found {
				missing = append(missing, types.MissingEmbedding{
					DocType: docType,
					DocID:   doc.ID,
				})
			}
		}
	}
	return missing, nil
}

// sessionState is the fragment of a cached conversation the staleness check
// reads.
type sessionState struct {
	UpdatedAt time.Time `json:"updated_at"`
}

// DetectExpiredSessions scans cached conversations and collects ids whose
// updated_at is older than the expiry cutoff. Expired sessions are expected
// churn and never degrade health on their own.
func (a *Auditor) DetectExpiredSessions(ctx context.Context) ([]string, error) {
	keys, err := a.cache.Keys(ctx, "conversation:*")
	if err != nil {
		return nil, fmt.Errorf("conversation key scan failed: %w", err)
	}

	cutoff := a.now().AddDate(0, 0, -a.config.ExpiryDays)
	var expired []string
	for _, key := range keys {
		var session sessionState
		if err := a.cache.Get(ctx, key, &session); err != nil {
			// Raced expiry or an unreadable payload; either way not ours
			// to report.
			continue
		}
		if session.UpdatedAt.IsZero() || !session.UpdatedAt.Before(cutoff) {
			continue
		}
		expired = append(expired, strings.TrimPrefix(key, "conversation:"))
	}
	return expired, nil
}

// Run executes a full reconciliation pass: per-tier census, the three
// detectors, optional bounded cleanup, then report generation. The report is
// persisted under memory_audits/<report_id> and returned.
//
// Cleanup only ever removes orphaned vectors and expired conversation
// sessions. Missing embeddings are reported, never auto-backfilled.
func (a *Auditor) Run(ctx context.Context, performCleanup bool) (*types.ReconciliationReport, error) {
	start := a.now()

	cacheCounts, err := a.CountCacheKeys(ctx)
	if err != nil {
		return nil, err
	}
	recordCounts, err := a.CountRecords(ctx)
	if err != nil {
		return nil, err
	}
	vectorStats, err := a.vectors.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("vector stats failed: %w", err)
	}

	orphans, err := a.DetectOrphanedVectors(ctx)
	if err != nil {
		return nil, err
	}
	missing, err := a.DetectMissingEmbeddings(ctx)
	if err != nil {
		return nil, err
	}
	expired, err := a.DetectExpiredSessions(ctx)
	if err != nil {
		return nil, err
	}

	var cleanup *types.CleanupResults
	if performCleanup {
		cleanup = a.cleanupFindings(ctx, orphans, expired)
	}

	report := a.buildReport(start, cacheCounts, recordCounts, vectorStats, orphans, missing, expired, cleanup)

	if err := a.records.Save(ctx, CollectionReports+"/"+report.ReportID, report); err != nil {
		// The run itself succeeded; a report that cannot be persisted is
		// still worth returning.
		a.logger.Warn("report persist failed", zap.String("report_id", report.ReportID), zap.Error(err))
	}

	if a.metrics != nil {
		a.metrics.RecordAuditRun(string(report.HealthStatus), a.now().Sub(start))
	}
	a.logger.Info("reconciliation run completed",
		zap.String("report_id", report.ReportID),
		zap.String("health_status", string(report.HealthStatus)),
		zap.Int("orphaned_vectors", len(orphans)),
		zap.Int("missing_embeddings", len(missing)),
		zap.Int("expired_sessions", len(expired)),
	)
	return report, nil
}

// cleanupFindings deletes detected orphan vectors and expired conversation
// keys, continuing past individual failures.
func (a *Auditor) cleanupFindings(ctx context.Context, orphans []types.OrphanedVector, expired []string) *types.CleanupResults {
	results := &types.CleanupResults{}

	for _, orphan := range orphans {
		if _, err := a.vectors.Delete(ctx, orphan.VectorID); err != nil {
			a.logger.Warn("orphan vector delete failed",
				zap.String("vector_id", orphan.VectorID), zap.Error(err))
			continue
		}
		results.VectorsDeleted++
	}
	if a.metrics != nil && results.VectorsDeleted > 0 {
		a.metrics.RecordVectorsDeleted("orphan", results.VectorsDeleted)
	}

	for _, id := range expired {
		if err := a.cache.Delete(ctx, "conversation:"+id); err != nil {
			a.logger.Warn("expired session delete failed",
				zap.String("session_id", id), zap.Error(err))
			continue
		}
		results.SessionsCleaned++
	}
	return results
}

// buildReport aggregates counts and truncated samples into a report and
// applies the health rules.
func (a *Auditor) buildReport(
	timestamp time.Time,
	cacheCounts, recordCounts map[string]int,
	vectorStats *types.VectorStats,
	orphans []types.OrphanedVector,
	missing []types.MissingEmbedding,
	expired []string,
	cleanup *types.CleanupResults,
) *types.ReconciliationReport {
	cacheTotal := 0
	for _, n := range cacheCounts {
		cacheTotal += n
	}
	recordTotal := 0
	for _, n := range recordCounts {
		recordTotal += n
	}

	report := &types.ReconciliationReport{
		ReportID:  reportID(timestamp),
		Timestamp: timestamp,
		Summary: types.ReportSummary{
			CacheTotal:        cacheTotal,
			RecordTotal:       recordTotal,
			VectorTotal:       vectorStats.Total,
			OrphanedVectors:   len(orphans),
			MissingEmbeddings: len(missing),
			ExpiredSessions:   len(expired),
		},
		Details: types.ReportDetails{
			CacheCounts:  cacheCounts,
			RecordCounts: recordCounts,
			VectorStats:  *vectorStats,
		},
		Inconsistencies: types.ReportSamples{
			OrphanedVectors:   truncateOrphans(orphans),
			MissingEmbeddings: truncateMissing(missing),
			ExpiredSessions:   truncateStrings(expired),
		},
		HealthStatus:   types.HealthHealthy,
		Issues:         []string{},
		CleanupResults: cleanup,
	}

	if len(orphans) > 0 {
		report.HealthStatus = types.HealthWarning
		report.Issues = append(report.Issues,
			fmt.Sprintf("%d orphaned vectors detected", len(orphans)))
	}
	if len(missing) > 0 {
		report.HealthStatus = types.HealthWarning
		report.Issues = append(report.Issues,
			fmt.Sprintf("%d documents missing embeddings", len(missing)))
	}

	cacheConversations := cacheCounts["conversation"]
	recordConversations := recordCounts["conversations"]
	delta := cacheConversations - recordConversations
	if delta < 0 {
		delta = -delta
	}
	// With zero canonical conversations the tolerance is zero: any cached
	// conversation then points at data the record tier has lost.
	drift := delta > 0
	if recordConversations > 0 {
		drift = float64(delta) > conversationDeltaTolerance*float64(recordConversations)
	}
	if drift {
		report.HealthStatus = types.HealthWarning
		report.Issues = append(report.Issues,
			fmt.Sprintf("conversation count drift: cache=%d record=%d",
				cacheConversations, recordConversations))
	}

	// Informational only: expired sessions are expected churn and never
	// change the verdict.
	if len(expired) > 0 {
		report.Issues = append(report.Issues,
			fmt.Sprintf("%d expired sessions found (informational)", len(expired)))
	}

	return report
}

// reportID builds a dated, collision-free report key.
func reportID(timestamp time.Time) string {
	return fmt.Sprintf("audit_%s_%s",
		timestamp.UTC().Format("20060102T150405"),
		uuid.NewString()[:8])
}

func truncateOrphans(orphans []types.OrphanedVector) []types.OrphanedVector {
	if len(orphans) > reportSampleLimit {
		orphans = orphans[:reportSampleLimit]
	}
	return orphans
}

func truncateMissing(missing []types.MissingEmbedding) []types.MissingEmbedding {
	if len(missing) > reportSampleLimit {
		missing = missing[:reportSampleLimit]
	}
	return missing
}

func truncateStrings(values []string) []string {
	if len(values) > reportSampleLimit {
		values = values[:reportSampleLimit]
	}
	return values
}
