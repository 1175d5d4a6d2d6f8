// Package janitor implements vector tier retention maintenance: duplicate
// detection, orphan detection, and safety-bounded cleanup.
package janitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memtier/internal/metrics"
	"github.com/BaSui01/memtier/store"
	"github.com/BaSui01/memtier/types"
)

// estimatedBytesPerVector is the fixed storage estimate used when reporting
// reclaimable space. Embedding dimensionality varies per deployment, so this
// is an order-of-magnitude figure, not an exact measurement.
const estimatedBytesPerVector = 1024

// Cleanup result statuses.
const (
	StatusCompleted = "completed"
	StatusDryRun    = "dry_run"
	StatusAborted   = "aborted"
)

// ReasonSafetyThreshold is set on aborted cleanups that tripped the deletion
// percentage bound.
const ReasonSafetyThreshold = "safety_threshold_exceeded"

// Config configures the retention janitor.
type Config struct {
	// SimilarityThreshold marks vector pairs at or above it as duplicates.
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold"`

	// MaxDeletionPercentage aborts cleanup when the flagged share of the
	// vector population exceeds it.
	MaxDeletionPercentage float64 `yaml:"max_deletion_percentage" json:"max_deletion_percentage"`

	// DryRun analyzes and reports without deleting.
	DryRun bool `yaml:"dry_run" json:"dry_run"`

	// BatchSize bounds the pairwise comparison window. Pairwise comparison
	// is O(n^2) per batch; batching caps the cost on large populations at
	// the price of missing cross-batch duplicates.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
}

// DefaultConfig returns the default janitor configuration.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold:   0.98,
		MaxDeletionPercentage: 5.0,
		DryRun:                false,
		BatchSize:             1000,
	}
}

// DuplicatePair records one flagged duplicate: DeleteID is the newer vector
// slated for removal, KeepID the older one retained.
type DuplicatePair struct {
	KeepID     string  `json:"keep_id"`
	DeleteID   string  `json:"delete_id"`
	Similarity float64 `json:"similarity"`
}

// Orphan records a vector whose record tier counterpart no longer exists.
type Orphan struct {
	VectorID string `json:"vector_id"`
	DocType  string `json:"doc_type"`
	RefID    string `json:"ref_id"`
}

// Analysis is the read-only result of a janitor scan.
type Analysis struct {
	TotalVectors        int             `json:"total_vectors"`
	Duplicates          []DuplicatePair `json:"duplicates"`
	Orphans             []Orphan        `json:"orphans"`
	EstimatedBytesSaved int64           `json:"estimated_bytes_saved"`
	Duration            time.Duration   `json:"duration"`
	AnalyzedAt          time.Time       `json:"analyzed_at"`
}

// FlaggedCount returns the number of vectors slated for deletion.
func (a *Analysis) FlaggedCount() int {
	return len(a.Duplicates) + len(a.Orphans)
}

// CleanupResult reports the outcome of a cleanup run. SafetyThresholdExceeded
// is data, not an error: schedulers inspect Status and alert without crashing.
type CleanupResult struct {
	Status            string    `json:"status"`
	Reason            string    `json:"reason,omitempty"`
	DryRun            bool      `json:"dry_run"`
	DuplicatesRemoved int       `json:"duplicates_removed"`
	OrphansRemoved    int       `json:"orphans_removed"`
	Failures          int       `json:"failures"`
	Analysis          *Analysis `json:"analysis,omitempty"`
}

// Janitor scans the vector tier for duplicates and orphans and performs
// safety-bounded cleanup. Analysis is side-effect free; only Cleanup deletes.
type Janitor struct {
	vectors store.VectorTier
	records store.RecordTier
	metrics *metrics.Collector
	config  Config
	logger  *zap.Logger
	now     func() time.Time
}

// Option customizes a Janitor.
type Option func(*Janitor)

// WithMetrics installs a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(j *Janitor) { j.metrics = m }
}

// WithClock overrides the clock for tests.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// NewJanitor creates a retention janitor over the given tiers.
func NewJanitor(vectors store.VectorTier, records store.RecordTier, config Config, logger *zap.Logger, opts ...Option) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if config.SimilarityThreshold <= 0 {
		config.SimilarityThreshold = defaults.SimilarityThreshold
	}
	if config.MaxDeletionPercentage <= 0 {
		config.MaxDeletionPercentage = defaults.MaxDeletionPercentage
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}

	j := &Janitor{
		vectors: vectors,
		records: records,
		config:  config,
		logger:  logger.With(zap.String("component", "retention_janitor")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Analyze scans the vector tier and flags duplicates and orphans. It is
// read-only: nothing is deleted until Cleanup.
func (j *Janitor) Analyze(ctx context.Context) (*Analysis, error) {
	start := j.now()

	entries, err := j.vectors.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("vector enumeration failed: %w", err)
	}

	analysis := &Analysis{
		TotalVectors: len(entries),
		Duplicates:   j.findDuplicates(entries),
		AnalyzedAt:   start,
	}

	orphans, err := j.findOrphans(ctx, entries, flaggedIDs(analysis.Duplicates))
	if err != nil {
		return nil, err
	}
	analysis.Orphans = orphans
	analysis.EstimatedBytesSaved = int64(analysis.FlaggedCount()) * estimatedBytesPerVector
	analysis.Duration = j.now().Sub(start)

	j.logger.Info("vector analysis completed",
		zap.Int("total_vectors", analysis.TotalVectors),
		zap.Int("duplicates", len(analysis.Duplicates)),
		zap.Int("orphans", len(analysis.Orphans)),
		zap.Duration("duration", analysis.Duration),
	)
	return analysis, nil
}

// findDuplicates runs batched pairwise cosine comparison. Within each pair
// at or above the threshold, the newer vector by created_at is flagged and
// the older kept; a vector already flagged is never compared again, so no
// pair ever flags both sides.
func (j *Janitor) findDuplicates(entries []store.VectorEntry) []DuplicatePair {
	// Deterministic order: oldest first, id as tie-breaker.
	sorted := make([]store.VectorEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(a, b int) bool {
		if !sorted[a].Meta.CreatedAt.Equal(sorted[b].Meta.CreatedAt) {
			return sorted[a].Meta.CreatedAt.Before(sorted[b].Meta.CreatedAt)
		}
		return sorted[a].ID < sorted[b].ID
	})

	flagged := make(map[string]bool)
	var pairs []DuplicatePair

	for batchStart := 0; batchStart < len(sorted); batchStart += j.config.BatchSize {
		batchEnd := batchStart + j.config.BatchSize
		if batchEnd > len(sorted) {
			batchEnd = len(sorted)
		}
		batch := sorted[batchStart:batchEnd]

		for a := 0; a < len(batch); a++ {
			if flagged[batch[a].ID] {
				continue
			}
			for b := a + 1; b < len(batch); b++ {
				if flagged[batch[b].ID] {
					continue
				}
				sim := store.CosineSimilarity(batch[a].Embedding, batch[b].Embedding)
				if sim < j.config.SimilarityThreshold {
					continue
				}
				// batch is sorted oldest-first, so b is the newer one.
				flagged[batch[b].ID] = true
				pairs = append(pairs, DuplicatePair{
					KeepID:     batch[a].ID,
					DeleteID:   batch[b].ID,
					Similarity: sim,
				})
			}
		}
	}
	return pairs
}

// findOrphans flags vectors whose back-referenced record tier document is
// gone. Vectors without a back-reference are unverifiable and skipped, as
// are vectors already flagged as duplicates.
func (j *Janitor) findOrphans(ctx context.Context, entries []store.VectorEntry, skip map[string]bool) ([]Orphan, error) {
	var orphans []Orphan
	for _, ent := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if skip[ent.ID] || ent.Meta.DocType == "" || ent.Meta.RefID == "" {
			continue
		}

		var doc map[string]any
		err := j.records.Get(ctx, ent.Meta.DocType+"/"+ent.Meta.RefID, &doc)
		if err == nil {
			continue
		}
		if !isNotFound(err) {
			// A flaky record tier must not condemn vectors as orphans.
			return nil, fmt.Errorf("orphan check for %s failed: %w", ent.ID, err)
		}
		orphans = append(orphans, Orphan{
			VectorID: ent.ID,
			DocType:  ent.Meta.DocType,
			RefID:    ent.Meta.RefID,
		})
	}
	return orphans, nil
}

// Cleanup deletes flagged vectors under the configured safety bound. When
// analysis is nil a fresh Analyze runs first. Deleting an already-deleted id
// counts as success, so re-running a cleanup is a no-op.
func (j *Janitor) Cleanup(ctx context.Context, analysis *Analysis) (*CleanupResult, error) {
	if analysis == nil {
		var err error
		analysis, err = j.Analyze(ctx)
		if err != nil {
			return nil, err
		}
	}

	result := &CleanupResult{
		Status:   StatusCompleted,
		DryRun:   j.config.DryRun,
		Analysis: analysis,
	}

	flagged := analysis.FlaggedCount()
	if flagged == 0 {
		return result, nil
	}

	if analysis.TotalVectors > 0 {
		share := float64(flagged) / float64(analysis.TotalVectors) * 100
		if share > j.config.MaxDeletionPercentage {
			result.Status = StatusAborted
			result.Reason = ReasonSafetyThreshold
			j.logger.Warn("cleanup aborted by safety threshold",
				zap.Int("flagged", flagged),
				zap.Int("total_vectors", analysis.TotalVectors),
				zap.Float64("share_percent", share),
				zap.Float64("max_percent", j.config.MaxDeletionPercentage),
			)
			return result, nil
		}
	}

	if j.config.DryRun {
		result.Status = StatusDryRun
		result.DuplicatesRemoved = len(analysis.Duplicates)
		result.OrphansRemoved = len(analysis.Orphans)
		j.logger.Info("dry run: flagged vectors left in place",
			zap.Int("duplicates", len(analysis.Duplicates)),
			zap.Int("orphans", len(analysis.Orphans)),
		)
		return result, nil
	}

	for _, pair := range analysis.Duplicates {
		if _, err := j.vectors.Delete(ctx, pair.DeleteID); err != nil {
			j.logger.Warn("duplicate delete failed",
				zap.String("vector_id", pair.DeleteID), zap.Error(err))
			result.Failures++
			continue
		}
		result.DuplicatesRemoved++
	}
	for _, orphan := range analysis.Orphans {
		if _, err := j.vectors.Delete(ctx, orphan.VectorID); err != nil {
			j.logger.Warn("orphan delete failed",
				zap.String("vector_id", orphan.VectorID), zap.Error(err))
			result.Failures++
			continue
		}
		result.OrphansRemoved++
	}

	if j.metrics != nil {
		j.metrics.RecordVectorsDeleted("duplicate", result.DuplicatesRemoved)
		j.metrics.RecordVectorsDeleted("orphan", result.OrphansRemoved)
	}
	j.logger.Info("cleanup completed",
		zap.Int("duplicates_removed", result.DuplicatesRemoved),
		zap.Int("orphans_removed", result.OrphansRemoved),
		zap.Int("failures", result.Failures),
	)
	return result, nil
}

// Report is the human-readable rendering of a cleanup run: a one-line
// summary plus the figures behind it, the shape schedulers forward to
// notification channels.
type Report struct {
	Summary string        `json:"summary"`
	Details ReportDetails `json:"details"`
}

// ReportDetails carries the figures behind a report summary.
type ReportDetails struct {
	TotalVectors        int           `json:"total_vectors"`
	DuplicatesFound     int           `json:"duplicates_found"`
	OrphansFound        int           `json:"orphans_found"`
	DuplicatesRemoved   int           `json:"duplicates_removed"`
	OrphansRemoved      int           `json:"orphans_removed"`
	Failures            int           `json:"failures"`
	EstimatedBytesSaved int64         `json:"estimated_bytes_saved"`
	Duration            time.Duration `json:"duration"`
	Status              string        `json:"status"`
	Reason              string        `json:"reason,omitempty"`
	DryRun              bool          `json:"dry_run"`
}

// Report summarizes a cleanup result.
func (j *Janitor) Report(result *CleanupResult) *Report {
	analysis := result.Analysis
	if analysis == nil {
		analysis = &Analysis{}
	}

	var summary string
	switch result.Status {
	case StatusAborted:
		summary = fmt.Sprintf("cleanup aborted: %s (%d of %d vectors flagged)",
			result.Reason, analysis.FlaggedCount(), analysis.TotalVectors)
	case StatusDryRun:
		summary = fmt.Sprintf("dry run: %d duplicates and %d orphans of %d vectors would be removed, reclaiming ~%d bytes",
			len(analysis.Duplicates), len(analysis.Orphans),
			analysis.TotalVectors, analysis.EstimatedBytesSaved)
	default:
		summary = fmt.Sprintf("cleanup completed: removed %d duplicates and %d orphans of %d vectors in %s, reclaiming ~%d bytes",
			result.DuplicatesRemoved, result.OrphansRemoved,
			analysis.TotalVectors, analysis.Duration, analysis.EstimatedBytesSaved)
	}

	return &Report{
		Summary: summary,
		Details: ReportDetails{
			TotalVectors:        analysis.TotalVectors,
			DuplicatesFound:     len(analysis.Duplicates),
			OrphansFound:        len(analysis.Orphans),
			DuplicatesRemoved:   result.DuplicatesRemoved,
			OrphansRemoved:      result.OrphansRemoved,
			Failures:            result.Failures,
			EstimatedBytesSaved: analysis.EstimatedBytesSaved,
			Duration:            analysis.Duration,
			Status:              result.Status,
			Reason:              result.Reason,
			DryRun:              result.DryRun,
		},
	}
}

func isNotFound(err error) bool {
	return types.IsCode(err, types.ErrNotFound)
}

func flaggedIDs(pairs []DuplicatePair) map[string]bool {
	ids := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		ids[p.DeleteID] = true
	}
	return ids
}
