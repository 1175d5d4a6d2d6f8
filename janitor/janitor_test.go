package janitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/memtier/store"
	"github.com/BaSui01/memtier/types"
)

type testDeps struct {
	janitor *Janitor
	vectors *store.InMemoryVector
	records *store.InMemoryRecord
}

func newTestJanitor(t *testing.T, cfg Config) *testDeps {
	t.Helper()
	vectors := store.NewInMemoryVector(store.NewHashEmbedder(0), store.InMemoryVectorConfig{}, nil)
	records := store.NewInMemoryRecord(nil)
	return &testDeps{
		janitor: NewJanitor(vectors, records, cfg, nil),
		vectors: vectors,
		records: records,
	}
}

// seedDistinct upserts n vectors with mutually dissimilar texts.
func seedDistinct(t *testing.T, deps *testDeps, n int, createdAt time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := deps.vectors.Upsert(ctx,
			fmt.Sprintf("wholly unrelated subject alpha%d beta%d gamma%d", i, i*7, i*13),
			store.VectorMeta{
				ID:        fmt.Sprintf("distinct-%03d", i),
				ClientID:  "c1",
				CreatedAt: createdAt,
			})
		require.NoError(t, err)
	}
}

func TestAnalyzeDedupExclusivity(t *testing.T) {
	deps := newTestJanitor(t, Config{})
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	_, err := deps.vectors.Upsert(ctx, "identical duplicated payload",
		store.VectorMeta{ID: "older", ClientID: "c1", CreatedAt: base})
	require.NoError(t, err)
	_, err = deps.vectors.Upsert(ctx, "identical duplicated payload",
		store.VectorMeta{ID: "newer", ClientID: "c1", CreatedAt: base.Add(time.Hour)})
	require.NoError(t, err)

	analysis, err := deps.janitor.Analyze(ctx)
	require.NoError(t, err)

	require.Len(t, analysis.Duplicates, 1, "exactly one side of the pair is flagged")
	assert.Equal(t, "newer", analysis.Duplicates[0].DeleteID)
	assert.Equal(t, "older", analysis.Duplicates[0].KeepID)
	assert.InDelta(t, 1.0, analysis.Duplicates[0].Similarity, 1e-9)

	// Read-only: nothing was deleted.
	total, err := deps.vectors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, analysis.TotalVectors)
	assert.Equal(t, int64(estimatedBytesPerVector), analysis.EstimatedBytesSaved)
}

func TestAnalyzeOrphans(t *testing.T) {
	deps := newTestJanitor(t, Config{})
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, deps.records.Save(ctx, "memories/live", map[string]any{"id": "live"}))

	_, err := deps.vectors.Upsert(ctx, "backed by a record", store.VectorMeta{
		ID: "v-live", ClientID: "c1", CreatedAt: base,
		DocType: "memories", RefID: "live",
	})
	require.NoError(t, err)
	_, err = deps.vectors.Upsert(ctx, "record is gone", store.VectorMeta{
		ID: "v-orphan", ClientID: "c1", CreatedAt: base,
		DocType: "memories", RefID: "deleted-long-ago",
	})
	require.NoError(t, err)
	// No back-reference: unverifiable, never flagged.
	_, err = deps.vectors.Upsert(ctx, "free floating", store.VectorMeta{
		ID: "v-free", ClientID: "c1", CreatedAt: base,
	})
	require.NoError(t, err)

	analysis, err := deps.janitor.Analyze(ctx)
	require.NoError(t, err)

	require.Len(t, analysis.Orphans, 1)
	assert.Equal(t, "v-orphan", analysis.Orphans[0].VectorID)
	assert.Equal(t, "memories", analysis.Orphans[0].DocType)
	assert.Equal(t, "deleted-long-ago", analysis.Orphans[0].RefID)
}

func TestCleanupSafetyBound(t *testing.T) {
	deps := newTestJanitor(t, Config{})
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// 1 flagged out of 11 total is ~9%, above the 5% default bound.
	seedDistinct(t, deps, 9, base)
	_, err := deps.vectors.Upsert(ctx, "duplicated safety payload",
		store.VectorMeta{ID: "dup-a", ClientID: "c1", CreatedAt: base})
	require.NoError(t, err)
	_, err = deps.vectors.Upsert(ctx, "duplicated safety payload",
		store.VectorMeta{ID: "dup-b", ClientID: "c1", CreatedAt: base.Add(time.Hour)})
	require.NoError(t, err)

	result, err := deps.janitor.Cleanup(ctx, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusAborted, result.Status)
	assert.Equal(t, ReasonSafetyThreshold, result.Reason)
	assert.Zero(t, result.DuplicatesRemoved)
	assert.Zero(t, result.OrphansRemoved)

	total, err := deps.vectors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11, total, "aborted cleanup deletes nothing")
}

func TestCleanupRemovesDuplicates(t *testing.T) {
	deps := newTestJanitor(t, Config{})
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// 1 flagged out of 51 total is ~2%, under the bound.
	seedDistinct(t, deps, 49, base)
	_, err := deps.vectors.Upsert(ctx, "duplicated cleanup payload",
		store.VectorMeta{ID: "dup-a", ClientID: "c1", CreatedAt: base})
	require.NoError(t, err)
	_, err = deps.vectors.Upsert(ctx, "duplicated cleanup payload",
		store.VectorMeta{ID: "dup-b", ClientID: "c1", CreatedAt: base.Add(time.Hour)})
	require.NoError(t, err)

	result, err := deps.janitor.Cleanup(ctx, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 1, result.DuplicatesRemoved)
	assert.Zero(t, result.Failures)

	_, found, err := deps.vectors.Get(ctx, "dup-b")
	require.NoError(t, err)
	assert.False(t, found, "the newer duplicate is removed")
	_, found, err = deps.vectors.Get(ctx, "dup-a")
	require.NoError(t, err)
	assert.True(t, found, "the older duplicate is kept")

	// Idempotent: a second run finds nothing left to remove.
	again, err := deps.janitor.Cleanup(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Zero(t, again.DuplicatesRemoved)
}

func TestCleanupRemovesOrphans(t *testing.T) {
	deps := newTestJanitor(t, Config{})
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	seedDistinct(t, deps, 49, base)
	_, err := deps.vectors.Upsert(ctx, "points at nothing", store.VectorMeta{
		ID: "v-orphan", ClientID: "c1", CreatedAt: base,
		DocType: "memories", RefID: "gone",
	})
	require.NoError(t, err)

	result, err := deps.janitor.Cleanup(ctx, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 1, result.OrphansRemoved)
	assert.Zero(t, result.DuplicatesRemoved)

	_, found, err := deps.vectors.Get(ctx, "v-orphan")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCleanupDryRun(t *testing.T) {
	deps := newTestJanitor(t, Config{DryRun: true})
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	seedDistinct(t, deps, 49, base)
	_, err := deps.vectors.Upsert(ctx, "duplicated dry run payload",
		store.VectorMeta{ID: "dup-a", ClientID: "c1", CreatedAt: base})
	require.NoError(t, err)
	_, err = deps.vectors.Upsert(ctx, "duplicated dry run payload",
		store.VectorMeta{ID: "dup-b", ClientID: "c1", CreatedAt: base.Add(time.Hour)})
	require.NoError(t, err)

	result, err := deps.janitor.Cleanup(ctx, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusDryRun, result.Status)
	assert.True(t, result.DryRun)
	assert.Equal(t, 1, result.DuplicatesRemoved, "dry run reports what would go")

	total, err := deps.vectors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 51, total, "dry run deletes nothing")
}

func TestReportCompleted(t *testing.T) {
	deps := newTestJanitor(t, Config{})
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	seedDistinct(t, deps, 49, base)
	_, err := deps.vectors.Upsert(ctx, "duplicated report payload",
		store.VectorMeta{ID: "dup-a", ClientID: "c1", CreatedAt: base})
	require.NoError(t, err)
	_, err = deps.vectors.Upsert(ctx, "duplicated report payload",
		store.VectorMeta{ID: "dup-b", ClientID: "c1", CreatedAt: base.Add(time.Hour)})
	require.NoError(t, err)

	result, err := deps.janitor.Cleanup(ctx, nil)
	require.NoError(t, err)

	report := deps.janitor.Report(result)
	assert.Contains(t, report.Summary, "cleanup completed")
	assert.Contains(t, report.Summary, "removed 1 duplicates and 0 orphans of 51 vectors")

	assert.Equal(t, 51, report.Details.TotalVectors)
	assert.Equal(t, 1, report.Details.DuplicatesFound)
	assert.Equal(t, 1, report.Details.DuplicatesRemoved)
	assert.Zero(t, report.Details.OrphansFound)
	assert.Zero(t, report.Details.Failures)
	assert.Equal(t, int64(estimatedBytesPerVector), report.Details.EstimatedBytesSaved)
	assert.Equal(t, StatusCompleted, report.Details.Status)
	assert.False(t, report.Details.DryRun)
}

func TestReportAborted(t *testing.T) {
	deps := newTestJanitor(t, Config{})
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	_, err := deps.vectors.Upsert(ctx, "duplicated abort payload",
		store.VectorMeta{ID: "dup-a", ClientID: "c1", CreatedAt: base})
	require.NoError(t, err)
	_, err = deps.vectors.Upsert(ctx, "duplicated abort payload",
		store.VectorMeta{ID: "dup-b", ClientID: "c1", CreatedAt: base.Add(time.Hour)})
	require.NoError(t, err)

	result, err := deps.janitor.Cleanup(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, StatusAborted, result.Status)

	report := deps.janitor.Report(result)
	assert.Contains(t, report.Summary, "cleanup aborted")
	assert.Contains(t, report.Summary, ReasonSafetyThreshold)
	assert.Equal(t, ReasonSafetyThreshold, report.Details.Reason)
	assert.Zero(t, report.Details.DuplicatesRemoved)
}

func TestReportDryRun(t *testing.T) {
	deps := newTestJanitor(t, Config{DryRun: true})
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	seedDistinct(t, deps, 49, base)
	_, err := deps.vectors.Upsert(ctx, "duplicated dry report payload",
		store.VectorMeta{ID: "dup-a", ClientID: "c1", CreatedAt: base})
	require.NoError(t, err)
	_, err = deps.vectors.Upsert(ctx, "duplicated dry report payload",
		store.VectorMeta{ID: "dup-b", ClientID: "c1", CreatedAt: base.Add(time.Hour)})
	require.NoError(t, err)

	result, err := deps.janitor.Cleanup(ctx, nil)
	require.NoError(t, err)

	report := deps.janitor.Report(result)
	assert.Contains(t, report.Summary, "dry run")
	assert.Contains(t, report.Summary, "would be removed")
	assert.True(t, report.Details.DryRun)
}

func TestCleanupEmptyTier(t *testing.T) {
	deps := newTestJanitor(t, Config{})

	result, err := deps.janitor.Cleanup(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Zero(t, result.Analysis.TotalVectors)
}

func TestAnalyzeSurfacesRecordTierFailure(t *testing.T) {
	deps := newTestJanitor(t, Config{})
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	_, err := deps.vectors.Upsert(context.Background(), "payload", store.VectorMeta{
		ID: "v1", ClientID: "c1", CreatedAt: base,
		DocType: "memories", RefID: "m1",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = deps.janitor.Analyze(ctx)
	assert.Error(t, err, "a failing record tier must not condemn vectors as orphans")
	assert.NotEqual(t, types.ErrNotFound, types.GetErrorCode(err))
}
