package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/memtier/store"
	"github.com/BaSui01/memtier/types"
)

type testDeps struct {
	coordinator *Coordinator
	records     *store.InMemoryRecord
	vectors     *store.InMemoryVector
	cache       *store.RedisCache
}

func newTestCoordinator(t *testing.T, cfg Config, opts ...Option) *testDeps {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cacheCfg := store.DefaultRedisCacheConfig()
	cacheCfg.Addr = mr.Addr()
	cache, err := store.NewRedisCache(cacheCfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	records := store.NewInMemoryRecord(nil)
	vectors := store.NewInMemoryVector(store.NewHashEmbedder(0), store.InMemoryVectorConfig{}, nil)

	return &testDeps{
		coordinator: NewCoordinator(cache, records, vectors, cfg, zap.NewNop(), opts...),
		records:     records,
		vectors:     vectors,
		cache:       cache,
	}
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	deps := newTestCoordinator(t, Config{})
	ctx := context.Background()

	id, err := deps.coordinator.Store(ctx, "hello", types.MemoryMetadata{ClientID: "c1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	hits, err := deps.coordinator.Retrieve(ctx, id, "c1", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	assert.Equal(t, id, hits[0].ID)
	assert.Equal(t, "hello", hits[0].Text)
	assert.Equal(t, 1.0, hits[0].Score)
	assert.Equal(t, "record", hits[0].Source)
}

func TestStoreDefaults(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	deps := newTestCoordinator(t, Config{}, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	id, err := deps.coordinator.Store(ctx, "hello", types.MemoryMetadata{ClientID: "c1"})
	require.NoError(t, err)

	var item types.MemoryItem
	require.NoError(t, deps.records.Get(ctx, "memories/"+id, &item))
	assert.Equal(t, types.ItemFact, item.Metadata.Type)
	assert.Equal(t, now, item.Metadata.CreatedAt)
	assert.Equal(t, now, item.Metadata.UpdatedAt)
	assert.False(t, item.Archived)

	_, found, err := deps.vectors.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestStoreIdempotent(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	deps := newTestCoordinator(t, Config{}, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := deps.coordinator.Store(ctx, "first", types.MemoryMetadata{ID: "m1", ClientID: "c1"})
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = deps.coordinator.Store(ctx, "second", types.MemoryMetadata{ID: "m1", ClientID: "c1"})
	require.NoError(t, err)

	n, err := deps.records.Count(ctx, "memories")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var item types.MemoryItem
	require.NoError(t, deps.records.Get(ctx, "memories/m1", &item))
	assert.Equal(t, "second", item.Text)
	assert.Equal(t, now, item.Metadata.UpdatedAt)
}

func TestStoreRequiresClientID(t *testing.T) {
	deps := newTestCoordinator(t, Config{})

	_, err := deps.coordinator.Store(context.Background(), "hello", types.MemoryMetadata{})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestStoreEphemeralCopy(t *testing.T) {
	deps := newTestCoordinator(t, Config{})
	ctx := context.Background()

	id, err := deps.coordinator.Store(ctx, "hello", types.MemoryMetadata{ClientID: "c1", TTLHours: 1})
	require.NoError(t, err)

	var cached types.MemoryItem
	require.NoError(t, deps.cache.Get(ctx, itemCacheKey("c1", id), &cached))
	assert.Equal(t, "hello", cached.Text)
}

func TestAccessControl(t *testing.T) {
	deps := newTestCoordinator(t, Config{AllowedClients: []string{"c1"}})
	ctx := context.Background()

	_, err := deps.coordinator.Store(ctx, "hello", types.MemoryMetadata{ClientID: "c2"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrPermissionDenied))

	_, err = deps.coordinator.Retrieve(ctx, "anything", "c2", 5)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrPermissionDenied))

	id, err := deps.coordinator.Store(ctx, "hello", types.MemoryMetadata{ClientID: "c1"})
	require.NoError(t, err)
	_, err = deps.coordinator.Retrieve(ctx, id, "c1", 5)
	assert.NoError(t, err)
}

func TestRetrieveTagQuery(t *testing.T) {
	deps := newTestCoordinator(t, Config{})
	ctx := context.Background()

	id, err := deps.coordinator.Store(ctx, "invoice overdue since march",
		types.MemoryMetadata{ClientID: "c1", Tags: []string{"billing"}})
	require.NoError(t, err)

	hits, err := deps.coordinator.Retrieve(ctx, "Billing", "c1", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, id, hits[0].ID)
	assert.Equal(t, 0.9, hits[0].Score)
}

func TestRetrieveServesCachedResults(t *testing.T) {
	deps := newTestCoordinator(t, Config{})
	ctx := context.Background()

	id, err := deps.coordinator.Store(ctx, "hello", types.MemoryMetadata{ClientID: "c1"})
	require.NoError(t, err)

	first, err := deps.coordinator.Retrieve(ctx, id, "c1", 5)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// Remove the underlying document: the cached ranked list still serves.
	require.NoError(t, deps.records.Delete(ctx, "memories/"+id))
	_, _ = deps.vectors.Delete(ctx, id)

	second, err := deps.coordinator.Retrieve(ctx, id, "c1", 5)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRetrieveScopedToClient(t *testing.T) {
	deps := newTestCoordinator(t, Config{})
	ctx := context.Background()

	id, err := deps.coordinator.Store(ctx, "c1 secret", types.MemoryMetadata{ClientID: "c1"})
	require.NoError(t, err)

	hits, err := deps.coordinator.Retrieve(ctx, id, "c2", 5)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, id, h.ID)
	}
}

func TestTouchAccessPersists(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	deps := newTestCoordinator(t, Config{}, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	id, err := deps.coordinator.Store(ctx, "hello", types.MemoryMetadata{ClientID: "c1"})
	require.NoError(t, err)

	score, err := deps.coordinator.TouchAccess(ctx, id)
	require.NoError(t, err)
	assert.Greater(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)

	var item types.MemoryItem
	require.NoError(t, deps.records.Get(ctx, "memories/"+id, &item))
	assert.Equal(t, 1, item.Metadata.AccessCount)
	assert.Equal(t, score, item.Metadata.ImportanceScore)
	require.NotNil(t, item.Metadata.LastAccessed)
	assert.Equal(t, now, *item.Metadata.LastAccessed)
}

func TestScoreImportanceReadOnly(t *testing.T) {
	deps := newTestCoordinator(t, Config{})
	ctx := context.Background()

	id, err := deps.coordinator.Store(ctx, "hello", types.MemoryMetadata{ClientID: "c1"})
	require.NoError(t, err)

	_, err = deps.coordinator.ScoreImportance(ctx, id)
	require.NoError(t, err)

	var item types.MemoryItem
	require.NoError(t, deps.records.Get(ctx, "memories/"+id, &item))
	assert.Equal(t, 0, item.Metadata.AccessCount)
	assert.Nil(t, item.Metadata.LastAccessed)
}

func TestSummarizeAndArchiveTruncationFallback(t *testing.T) {
	deps := newTestCoordinator(t, Config{})
	ctx := context.Background()

	text := strings.Repeat("memory payload ", 40) // well over the threshold
	id, err := deps.coordinator.Store(ctx, text, types.MemoryMetadata{ClientID: "c1"})
	require.NoError(t, err)

	summaryID, err := deps.coordinator.SummarizeAndArchive(ctx, text,
		types.MemoryMetadata{ID: id, ClientID: "c1"})
	require.NoError(t, err)
	require.NotEqual(t, id, summaryID)

	var summary types.MemoryItem
	require.NoError(t, deps.records.Get(ctx, "memories/"+summaryID, &summary))
	assert.Equal(t, types.ItemSummary, summary.Metadata.Type)
	assert.Equal(t, id, summary.Metadata.OriginalID)
	assert.Equal(t, len(text), summary.Metadata.OriginalLength)
	assert.Equal(t, text[:200]+"...", summary.Text)

	var original types.MemoryItem
	require.NoError(t, deps.records.Get(ctx, "memories/"+id, &original))
	assert.True(t, original.Archived)
	assert.Equal(t, summaryID, original.SummaryID)
}

func TestSummarizeAndArchiveUsesSummarizer(t *testing.T) {
	deps := newTestCoordinator(t, Config{}, WithSummarizer(
		SummarizerFunc(func(ctx context.Context, chunks []string) (string, error) {
			return "condensed", nil
		}),
	))
	ctx := context.Background()

	summaryID, err := deps.coordinator.SummarizeAndArchive(ctx,
		strings.Repeat("x ", 300), types.MemoryMetadata{ClientID: "c1"})
	require.NoError(t, err)

	var summary types.MemoryItem
	require.NoError(t, deps.records.Get(ctx, "memories/"+summaryID, &summary))
	assert.Equal(t, "condensed", summary.Text)
}

func TestSummarizeAndArchiveSummarizerFailure(t *testing.T) {
	deps := newTestCoordinator(t, Config{}, WithSummarizer(
		SummarizerFunc(func(ctx context.Context, chunks []string) (string, error) {
			return "", errors.New("model unavailable")
		}),
	))
	ctx := context.Background()

	text := strings.Repeat("memory payload ", 40)
	summaryID, err := deps.coordinator.SummarizeAndArchive(ctx, text,
		types.MemoryMetadata{ClientID: "c1"})
	require.NoError(t, err)

	var summary types.MemoryItem
	require.NoError(t, deps.records.Get(ctx, "memories/"+summaryID, &summary))
	assert.Equal(t, text[:200]+"...", summary.Text)
}

func TestPruneOldScenario(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	deps := newTestCoordinator(t, Config{}, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	seed := func(id string, ageDays int, importance float64) {
		t.Helper()
		_, err := deps.coordinator.Store(ctx, "note "+id, types.MemoryMetadata{
			ID:         id,
			ClientID:   "c1",
			CreatedAt:  now.AddDate(0, 0, -ageDays),
			Importance: &importance,
		})
		require.NoError(t, err)
	}
	seed("old", 200, 0.1)
	seed("recent", 10, 0.9)
	seed("fresh", 5, 0.5)

	count, err := deps.coordinator.PruneOld(ctx, 180, 0.3)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var item types.MemoryItem
	require.NoError(t, deps.records.Get(ctx, "memories/old", &item))
	assert.True(t, item.Archived, "soft delete: document stays, archived flips")
	require.NotNil(t, item.PrunedAt)
	assert.Equal(t, now, *item.PrunedAt)

	_, found, err := deps.vectors.Get(ctx, "old")
	require.NoError(t, err)
	assert.False(t, found, "pruned vector entry must be removed")

	for _, id := range []string{"recent", "fresh"} {
		require.NoError(t, deps.records.Get(ctx, "memories/"+id, &item))
		assert.False(t, item.Archived, "item %s should survive", id)

		_, found, err := deps.vectors.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, found)
	}
}

func TestPruneOldSummarizesLongText(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	deps := newTestCoordinator(t, Config{}, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	text := strings.Repeat("long archived content ", 20)
	_, err := deps.coordinator.Store(ctx, text, types.MemoryMetadata{
		ID:        "old-long",
		ClientID:  "c1",
		CreatedAt: now.AddDate(0, 0, -200),
	})
	require.NoError(t, err)

	count, err := deps.coordinator.PruneOld(ctx, 180, 0.3)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var original types.MemoryItem
	require.NoError(t, deps.records.Get(ctx, "memories/old-long", &original))
	assert.True(t, original.Archived)
	require.NotEmpty(t, original.SummaryID)

	var summary types.MemoryItem
	require.NoError(t, deps.records.Get(ctx, "memories/"+original.SummaryID, &summary))
	assert.Equal(t, types.ItemSummary, summary.Metadata.Type)
	assert.Equal(t, "old-long", summary.Metadata.PrunedFrom)
	assert.False(t, summary.Archived)
}

func TestPruneOldSkipsRestrictedClients(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	deps := newTestCoordinator(t, Config{AllowedClients: []string{"c1"}},
		WithClock(func() time.Time { return now }))
	ctx := context.Background()

	// The restricted item is seeded behind the coordinator's back: the
	// allow-list would reject a store for c2.
	restricted := types.MemoryItem{
		ID:       "foreign",
		Text:     "not ours to prune",
		ClientID: "c2",
		Metadata: types.MemoryMetadata{
			ID:        "foreign",
			ClientID:  "c2",
			CreatedAt: now.AddDate(0, 0, -200),
		},
	}
	require.NoError(t, deps.records.Save(ctx, "memories/foreign", restricted))

	_, err := deps.coordinator.Store(ctx, "ours", types.MemoryMetadata{
		ID:        "own",
		ClientID:  "c1",
		CreatedAt: now.AddDate(0, 0, -200),
	})
	require.NoError(t, err)

	count, err := deps.coordinator.PruneOld(ctx, 180, 0.3)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var item types.MemoryItem
	require.NoError(t, deps.records.Get(ctx, "memories/foreign", &item))
	assert.False(t, item.Archived)
}

func TestPruneOldWritesAuditRecord(t *testing.T) {
	deps := newTestCoordinator(t, Config{})
	ctx := context.Background()

	_, err := deps.coordinator.PruneOld(ctx, 180, 0.3)
	require.NoError(t, err)

	n, err := deps.records.Count(ctx, CollectionAudit)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMergeHits(t *testing.T) {
	hits := []types.MemoryHit{
		{ID: "a", Score: 0.9, Importance: 0.1, Source: "record"},
		{ID: "a", Score: 0.4, Importance: 0.9, Source: "vector"},
		{ID: "b", Score: 0.5, Importance: 1.0, Source: "vector"},
		{ID: "c", Score: 0.95, Importance: 0.0, Source: "record"},
	}

	merged := mergeHits(hits, 2)
	require.Len(t, merged, 2)

	// a: max score 0.9 from the record hit, rank 0.66; c: rank 0.665.
	assert.Equal(t, "c", merged[0].ID)
	assert.Equal(t, "a", merged[1].ID)
	assert.Equal(t, 0.9, merged[1].Score)
	assert.Equal(t, "record", merged[1].Source)
}
