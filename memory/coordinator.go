// Package memory implements the tiered memory coordinator: a single entry
// point that routes retrieval, storage, scoring, and pruning across the
// cache, record, and vector tiers.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/memtier/internal/metrics"
	"github.com/BaSui01/memtier/store"
	"github.com/BaSui01/memtier/types"
)

const (
	// CollectionMemories holds canonical memory items.
	CollectionMemories = "memories"

	// CollectionAudit holds per-operation audit trail records.
	CollectionAudit = "memory_audit"
)

// Config configures the memory coordinator.
type Config struct {
	// AllowedClients is the client allow-list. Empty means unrestricted.
	AllowedClients []string `yaml:"allowed_clients" json:"allowed_clients"`

	// CacheTTL bounds staleness of cached retrieval results.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`

	// PruneDays is the default age threshold for PruneOld.
	PruneDays int `yaml:"prune_days" json:"prune_days"`

	// MinImportance is the default retention score floor for PruneOld.
	MinImportance float64 `yaml:"min_importance" json:"min_importance"`

	// SummarizeThreshold is the text length above which pruning summarizes
	// before archiving. It also caps the truncation fallback summary.
	SummarizeThreshold int `yaml:"summarize_threshold" json:"summarize_threshold"`

	// MaxChunkSize bounds summarization chunk sizes in characters.
	MaxChunkSize int `yaml:"max_chunk_size" json:"max_chunk_size"`

	// TierTimeout bounds each per-tier call during retrieval fan-out.
	TierTimeout time.Duration `yaml:"tier_timeout" json:"tier_timeout"`

	// DefaultTopK is used when a retrieval request does not set top_k.
	DefaultTopK int `yaml:"default_top_k" json:"default_top_k"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		CacheTTL:           300 * time.Second,
		PruneDays:          180,
		MinImportance:      0.3,
		SummarizeThreshold: 200,
		MaxChunkSize:       4000,
		TierTimeout:        5 * time.Second,
		DefaultTopK:        5,
	}
}

// Coordinator routes memory operations across the three storage tiers. The
// record tier is authoritative: its failure aborts writes, while cache and
// vector tier failures degrade the operation and are only logged.
type Coordinator struct {
	cache   store.CacheTier
	records store.RecordTier
	vectors store.VectorTier

	summarizer Summarizer
	metrics    *metrics.Collector

	config Config
	logger *zap.Logger
	now    func() time.Time
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithSummarizer installs a model-backed summarizer. Without one,
// summarization degrades to truncation.
func WithSummarizer(s Summarizer) Option {
	return func(c *Coordinator) { c.summarizer = s }
}

// WithMetrics installs a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides the clock for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a memory coordinator over the given tiers.
func NewCoordinator(cache store.CacheTier, records store.RecordTier, vectors store.VectorTier, config Config, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaults.CacheTTL
	}
	if config.PruneDays <= 0 {
		config.PruneDays = defaults.PruneDays
	}
	if config.MinImportance <= 0 {
		config.MinImportance = defaults.MinImportance
	}
	if config.SummarizeThreshold <= 0 {
		config.SummarizeThreshold = defaults.SummarizeThreshold
	}
	if config.MaxChunkSize <= 0 {
		config.MaxChunkSize = defaults.MaxChunkSize
	}
	if config.TierTimeout <= 0 {
		config.TierTimeout = defaults.TierTimeout
	}
	if config.DefaultTopK <= 0 {
		config.DefaultTopK = defaults.DefaultTopK
	}

	c := &Coordinator{
		cache:   cache,
		records: records,
		vectors: vectors,
		config:  config,
		logger:  logger.With(zap.String("component", "memory_coordinator")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Retrieve looks a query up across all three tiers and returns up to topK
// merged, ranked hits. Tier failures degrade the result set; the only error
// returned is a permission denial.
func (c *Coordinator) Retrieve(ctx context.Context, query, clientID string, topK int) ([]types.MemoryHit, error) {
	start := c.now()
	if err := c.checkAccess(clientID); err != nil {
		c.recordOp("retrieve", "denied", start)
		return nil, err
	}
	if topK <= 0 {
		topK = c.config.DefaultTopK
	}

	cacheKey := queryCacheKey(clientID, query)
	var cached []types.MemoryHit
	switch err := c.cache.Get(ctx, cacheKey, &cached); {
	case err == nil:
		c.cacheLookup("query", true)
		c.recordOp("retrieve", "cache_hit", start)
		return cached, nil
	case store.IsCacheMiss(err):
		c.cacheLookup("query", false)
	default:
		c.logger.Warn("cache tier read failed", zap.String("key", cacheKey), zap.Error(err))
		c.tierError("cache", "retrieve")
	}

	var (
		mu   sync.Mutex
		hits []types.MemoryHit
	)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		tctx, cancel := context.WithTimeout(gctx, c.config.TierTimeout)
		defer cancel()
		found := c.retrieveFromRecords(tctx, query, clientID, topK)
		mu.Lock()
		hits = append(hits, found...)
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		tctx, cancel := context.WithTimeout(gctx, c.config.TierTimeout)
		defer cancel()
		found := c.retrieveFromVectors(tctx, query, clientID, topK)
		mu.Lock()
		hits = append(hits, found...)
		mu.Unlock()
		return nil
	})
	_ = g.Wait()

	merged := mergeHits(hits, topK)

	if err := c.cache.Save(ctx, cacheKey, merged, c.config.CacheTTL); err != nil {
		c.logger.Warn("cache tier write failed", zap.String("key", cacheKey), zap.Error(err))
		c.tierError("cache", "retrieve")
	}
	c.writeAudit(ctx, types.OpRetrieve, clientID, map[string]any{
		"query":   query,
		"top_k":   topK,
		"results": len(merged),
	})
	c.recordOp("retrieve", "ok", start)
	return merged, nil
}

// retrieveFromRecords probes the record tier twice: an exact-id lookup that
// scores 1.0, then a tag match against the lowercased query scoring 0.9.
func (c *Coordinator) retrieveFromRecords(ctx context.Context, query, clientID string, topK int) []types.MemoryHit {
	hits := make([]types.MemoryHit, 0, topK+1)

	exactID := ""
	var item types.MemoryItem
	err := c.records.Get(ctx, memoryPath(query), &item)
	switch {
	case err == nil && item.ClientID == clientID:
		hits = append(hits, hitFromItem(item, 1.0))
		exactID = item.ID
	case err != nil && !types.IsCode(err, types.ErrNotFound):
		c.logger.Warn("record tier lookup failed", zap.Error(err))
		c.tierError("record", "retrieve")
	}

	filters := []store.Filter{
		{Field: "client_id", Op: store.FilterEq, Value: clientID},
		{Field: "metadata.tags", Op: store.FilterContains, Value: strings.ToLower(strings.TrimSpace(query))},
	}
	var items []types.MemoryItem
	if err := c.records.Query(ctx, CollectionMemories, filters, topK, &items); err != nil {
		c.logger.Warn("record tier query failed", zap.Error(err))
		c.tierError("record", "retrieve")
		return hits
	}
	for _, it := range items {
		if it.ID == exactID {
			continue
		}
		hits = append(hits, hitFromItem(it, 0.9))
	}
	return hits
}

// retrieveFromVectors runs a similarity search scoped to the client. Each
// match refreshes the canonical item's access statistics; matches whose
// record document is gone fall back to the vector tier's own metadata.
func (c *Coordinator) retrieveFromVectors(ctx context.Context, query, clientID string, topK int) []types.MemoryHit {
	matches, err := c.vectors.Query(ctx, query, topK, store.VectorFilter{ClientID: clientID})
	if err != nil {
		c.logger.Warn("vector tier query failed", zap.Error(err))
		c.tierError("vector", "retrieve")
		return nil
	}

	hits := make([]types.MemoryHit, 0, len(matches))
	for _, m := range matches {
		hit := types.MemoryHit{
			ID:     m.ID,
			Text:   m.Text,
			Score:  m.Score,
			Source: "vector",
		}
		item, importance, terr := c.touchAccess(ctx, m.ID)
		if terr == nil {
			hit.Metadata = item.Metadata
			hit.Importance = importance
			if hit.Text == "" {
				hit.Text = item.Text
			}
		} else {
			if !types.IsCode(terr, types.ErrNotFound) {
				c.logger.Warn("access touch failed", zap.String("memory_id", m.ID), zap.Error(terr))
			}
			hit.Metadata = types.MemoryMetadata{
				ID:        m.Meta.ID,
				ClientID:  m.Meta.ClientID,
				Type:      m.Meta.Type,
				Tags:      m.Meta.Tags,
				CreatedAt: m.Meta.CreatedAt,
			}
		}
		hits = append(hits, hit)
	}
	return hits
}

// Store persists a memory item. The record tier write is authoritative;
// vector indexing and the optional ephemeral cache copy are best-effort.
// An id is generated when the metadata does not carry one.
func (c *Coordinator) Store(ctx context.Context, text string, meta types.MemoryMetadata) (string, error) {
	start := c.now()
	if meta.ClientID == "" {
		return "", types.NewError(types.ErrValidation, "client_id is required")
	}
	if err := c.checkAccess(meta.ClientID); err != nil {
		c.recordOp("store", "denied", start)
		return "", err
	}

	id := meta.ID
	if id == "" {
		id = uuid.NewString()
	}
	meta.ID = id
	now := c.now()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now
	if meta.Type == "" {
		meta.Type = types.ItemFact
	}

	item := types.MemoryItem{
		ID:       id,
		Text:     text,
		ClientID: meta.ClientID,
		Metadata: meta,
	}

	if err := c.records.Save(ctx, memoryPath(id), item); err != nil {
		c.logger.Error("record tier store failed", zap.String("memory_id", id), zap.Error(err))
		c.recordOp("store", "error", start)
		return "", err
	}

	if _, err := c.vectors.Upsert(ctx, text, store.VectorMeta{
		ID:        id,
		ClientID:  meta.ClientID,
		Type:      meta.Type,
		Tags:      meta.Tags,
		CreatedAt: meta.CreatedAt,
		DocType:   CollectionMemories,
		RefID:     id,
	}); err != nil {
		c.logger.Warn("vector tier index failed", zap.String("memory_id", id), zap.Error(err))
		c.tierError("vector", "store")
	}

	if meta.TTLHours > 0 {
		ttl := time.Duration(meta.TTLHours) * time.Hour
		if err := c.cache.Save(ctx, itemCacheKey(meta.ClientID, id), item, ttl); err != nil {
			c.logger.Warn("cache tier write failed", zap.String("memory_id", id), zap.Error(err))
			c.tierError("cache", "store")
		}
	}

	c.writeAudit(ctx, types.OpStore, meta.ClientID, map[string]any{
		"memory_id":   id,
		"type":        string(meta.Type),
		"text_length": len(text),
	})
	c.recordOp("store", "ok", start)
	return id, nil
}

// ScoreImportance computes the current retention score of a memory item
// without mutating it.
func (c *Coordinator) ScoreImportance(ctx context.Context, id string) (float64, error) {
	var item types.MemoryItem
	if err := c.records.Get(ctx, memoryPath(id), &item); err != nil {
		return 0, err
	}
	return ImportanceScore(&item.Metadata, c.now()), nil
}

// TouchAccess records a read of the item: it recomputes the importance score
// and persists it together with the incremented access count and access time.
// This is the only write the retrieval path performs.
func (c *Coordinator) TouchAccess(ctx context.Context, id string) (float64, error) {
	_, score, err := c.touchAccess(ctx, id)
	return score, err
}

func (c *Coordinator) touchAccess(ctx context.Context, id string) (*types.MemoryItem, float64, error) {
	var item types.MemoryItem
	if err := c.records.Get(ctx, memoryPath(id), &item); err != nil {
		return nil, 0, err
	}

	now := c.now()
	score := ImportanceScore(&item.Metadata, now)
	item.Metadata.AccessCount++
	item.Metadata.ImportanceScore = score
	item.Metadata.LastAccessed = &now

	if err := c.records.Save(ctx, memoryPath(id), item); err != nil {
		// The computed score is still valid; only the counters are stale.
		c.logger.Warn("access touch persist failed", zap.String("memory_id", id), zap.Error(err))
		c.tierError("record", "touch")
	}
	return &item, score, nil
}

// SummarizeAndArchive condenses text into a summary item and, when the
// metadata names a source item, marks that source archived with a link to
// the new summary. Returns the summary item id.
func (c *Coordinator) SummarizeAndArchive(ctx context.Context, text string, meta types.MemoryMetadata) (string, error) {
	if meta.ClientID == "" {
		return "", types.NewError(types.ErrValidation, "client_id is required")
	}
	if err := c.checkAccess(meta.ClientID); err != nil {
		return "", err
	}

	chunks := splitChunks(text, c.config.MaxChunkSize)

	summary := ""
	if c.summarizer != nil {
		s, err := c.summarizer.Summarize(ctx, chunks)
		if err != nil {
			c.logger.Warn("summarizer failed, falling back to truncation", zap.Error(err))
		} else {
			summary = s
		}
	}
	if summary == "" {
		summary = truncateSummary(text, c.config.SummarizeThreshold)
	}

	smeta := meta
	smeta.ID = ""
	smeta.Type = types.ItemSummary
	smeta.OriginalID = meta.ID
	smeta.OriginalLength = len(text)
	smeta.CreatedAt = time.Time{}
	smeta.UpdatedAt = time.Time{}
	smeta.AccessCount = 0
	smeta.LastAccessed = nil
	smeta.ImportanceScore = 0
	smeta.TTLHours = 0

	summaryID, err := c.Store(ctx, summary, smeta)
	if err != nil {
		return "", err
	}

	if meta.ID != "" {
		var original types.MemoryItem
		err := c.records.Get(ctx, memoryPath(meta.ID), &original)
		switch {
		case err == nil:
			original.Archived = true
			original.SummaryID = summaryID
			original.Metadata.UpdatedAt = c.now()
			if err := c.records.Save(ctx, memoryPath(original.ID), original); err != nil {
				c.logger.Warn("archive flag persist failed", zap.String("memory_id", original.ID), zap.Error(err))
				c.tierError("record", "archive")
			}
		case !types.IsCode(err, types.ErrNotFound):
			c.logger.Warn("archive source lookup failed", zap.String("memory_id", meta.ID), zap.Error(err))
			c.tierError("record", "archive")
		}
	}

	c.logger.Info("text summarized and archived",
		zap.String("summary_id", summaryID),
		zap.String("original_id", meta.ID),
		zap.Int("original_length", len(text)),
	)
	return summaryID, nil
}

// PruneOld archives memory items older than days, plus any unarchived item
// whose recomputed importance falls below minImportance. Long texts are
// summarized first. Items are soft-deleted: the record document stays with
// archived=true and a pruned_at timestamp, while the vector entry and any
// cached copy are removed. Returns the number of items archived.
//
// Zero-valued arguments fall back to the configured defaults.
func (c *Coordinator) PruneOld(ctx context.Context, days int, minImportance float64) (int, error) {
	start := c.now()
	if days <= 0 {
		days = c.config.PruneDays
	}
	if minImportance <= 0 {
		minImportance = c.config.MinImportance
	}
	now := c.now()
	cutoff := now.AddDate(0, 0, -days)

	var old []types.MemoryItem
	ageFilters := []store.Filter{
		{Field: "metadata.created_at", Op: store.FilterLt, Value: cutoff},
		{Field: "archived", Op: store.FilterEq, Value: false},
	}
	if err := c.records.Query(ctx, CollectionMemories, ageFilters, 0, &old); err != nil {
		c.recordOp("prune", "error", start)
		return 0, err
	}

	candidates := make(map[string]types.MemoryItem, len(old))
	for _, it := range old {
		candidates[it.ID] = it
	}

	var active []types.MemoryItem
	activeFilters := []store.Filter{
		{Field: "archived", Op: store.FilterEq, Value: false},
	}
	if err := c.records.Query(ctx, CollectionMemories, activeFilters, 0, &active); err != nil {
		c.logger.Warn("importance scan failed, pruning by age only", zap.Error(err))
		c.tierError("record", "prune")
	}
	for _, it := range active {
		if _, seen := candidates[it.ID]; seen {
			continue
		}
		// Rescoring deliberately goes through the touch path so access
		// statistics stay live even for items only seen by maintenance.
		score, err := c.TouchAccess(ctx, it.ID)
		if err != nil {
			score = ImportanceScore(&it.Metadata, now)
		}
		if score < minImportance {
			candidates[it.ID] = it
		}
	}

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	pruned := 0
	for _, id := range ids {
		it := candidates[id]

		if err := c.checkAccess(it.ClientID); err != nil {
			c.logger.Debug("prune skipping restricted client",
				zap.String("memory_id", it.ID),
				zap.String("client_id", it.ClientID),
			)
			continue
		}

		if len(it.Text) > c.config.SummarizeThreshold {
			smeta := it.Metadata
			smeta.ID = it.ID
			smeta.ClientID = it.ClientID
			smeta.PrunedFrom = it.ID
			if _, err := c.SummarizeAndArchive(ctx, it.Text, smeta); err != nil {
				c.logger.Warn("prune summarization failed", zap.String("memory_id", it.ID), zap.Error(err))
			}
		}

		if _, err := c.vectors.Delete(ctx, it.ID); err != nil {
			c.logger.Warn("vector tier delete failed", zap.String("memory_id", it.ID), zap.Error(err))
			c.tierError("vector", "prune")
		}
		if err := c.cache.Delete(ctx, itemCacheKey(it.ClientID, it.ID)); err != nil {
			c.logger.Warn("cache tier delete failed", zap.String("memory_id", it.ID), zap.Error(err))
			c.tierError("cache", "prune")
		}

		// Reload before archiving so the summary linkage written above is
		// not clobbered.
		var cur types.MemoryItem
		if err := c.records.Get(ctx, memoryPath(it.ID), &cur); err != nil {
			cur = it
		}
		cur.Archived = true
		prunedAt := now
		cur.PrunedAt = &prunedAt
		cur.Metadata.UpdatedAt = now
		if err := c.records.Save(ctx, memoryPath(cur.ID), cur); err != nil {
			c.logger.Error("prune archive persist failed", zap.String("memory_id", cur.ID), zap.Error(err))
			c.tierError("record", "prune")
			continue
		}
		pruned++
	}

	c.writeAudit(ctx, types.OpPrune, "", map[string]any{
		"days":           days,
		"min_importance": minImportance,
		"pruned":         pruned,
	})
	if c.metrics != nil {
		c.metrics.RecordPruned(pruned)
	}
	c.recordOp("prune", "ok", start)
	c.logger.Info("prune completed",
		zap.Int("candidates", len(candidates)),
		zap.Int("pruned", pruned),
		zap.Int("days", days),
		zap.Float64("min_importance", minImportance),
	)
	return pruned, nil
}

// checkAccess enforces the client allow-list.
func (c *Coordinator) checkAccess(clientID string) error {
	if len(c.config.AllowedClients) == 0 {
		return nil
	}
	for _, allowed := range c.config.AllowedClients {
		if allowed == clientID {
			return nil
		}
	}
	return types.NewError(types.ErrPermissionDenied, fmt.Sprintf("client %q is not allowed", clientID))
}

// writeAudit persists a best-effort audit trail record for the operation.
func (c *Coordinator) writeAudit(ctx context.Context, op types.OperationType, clientID string, details map[string]any) {
	rec := types.AuditRecord{
		OperationID:   uuid.NewString(),
		OperationType: op,
		ClientID:      clientID,
		Details:       details,
		Timestamp:     c.now(),
	}
	if err := c.records.Save(ctx, CollectionAudit+"/"+rec.OperationID, rec); err != nil {
		c.logger.Warn("audit trail write failed", zap.String("operation", string(op)), zap.Error(err))
	}
}

func (c *Coordinator) recordOp(operation, status string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordOperation(operation, status, c.now().Sub(start))
	}
}

func (c *Coordinator) tierError(tier, operation string) {
	if c.metrics != nil {
		c.metrics.RecordTierError(tier, operation)
	}
}

func (c *Coordinator) cacheLookup(lookup string, hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.RecordCacheHit(lookup)
	} else {
		c.metrics.RecordCacheMiss(lookup)
	}
}

// mergeHits deduplicates hits by id keeping the highest tier score, ranks by
// a blend of relevance and importance, and truncates to topK.
func mergeHits(hits []types.MemoryHit, topK int) []types.MemoryHit {
	best := make(map[string]types.MemoryHit, len(hits))
	order := make([]string, 0, len(hits))
	for _, h := range hits {
		cur, seen := best[h.ID]
		if !seen {
			order = append(order, h.ID)
			best[h.ID] = h
			continue
		}
		if h.Score > cur.Score {
			best[h.ID] = h
		}
	}

	merged := make([]types.MemoryHit, 0, len(order))
	for _, id := range order {
		merged = append(merged, best[id])
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return rankScore(merged[i]) > rankScore(merged[j])
	})

	if topK > 0 && len(merged) > topK {
		merged = merged[:topK]
	}
	return merged
}

// rankScore weighs tier relevance over stored importance.
func rankScore(h types.MemoryHit) float64 {
	return h.Score*0.7 + h.Importance*0.3
}

func hitFromItem(item types.MemoryItem, score float64) types.MemoryHit {
	return types.MemoryHit{
		ID:         item.ID,
		Text:       item.Text,
		Metadata:   item.Metadata,
		Score:      score,
		Source:     "record",
		Importance: item.Metadata.ImportanceScore,
	}
}

func memoryPath(id string) string {
	return CollectionMemories + "/" + id
}

// queryCacheKey names cached retrieval result sets. The query is normalized
// so trivially different spellings share an entry.
func queryCacheKey(clientID, query string) string {
	return "cache:" + clientID + ":" + strings.ToLower(strings.TrimSpace(query))
}

// itemCacheKey names ephemeral cached copies of individual items.
func itemCacheKey(clientID, id string) string {
	return "item:" + clientID + ":" + id
}
