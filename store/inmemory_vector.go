package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memtier/types"
)

// InMemoryVectorConfig configures the in-memory vector tier.
type InMemoryVectorConfig struct {
	// Dimension validates stored/queried vectors when > 0.
	Dimension int

	// Now overrides the clock for tests.
	Now func() time.Time
}

type inMemoryVectorEntry struct {
	embedding []float64
	meta      VectorMeta
}

// InMemoryVector is a map-backed VectorTier with metadata filtering and
// cosine similarity search. It embeds texts through the configured Embedder.
type InMemoryVector struct {
	mu       sync.RWMutex
	items    map[string]inMemoryVectorEntry
	embedder Embedder
	config   InMemoryVectorConfig
	now      func() time.Time
	logger   *zap.Logger
}

// NewInMemoryVector creates an empty in-memory vector tier.
func NewInMemoryVector(embedder Embedder, config InMemoryVectorConfig, logger *zap.Logger) *InMemoryVector {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &InMemoryVector{
		items:    make(map[string]inMemoryVectorEntry),
		embedder: embedder,
		config:   config,
		now:      now,
		logger:   logger.With(zap.String("component", "vector_tier_inmemory")),
	}
}

// Upsert embeds text and stores it under meta.ID.
func (s *InMemoryVector) Upsert(ctx context.Context, text string, meta VectorMeta) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if meta.ID == "" {
		return "", types.NewError(types.ErrValidation, "vector metadata requires an id")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = s.now()
	}
	meta.Text = text

	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return "", types.NewError(types.ErrTierUnavailable, "embedding failed").
			WithTier("vector").WithCause(err)
	}
	if err := s.checkDimension(embedding); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[meta.ID] = inMemoryVectorEntry{
		embedding: embedding,
		meta:      meta,
	}
	return meta.ID, nil
}

// Query embeds text and returns the topK most similar filtered entries.
func (s *InMemoryVector) Query(ctx context.Context, text string, topK int, filter VectorFilter) ([]VectorMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []VectorMatch{}, nil
	}

	query, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, types.NewError(types.ErrTierUnavailable, "query embedding failed").
			WithTier("vector").WithCause(err)
	}
	if err := s.checkDimension(query); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]VectorMatch, 0, len(s.items))
	for id, ent := range s.items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !filter.Matches(ent.meta) {
			continue
		}
		results = append(results, VectorMatch{
			ID:    id,
			Text:  ent.meta.Text,
			Meta:  ent.meta,
			Score: CosineSimilarity(query, ent.embedding),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if topK > len(results) {
		topK = len(results)
	}
	return results[:topK], nil
}

// checkDimension rejects embeddings that do not match the configured
// dimensionality, when one is set.
func (s *InMemoryVector) checkDimension(embedding []float64) error {
	if s.config.Dimension > 0 && len(embedding) != s.config.Dimension {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("embedding dimension %d does not match configured %d",
				len(embedding), s.config.Dimension))
	}
	return nil
}

// Get returns the entry for id.
func (s *InMemoryVector) Get(ctx context.Context, id string) (*VectorEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.items[id]
	if !ok {
		return nil, false, nil
	}
	return &VectorEntry{
		ID:        id,
		Embedding: append([]float64(nil), ent.embedding...),
		Meta:      ent.meta,
	}, true, nil
}

// Delete removes id, reporting whether it existed.
func (s *InMemoryVector) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.items[id]
	delete(s.items, id)
	return ok, nil
}

// DeleteByMetadata removes every entry matching the filter.
func (s *InMemoryVector) DeleteByMetadata(ctx context.Context, filter VectorFilter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, ent := range s.items {
		if filter.Matches(ent.meta) {
			delete(s.items, id)
			count++
		}
	}
	if count > 0 {
		s.logger.Info("vectors deleted by metadata filter", zap.Int("count", count))
	}
	return count, nil
}

// Count returns the total number of entries.
func (s *InMemoryVector) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items), nil
}

// ListAll enumerates every entry with its embedding.
func (s *InMemoryVector) ListAll(ctx context.Context) ([]VectorEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]VectorEntry, 0, len(s.items))
	for id, ent := range s.items {
		entries = append(entries, VectorEntry{
			ID:        id,
			Embedding: append([]float64(nil), ent.embedding...),
			Meta:      ent.meta,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// Stats returns population statistics, using client ids as namespaces.
func (s *InMemoryVector) Stats(ctx context.Context) (*types.VectorStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	namespaces := make(map[string]int)
	for _, ent := range s.items {
		ns := ent.meta.ClientID
		if ns == "" {
			ns = "default"
		}
		namespaces[ns]++
	}
	return &types.VectorStats{
		Total:      len(s.items),
		Namespaces: namespaces,
		Dimension:  s.embedder.Dimension(),
	}, nil
}
