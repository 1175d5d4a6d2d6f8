package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memtier/types"
)

// InMemoryRecord is a map-backed RecordTier for tests and single-process
// deployments. Documents round-trip through JSON so queries see the same
// field names and value shapes as the Mongo backend.
type InMemoryRecord struct {
	mu          sync.RWMutex
	collections map[string]map[string]json.RawMessage
	logger      *zap.Logger
}

// NewInMemoryRecord creates an empty in-memory record tier.
func NewInMemoryRecord(logger *zap.Logger) *InMemoryRecord {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryRecord{
		collections: make(map[string]map[string]json.RawMessage),
		logger:      logger.With(zap.String("component", "record_tier_inmemory")),
	}
}

// Save writes doc at path.
func (r *InMemoryRecord) Save(ctx context.Context, path string, doc any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	docs, ok := r.collections[collection]
	if !ok {
		docs = make(map[string]json.RawMessage)
		r.collections[collection] = docs
	}
	docs[id] = raw
	return nil
}

// Get loads the document at path into dest.
func (r *InMemoryRecord) Get(ctx context.Context, path string, dest any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	r.mu.RLock()
	raw, ok := r.collections[collection][id]
	r.mu.RUnlock()

	if !ok {
		return types.NewError(types.ErrNotFound, fmt.Sprintf("document %s not found", path))
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return nil
}

// Delete removes the document at path.
func (r *InMemoryRecord) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.collections[collection], id)
	return nil
}

// Query loads up to limit documents matching all filters into dest.
func (r *InMemoryRecord) Query(ctx context.Context, collection string, filters []Filter, limit int, dest any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.collections[collection]))
	for id := range r.collections[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	matched := make([]json.RawMessage, 0)
	for _, id := range ids {
		raw := r.collections[collection][id]
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		if !matchesFilters(doc, filters) {
			continue
		}
		matched = append(matched, raw)
		if limit > 0 && len(matched) >= limit {
			break
		}
	}

	joined, err := json.Marshal(matched)
	if err != nil {
		return fmt.Errorf("failed to marshal query results: %w", err)
	}
	if err := json.Unmarshal(joined, dest); err != nil {
		return fmt.Errorf("failed to unmarshal query results: %w", err)
	}
	return nil
}

// Count returns the number of documents in collection.
func (r *InMemoryRecord) Count(ctx context.Context, collection string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.collections[collection]), nil
}

// Collections lists the known collection names.
func (r *InMemoryRecord) Collections(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.collections))
	for name := range r.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func matchesFilters(doc map[string]any, filters []Filter) bool {
	for _, f := range filters {
		field, ok := lookupField(doc, f.Field)
		if !ok {
			return false
		}
		want := normalizeValue(f.Value)
		switch f.Op {
		case FilterEq:
			if !valuesEqual(field, want) {
				return false
			}
		case FilterLt:
			if compareValues(field, want) >= 0 {
				return false
			}
		case FilterGt:
			if compareValues(field, want) <= 0 {
				return false
			}
		case FilterContains:
			arr, ok := field.([]any)
			if !ok {
				return false
			}
			found := false
			for _, el := range arr {
				if valuesEqual(el, want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// lookupField resolves a dotted field path against a decoded document.
func lookupField(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// normalizeValue maps filter values onto their JSON representation: times
// become RFC3339 strings (which sort chronologically), ints become float64.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

func valuesEqual(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareValues(a, b any) int {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}
