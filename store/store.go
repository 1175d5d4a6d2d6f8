// Package store defines the three storage tier contracts behind the memory
// coordinator — ephemeral cache, canonical record store, and semantic vector
// index — together with the concrete backends shipped in-tree. Implementers
// plug alternative backends in behind these interfaces.
package store

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/BaSui01/memtier/types"
)

// FilterOp is a record tier query operator.
type FilterOp string

const (
	FilterEq       FilterOp = "=="
	FilterLt       FilterOp = "<"
	FilterGt       FilterOp = ">"
	FilterContains FilterOp = "array_contains"
)

// Filter is a single record tier query predicate. Field may address nested
// document fields with dots, e.g. "metadata.created_at".
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// CacheTier is the ephemeral key/value store with per-key TTL. Failures are
// non-fatal to callers: the coordinator logs and degrades.
type CacheTier interface {
	// Save stores value under key with the given TTL. Zero TTL uses the
	// backend default.
	Save(ctx context.Context, key string, value any, ttl time.Duration) error

	// Get loads the value at key into dest. Returns ErrCacheMiss when the
	// key is absent or expired.
	Get(ctx context.Context, key string, dest any) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Keys enumerates keys matching a glob pattern. Used by the auditor for
	// key-class counting and expired-session scans.
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// ErrCacheMiss is returned by CacheTier.Get when the key is absent.
var ErrCacheMiss = fmt.Errorf("cache miss")

// IsCacheMiss reports whether err is a cache miss.
func IsCacheMiss(err error) bool {
	return err == ErrCacheMiss
}

// RecordTier is the canonical document store and source of truth. Its
// failure during a write aborts the whole operation. Documents are addressed
// by "collection/id" paths and soft-deleted only.
type RecordTier interface {
	// Save writes doc at path, replacing any existing document.
	Save(ctx context.Context, path string, doc any) error

	// Get loads the document at path into dest. Returns a NOT_FOUND error
	// when absent.
	Get(ctx context.Context, path string, dest any) error

	// Delete removes the document at path. Reserved for operational
	// tooling; the coordinator never hard-deletes memory items.
	Delete(ctx context.Context, path string) error

	// Query loads up to limit documents from collection matching all
	// filters into dest, which must be a pointer to a slice.
	Query(ctx context.Context, collection string, filters []Filter, limit int, dest any) error

	// Count returns the number of documents in collection.
	Count(ctx context.Context, collection string) (int, error)

	// Collections lists the known collection names.
	Collections(ctx context.Context) ([]string, error)
}

// VectorMeta is the explicit metadata carried by every vector tier entry.
type VectorMeta struct {
	ID        string         `json:"id"`
	ClientID  string         `json:"client_id"`
	Type      types.ItemType `json:"type"`
	Tags      []string       `json:"tags,omitempty"`
	Text      string         `json:"text"`
	CreatedAt time.Time      `json:"created_at"`

	// DocType and RefID form the back-reference used by orphan detection:
	// the record tier document at "<DocType>/<RefID>" must exist.
	DocType string `json:"doc_type,omitempty"`
	RefID   string `json:"ref_id,omitempty"`
}

// VectorFilter narrows vector queries and bulk deletes. Zero-valued fields
// match everything.
type VectorFilter struct {
	ClientID string
	DocType  string
	Type     types.ItemType
}

// Matches reports whether meta satisfies every set filter field.
func (f VectorFilter) Matches(meta VectorMeta) bool {
	if f.ClientID != "" && meta.ClientID != f.ClientID {
		return false
	}
	if f.DocType != "" && meta.DocType != f.DocType {
		return false
	}
	if f.Type != "" && meta.Type != f.Type {
		return false
	}
	return true
}

// VectorMatch is a single similarity search result.
type VectorMatch struct {
	ID    string
	Text  string
	Meta  VectorMeta
	Score float64
}

// VectorEntry is a raw enumerated vector with its embedding, as returned by
// ListAll for janitor analysis.
type VectorEntry struct {
	ID        string
	Embedding []float64
	Meta      VectorMeta
}

// VectorTier is the semantic index. Failures are non-fatal during store and
// retrieve; the item remains discoverable via the record tier.
type VectorTier interface {
	// Upsert embeds text and stores it under meta.ID, returning the id.
	Upsert(ctx context.Context, text string, meta VectorMeta) (string, error)

	// Query embeds text and returns the topK most similar entries passing
	// the filter, scored by cosine similarity.
	Query(ctx context.Context, text string, topK int, filter VectorFilter) ([]VectorMatch, error)

	// Get returns the entry for id, or found=false when absent.
	Get(ctx context.Context, id string) (entry *VectorEntry, found bool, err error)

	// Delete removes id, reporting whether it existed. Deleting an absent
	// id is not an error.
	Delete(ctx context.Context, id string) (bool, error)

	// DeleteByMetadata removes every entry matching the filter and returns
	// the count removed.
	DeleteByMetadata(ctx context.Context, filter VectorFilter) (int, error)

	// Count returns the total number of entries.
	Count(ctx context.Context) (int, error)

	// ListAll enumerates every entry with its embedding. Intended for
	// bounded maintenance scans, not serving paths.
	ListAll(ctx context.Context) ([]VectorEntry, error)

	// Stats returns population statistics including per-namespace counts.
	Stats(ctx context.Context) (*types.VectorStats, error)
}

// SplitPath splits a "collection/id" path into its parts.
func SplitPath(path string) (collection, id string, err error) {
	i := strings.Index(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", types.NewError(types.ErrValidation, fmt.Sprintf("invalid document path %q", path))
	}
	return path[:i], path[i+1:], nil
}

// CosineSimilarity computes cosine similarity between two vectors, returning
// 0 for mismatched or zero-length inputs.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
