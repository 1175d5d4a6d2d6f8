// Package types provides unified type definitions for the memtier memory system.
package types

import "time"

// ItemType classifies what a memory item holds.
type ItemType string

const (
	// ItemFact represents a discrete piece of knowledge.
	ItemFact ItemType = "fact"

	// ItemConversation represents conversational history.
	ItemConversation ItemType = "conversation"

	// ItemDocument represents a full document or large text body.
	ItemDocument ItemType = "document"

	// ItemSummary represents a condensed form of archived content.
	ItemSummary ItemType = "summary"

	// ItemEmbedding represents content stored primarily for semantic lookup.
	ItemEmbedding ItemType = "embedding"
)

// MemoryMetadata is the explicit metadata record attached to every memory
// item. ClientID is required and immutable after creation.
type MemoryMetadata struct {
	// ID is the optional explicit item id. When empty the coordinator
	// generates one on store.
	ID string `json:"id,omitempty" bson:"id,omitempty" yaml:"id,omitempty"`

	ClientID        string     `json:"client_id" bson:"client_id" yaml:"client_id"`
	Type            ItemType   `json:"type" bson:"type" yaml:"type"`
	Tags            []string   `json:"tags,omitempty" bson:"tags,omitempty" yaml:"tags,omitempty"`
	CreatedAt       time.Time  `json:"created_at" bson:"created_at" yaml:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" bson:"updated_at" yaml:"updated_at"`
	ImportanceScore float64    `json:"importance_score" bson:"importance_score" yaml:"importance_score"`
	AccessCount     int        `json:"access_count" bson:"access_count" yaml:"access_count"`
	LastAccessed    *time.Time `json:"last_accessed,omitempty" bson:"last_accessed,omitempty" yaml:"last_accessed,omitempty"`

	// Importance is an explicit, manually assigned importance override.
	// When set, the scorer weights it heavily over the computed factors.
	Importance *float64 `json:"importance,omitempty" bson:"importance,omitempty" yaml:"importance,omitempty"`

	// TTLHours requests an ephemeral cache copy with the given lifetime.
	TTLHours int `json:"ttl_hours,omitempty" bson:"ttl_hours,omitempty" yaml:"ttl_hours,omitempty"`

	// OriginalID and OriginalLength are set on summary items and point back
	// to the archived source.
	OriginalID     string `json:"original_id,omitempty" bson:"original_id,omitempty" yaml:"original_id,omitempty"`
	OriginalLength int    `json:"original_length,omitempty" bson:"original_length,omitempty" yaml:"original_length,omitempty"`

	// PrunedFrom is set on summaries produced during pruning.
	PrunedFrom string `json:"pruned_from,omitempty" bson:"pruned_from,omitempty" yaml:"pruned_from,omitempty"`
}

// HasTag reports whether the metadata carries the given tag.
func (m *MemoryMetadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MemoryItem is the canonical unit of stored knowledge. Record tier documents
// are soft-deleted only: Archived flips to true, the document itself stays.
type MemoryItem struct {
	ID       string         `json:"id" bson:"_id"`
	Text     string         `json:"text" bson:"text"`
	ClientID string         `json:"client_id" bson:"client_id"`
	Metadata MemoryMetadata `json:"metadata" bson:"metadata"`

	Archived  bool       `json:"archived" bson:"archived"`
	SummaryID string     `json:"summary_id,omitempty" bson:"summary_id,omitempty"`
	PrunedAt  *time.Time `json:"pruned_at,omitempty" bson:"pruned_at,omitempty"`
}

// MemoryHit is a single retrieval result with its relevance score and the
// tier that produced it.
type MemoryHit struct {
	ID         string         `json:"id"`
	Text       string         `json:"text"`
	Metadata   MemoryMetadata `json:"metadata"`
	Score      float64        `json:"score"`
	Source     string         `json:"source"` // "cache", "record", "vector"
	Importance float64        `json:"importance"`
}

// OperationType identifies an audited coordinator operation.
type OperationType string

const (
	OpStore    OperationType = "store"
	OpRetrieve OperationType = "retrieve"
	OpPrune    OperationType = "prune"
	OpCleanup  OperationType = "cleanup"
)

// AuditRecord is the persisted trail entry for a coordinator operation,
// stored under memory_audit/<operation_id>.
type AuditRecord struct {
	OperationID   string         `json:"operation_id" bson:"_id"`
	OperationType OperationType  `json:"operation_type" bson:"operation_type"`
	ClientID      string         `json:"client_id" bson:"client_id"`
	Details       map[string]any `json:"details,omitempty" bson:"details,omitempty"`
	Timestamp     time.Time      `json:"timestamp" bson:"timestamp"`
}

// VectorStats summarizes the vector tier population.
type VectorStats struct {
	Total      int            `json:"total" bson:"total"`
	Namespaces map[string]int `json:"namespaces,omitempty" bson:"namespaces,omitempty"`
	Dimension  int            `json:"dimension,omitempty" bson:"dimension,omitempty"`
}
