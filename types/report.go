package types

import "time"

// HealthStatus is the overall verdict of a reconciliation run.
type HealthStatus string

const (
	HealthHealthy HealthStatus = "healthy"
	HealthWarning HealthStatus = "warning"
)

// OrphanedVector references a vector tier entry whose backing record tier
// document no longer exists.
type OrphanedVector struct {
	VectorID string  `json:"vector_id" bson:"vector_id"`
	DocType  string  `json:"doc_type" bson:"doc_type"`
	RefID    string  `json:"ref_id" bson:"ref_id"`
	Score    float64 `json:"score,omitempty" bson:"score,omitempty"`
}

// MissingEmbedding references a record tier document of an embeddable type
// that has no same-id vector tier entry.
type MissingEmbedding struct {
	DocType string `json:"doc_type" bson:"doc_type"`
	DocID   string `json:"doc_id" bson:"doc_id"`
}

// ReportSummary holds the headline counts of a reconciliation run.
type ReportSummary struct {
	CacheTotal        int `json:"cache_total" bson:"cache_total"`
	RecordTotal       int `json:"record_total" bson:"record_total"`
	VectorTotal       int `json:"vector_total" bson:"vector_total"`
	OrphanedVectors   int `json:"orphaned_vectors_count" bson:"orphaned_vectors_count"`
	MissingEmbeddings int `json:"missing_embeddings_count" bson:"missing_embeddings_count"`
	ExpiredSessions   int `json:"expired_sessions_count" bson:"expired_sessions_count"`
}

// ReportDetails carries the raw per-tier counters behind the summary.
type ReportDetails struct {
	CacheCounts  map[string]int `json:"cache_counts" bson:"cache_counts"`
	RecordCounts map[string]int `json:"record_counts" bson:"record_counts"`
	VectorStats  VectorStats    `json:"vector_stats" bson:"vector_stats"`
}

// ReportSamples holds bounded samples (first N) of each inconsistency class.
type ReportSamples struct {
	OrphanedVectors   []OrphanedVector   `json:"orphaned_vectors_sample" bson:"orphaned_vectors_sample"`
	MissingEmbeddings []MissingEmbedding `json:"missing_embeddings_sample" bson:"missing_embeddings_sample"`
	ExpiredSessions   []string           `json:"expired_sessions_sample" bson:"expired_sessions_sample"`
}

// CleanupResults records what the optional cleanup phase removed.
type CleanupResults struct {
	VectorsDeleted  int `json:"vectors_deleted" bson:"vectors_deleted"`
	SessionsCleaned int `json:"sessions_cleaned" bson:"sessions_cleaned"`
}

// ReconciliationReport is the persisted output of one auditor run, stored
// under memory_audits/<report_id>.
type ReconciliationReport struct {
	ReportID        string          `json:"report_id" bson:"_id"`
	Timestamp       time.Time       `json:"timestamp" bson:"timestamp"`
	Summary         ReportSummary   `json:"summary" bson:"summary"`
	Details         ReportDetails   `json:"details" bson:"details"`
	Inconsistencies ReportSamples   `json:"inconsistencies" bson:"inconsistencies"`
	HealthStatus    HealthStatus    `json:"health_status" bson:"health_status"`
	Issues          []string        `json:"issues" bson:"issues"`
	CleanupResults  *CleanupResults `json:"cleanup_results,omitempty" bson:"cleanup_results,omitempty"`
}
