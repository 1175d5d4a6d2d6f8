package memory

import (
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/BaSui01/memtier/types"
)

var itemTypes = []types.ItemType{
	types.ItemFact,
	types.ItemConversation,
	types.ItemDocument,
	types.ItemSummary,
	types.ItemEmbedding,
}

func drawMetadata(t *rapid.T, now time.Time) types.MemoryMetadata {
	meta := types.MemoryMetadata{
		ClientID:    "c1",
		Type:        rapid.SampledFrom(itemTypes).Draw(t, "type"),
		AccessCount: rapid.IntRange(0, 100000).Draw(t, "access_count"),
	}
	if rapid.Bool().Draw(t, "has_created_at") {
		ageDays := rapid.IntRange(0, 4000).Draw(t, "age_days")
		meta.CreatedAt = now.AddDate(0, 0, -ageDays)
	}
	if rapid.Bool().Draw(t, "has_importance") {
		importance := rapid.Float64Range(0, 1).Draw(t, "importance")
		meta.Importance = &importance
	}
	return meta
}

func TestImportanceScoreBounds(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	rapid.Check(t, func(t *rapid.T) {
		meta := drawMetadata(t, now)
		if rapid.Bool().Draw(t, "tagged") {
			meta.Tags = []string{rapid.SampledFrom(priorityTags).Draw(t, "tag")}
		}

		score := ImportanceScore(&meta, now)
		if score < 0 || score > 1 {
			t.Fatalf("score %v outside [0,1] for %+v", score, meta)
		}
	})
}

func TestImportanceScorePriorityTagNeverHurts(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	rapid.Check(t, func(t *rapid.T) {
		meta := drawMetadata(t, now)
		meta.Tags = []string{"unrelated"}

		tagged := meta
		tagged.Tags = []string{rapid.SampledFrom(priorityTags).Draw(t, "tag")}

		if ImportanceScore(&tagged, now) < ImportanceScore(&meta, now) {
			t.Fatalf("priority tag lowered score for %+v", meta)
		}
	})
}

func TestImportanceScoreDeterministic(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	rapid.Check(t, func(t *rapid.T) {
		meta := drawMetadata(t, now)
		if ImportanceScore(&meta, now) != ImportanceScore(&meta, now) {
			t.Fatal("score is not deterministic")
		}
	})
}
