package memory

import (
	"math"
	"time"

	"github.com/BaSui01/memtier/types"
)

// priorityTags boost the computed importance of any item carrying them.
var priorityTags = []string{"important", "critical", "key", "permanent"}

// typeWeights bias importance by what kind of content the item holds.
// Summaries rank highest because they condense already-curated knowledge;
// raw embedding payloads rank lowest.
var typeWeights = map[types.ItemType]float64{
	types.ItemFact:         0.7,
	types.ItemConversation: 0.5,
	types.ItemDocument:     0.6,
	types.ItemSummary:      0.8,
	types.ItemEmbedding:    0.4,
}

// ImportanceScore computes the retention score of an item from its metadata.
// The result is always in [0, 1]. The function is pure: persisting the score
// and bumping access statistics is TouchAccess's job.
//
// The score starts from a 0.5 baseline and is successively blended with an
// explicit importance override, recency, access frequency, the item type
// weight, and finally boosted for priority tags.
func ImportanceScore(meta *types.MemoryMetadata, now time.Time) float64 {
	score := 0.5

	if meta.Importance != nil {
		score = *meta.Importance*0.6 + score*0.4
	}

	if !meta.CreatedAt.IsZero() {
		ageDays := now.Sub(meta.CreatedAt).Hours() / 24
		recency := math.Max(0, 1-ageDays/365)
		score = score*0.7 + recency*0.3
	}

	if meta.AccessCount > 0 {
		access := math.Min(1, float64(meta.AccessCount)/100)
		score = score*0.8 + access*0.2
	}

	weight, ok := typeWeights[meta.Type]
	if !ok {
		weight = 0.5
	}
	score = score*0.9 + weight*0.1

	for _, tag := range priorityTags {
		if meta.HasTag(tag) {
			score = math.Min(1, score+0.2)
			break
		}
	}

	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
