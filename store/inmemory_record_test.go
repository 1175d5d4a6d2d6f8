package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/memtier/types"
)

func TestInMemoryRecordSaveGet(t *testing.T) {
	r := NewInMemoryRecord(nil)
	ctx := context.Background()

	item := types.MemoryItem{
		ID:       "m1",
		Text:     "hello",
		ClientID: "c1",
	}
	require.NoError(t, r.Save(ctx, "memories/m1", item))

	var got types.MemoryItem
	require.NoError(t, r.Get(ctx, "memories/m1", &got))
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, "c1", got.ClientID)
}

func TestInMemoryRecordGetNotFound(t *testing.T) {
	r := NewInMemoryRecord(nil)

	var got types.MemoryItem
	err := r.Get(context.Background(), "memories/absent", &got)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestInMemoryRecordSaveReplaces(t *testing.T) {
	r := NewInMemoryRecord(nil)
	ctx := context.Background()

	require.NoError(t, r.Save(ctx, "memories/m1", types.MemoryItem{ID: "m1", Text: "first"}))
	require.NoError(t, r.Save(ctx, "memories/m1", types.MemoryItem{ID: "m1", Text: "second"}))

	n, err := r.Count(ctx, "memories")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var got types.MemoryItem
	require.NoError(t, r.Get(ctx, "memories/m1", &got))
	assert.Equal(t, "second", got.Text)
}

func TestInMemoryRecordQueryFilters(t *testing.T) {
	r := NewInMemoryRecord(nil)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	save := func(id, clientID string, createdAt time.Time, tags []string) {
		t.Helper()
		item := types.MemoryItem{
			ID:       id,
			Text:     "text " + id,
			ClientID: clientID,
			Metadata: types.MemoryMetadata{
				ClientID:  clientID,
				CreatedAt: createdAt,
				Tags:      tags,
			},
		}
		require.NoError(t, r.Save(ctx, "memories/"+id, item))
	}

	save("m1", "c1", now.AddDate(0, 0, -200), []string{"billing"})
	save("m2", "c1", now.AddDate(0, 0, -10), []string{"billing", "support"})
	save("m3", "c2", now.AddDate(0, 0, -5), nil)

	var byClient []types.MemoryItem
	require.NoError(t, r.Query(ctx, "memories", []Filter{
		{Field: "client_id", Op: FilterEq, Value: "c1"},
	}, 0, &byClient))
	assert.Len(t, byClient, 2)

	var old []types.MemoryItem
	require.NoError(t, r.Query(ctx, "memories", []Filter{
		{Field: "metadata.created_at", Op: FilterLt, Value: now.AddDate(0, 0, -180)},
	}, 0, &old))
	require.Len(t, old, 1)
	assert.Equal(t, "m1", old[0].ID)

	var tagged []types.MemoryItem
	require.NoError(t, r.Query(ctx, "memories", []Filter{
		{Field: "metadata.tags", Op: FilterContains, Value: "support"},
	}, 0, &tagged))
	require.Len(t, tagged, 1)
	assert.Equal(t, "m2", tagged[0].ID)

	var limited []types.MemoryItem
	require.NoError(t, r.Query(ctx, "memories", nil, 2, &limited))
	assert.Len(t, limited, 2)
}

func TestInMemoryRecordCollections(t *testing.T) {
	r := NewInMemoryRecord(nil)
	ctx := context.Background()

	require.NoError(t, r.Save(ctx, "memories/m1", map[string]any{"id": "m1"}))
	require.NoError(t, r.Save(ctx, "memory_audit/op1", map[string]any{"id": "op1"}))

	names, err := r.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"memories", "memory_audit"}, names)
}

func TestInMemoryRecordDelete(t *testing.T) {
	r := NewInMemoryRecord(nil)
	ctx := context.Background()

	require.NoError(t, r.Save(ctx, "memories/m1", map[string]any{"id": "m1"}))
	require.NoError(t, r.Delete(ctx, "memories/m1"))

	var got map[string]any
	err := r.Get(ctx, "memories/m1", &got)
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	// Deleting an absent document is not an error.
	assert.NoError(t, r.Delete(ctx, "memories/m1"))
}

func TestSplitPath(t *testing.T) {
	collection, id, err := SplitPath("memories/m1")
	require.NoError(t, err)
	assert.Equal(t, "memories", collection)
	assert.Equal(t, "m1", id)

	for _, bad := range []string{"memories", "memories/", "/m1", ""} {
		_, _, err := SplitPath(bad)
		assert.Error(t, err, "path %q", bad)
	}
}
