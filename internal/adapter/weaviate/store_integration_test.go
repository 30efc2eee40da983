package weaviate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfqa/backend/internal/adapter/weaviate"
	"pdfqa/backend/internal/testutils"
	"pdfqa/backend/internal/vector"
)

func TestWeaviateStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	ctx := context.Background()
	store := weaviate.NewStore(s.Weaviate)
	const class = "IntegrationChunk"
	require.NoError(t, store.EnsureSchema(ctx, class))

	mk := func(doc string, idx int, vec []float32) vector.Item {
		return vector.Item{
			ID:     vector.ChunkID(doc, idx),
			Vector: vec,
			Metadata: vector.Metadata{DocumentID: doc, ChunkIndex: idx, Text: doc + " text", SourcePage: 1, CharLength: 9},
		}
	}

	require.NoError(t, store.Upsert(ctx, class, []vector.Item{
		mk("doc-a", 0, []float32{1, 0, 0}),
		mk("doc-a", 1, []float32{0, 1, 0}),
		mk("doc-b", 0, []float32{1, 0.1, 0}),
	}))

	hits, err := store.Search(ctx, class, []float32{1, 0, 0}, 5, vector.Filter{DocumentID: "doc-a"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, 0, hits[0].Metadata.ChunkIndex)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-4)

	// Re-upserting the same ids overwrites instead of duplicating.
	require.NoError(t, store.Upsert(ctx, class, []vector.Item{mk("doc-a", 0, []float32{1, 0, 0})}))
	n, err := store.Count(ctx, class, vector.Filter{DocumentID: "doc-a"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, store.Delete(ctx, class, vector.Filter{DocumentID: "doc-a"}))
	hits, err = store.Search(ctx, class, []float32{1, 0, 0}, 5, vector.Filter{DocumentID: "doc-a"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	n, err = store.Count(ctx, class, vector.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
