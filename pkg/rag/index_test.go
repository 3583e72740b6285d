package rag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeloom-ai/codeloom/pkg/embedder"
)

func boundTestIndex(t *testing.T, path string) *ChromemIndex {
	t.Helper()
	index := newTestIndex(t)
	require.NoError(t, NewRouter(index).Switch(path))
	return index
}

func chunkFixture(id, path, content string) *Chunk {
	return &Chunk{
		ID:      id,
		Content: content,
		Metadata: ChunkMetadata{
			Path:      path,
			Language:  "go",
			ChunkType: "function",
			Signature: "func " + id + "()",
		},
	}
}

func TestUpsertAndQuery(t *testing.T) {
	index := boundTestIndex(t, "/tmp/idx-a")
	ctx := context.Background()

	require.NoError(t, index.Upsert(ctx, []*Chunk{
		chunkFixture("c1", "config.go", "parse yaml configuration file loader"),
		chunkFixture("c2", "server.go", "http server request handler routing"),
	}))
	assert.Equal(t, 2, index.Count())

	results, err := index.QueryText(ctx, "yaml configuration parsing", 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, "c1", results[0].ID)
	assert.Equal(t, "config.go", results[0].Metadata.Path)
	for _, r := range results {
		assert.InDelta(t, 1/(1+r.Distance), r.Relevance, 1e-9)
	}
}

func TestQueryClampsToCount(t *testing.T) {
	index := boundTestIndex(t, "/tmp/idx-clamp")
	ctx := context.Background()

	require.NoError(t, index.Upsert(ctx, []*Chunk{
		chunkFixture("only", "a.go", "single document"),
	}))

	results, err := index.QueryText(ctx, "document", 50, nil)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestQueryEmptyCollection(t *testing.T) {
	index := boundTestIndex(t, "/tmp/idx-empty")

	results, err := index.QueryText(context.Background(), "anything", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDeleteByPath(t *testing.T) {
	index := boundTestIndex(t, "/tmp/idx-del")
	ctx := context.Background()

	require.NoError(t, index.Upsert(ctx, []*Chunk{
		chunkFixture("a1", "alpha.go", "alpha content"),
		chunkFixture("a2", "alpha.go", "more alpha content"),
		chunkFixture("b1", "beta.go", "beta content"),
	}))

	removed, err := index.DeleteByPath(ctx, "alpha.go")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, index.Count())

	records, err := index.GetAllEmbeddings(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "b1", records[0].ID)
}

func TestClearVisibleThroughSharedHandle(t *testing.T) {
	index := boundTestIndex(t, "/tmp/idx-clear")
	ctx := context.Background()

	// Retrieval and ingestion both borrow the same handle.
	retriever := NewRetriever(index)

	require.NoError(t, index.Upsert(ctx, []*Chunk{
		chunkFixture("c1", "a.go", "something searchable"),
	}))
	require.NoError(t, index.Clear(ctx))

	assert.Zero(t, index.Count())
	results, err := retriever.Search(ctx, "searchable", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCollectionIsolation(t *testing.T) {
	index := newTestIndex(t)
	router := NewRouter(index)
	ctx := context.Background()

	require.NoError(t, router.Switch("/tmp/proj-one"))
	require.NoError(t, index.Upsert(ctx, []*Chunk{
		chunkFixture("one", "one.go", "unmistakable marker alpha"),
	}))

	require.NoError(t, router.Switch("/tmp/proj-two"))
	require.NoError(t, index.Upsert(ctx, []*Chunk{
		chunkFixture("two", "two.go", "unmistakable marker beta"),
	}))

	results, err := index.QueryText(ctx, "unmistakable marker", 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "two", results[0].ID)

	require.NoError(t, router.Switch("/tmp/proj-one"))
	results, err = index.QueryText(ctx, "unmistakable marker", 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "one", results[0].ID)
}

func TestEmbeddingsSurviveCollectionSwitch(t *testing.T) {
	index := newTestIndex(t)
	router := NewRouter(index)
	ctx := context.Background()

	require.NoError(t, router.Switch("/tmp/swap-a"))
	require.NoError(t, index.Upsert(ctx, []*Chunk{
		chunkFixture("a1", "a.go", "alpha body"),
	}))

	require.NoError(t, router.Switch("/tmp/swap-b"))
	require.NoError(t, router.Switch("/tmp/swap-a"))

	// Count and enumeration must agree after coming back.
	assert.Equal(t, 1, index.Count())
	records, err := index.GetAllEmbeddings(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a1", records[0].ID)

	// The other collection stays empty.
	require.NoError(t, router.Switch("/tmp/swap-b"))
	records, err = index.GetAllEmbeddings(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestEmbeddingsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewChromemIndex(dir, embedder.NewLocalEmbedder(64))
	require.NoError(t, err)
	require.NoError(t, NewRouter(first).Switch("/tmp/reopen"))
	require.NoError(t, first.Upsert(ctx, []*Chunk{
		chunkFixture("r1", "r.go", "body that outlives the process"),
	}))

	second, err := NewChromemIndex(dir, embedder.NewLocalEmbedder(64))
	require.NoError(t, err)
	require.NoError(t, NewRouter(second).Switch("/tmp/reopen"))

	records, err := second.GetAllEmbeddings(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "r1", records[0].ID)
	assert.Equal(t, "r.go", records[0].Path)
	assert.NotEmpty(t, records[0].Vector)
}
