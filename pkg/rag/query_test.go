package rag

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetContextForQueryFormat(t *testing.T) {
	index := boundTestIndex(t, "/tmp/query-fmt")
	ctx := context.Background()

	require.NoError(t, index.Upsert(ctx, []*Chunk{
		{
			ID:      "store.go:Put",
			Content: "Put: stores one record",
			Metadata: ChunkMetadata{
				Path: "store.go", ChunkType: "function", Signature: "func Put(k, v string) error",
			},
		},
		{
			ID:      "store.go",
			Content: "store.go: Contains Put",
			Metadata: ChunkMetadata{
				Path: "store.go", ChunkType: "file",
			},
		},
	}))

	retriever := NewRetriever(index)
	bundle, err := retriever.GetContextForQuery(ctx, "store record", 2000, 10)
	require.NoError(t, err)

	assert.Contains(t, bundle, "[function] store.go - func Put(k, v string) error\nPut: stores one record")
	assert.Contains(t, bundle, "[file] store.go\n")
	assert.Contains(t, bundle, "\n\n---\n\n")
}

func TestGetContextForQueryBudget(t *testing.T) {
	index := boundTestIndex(t, "/tmp/query-budget")
	ctx := context.Background()

	big := strings.Repeat("payload ", 100) // ~200 tokens each
	require.NoError(t, index.Upsert(ctx, []*Chunk{
		chunkFixture("c1", "a.go", "tiny match payload"),
		chunkFixture("c2", "b.go", big),
		chunkFixture("c3", "c.go", big),
	}))

	retriever := NewRetriever(index)
	bundle, err := retriever.GetContextForQuery(ctx, "payload", 250, 10)
	require.NoError(t, err)

	// The budget admits the small chunk and at most one large one.
	sections := strings.Split(bundle, "\n\n---\n\n")
	assert.LessOrEqual(t, len(sections), 2)
}

func TestGetContextForQueryEmptyIndex(t *testing.T) {
	index := boundTestIndex(t, "/tmp/query-empty")

	retriever := NewRetriever(index)
	bundle, err := retriever.GetContextForQuery(context.Background(), "anything", 2000, 10)
	require.NoError(t, err)
	assert.Empty(t, bundle)
}
