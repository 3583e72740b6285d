package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectEmbeddings(t *testing.T) {
	records := []EmbeddingRecord{
		{ID: "c1", Path: "a.go", ChunkType: "file", Vector: []float32{0.1, 0.2, 0.3, 0.4}},
		{ID: "c2", Path: "b.go", ChunkType: "file", Vector: []float32{0.5, 0.6, 0.7, 0.8}},
		{ID: "c3", Path: "c.go", ChunkType: "function", Vector: []float32{0.9, 0.1, 0.2, 0.3}},
	}

	points := ProjectEmbeddings(records)
	require.Len(t, points, 3)

	var sawZeroX, sawOneX, sawZeroY, sawOneY bool
	for _, p := range points {
		assert.GreaterOrEqual(t, p.X, 0.0)
		assert.LessOrEqual(t, p.X, 1.0)
		assert.GreaterOrEqual(t, p.Y, 0.0)
		assert.LessOrEqual(t, p.Y, 1.0)
		if p.X == 0 {
			sawZeroX = true
		}
		if p.X == 1 {
			sawOneX = true
		}
		if p.Y == 0 {
			sawZeroY = true
		}
		if p.Y == 1 {
			sawOneY = true
		}
	}
	// Per-axis min-max rescale pins the extremes.
	assert.True(t, sawZeroX && sawOneX)
	assert.True(t, sawZeroY && sawOneY)
}

func TestProjectEmbeddingsSingleVector(t *testing.T) {
	points := ProjectEmbeddings([]EmbeddingRecord{
		{ID: "solo", Vector: []float32{0.7, 0.3, 0.9}},
	})
	require.Len(t, points, 1)
	// One vector collapses both axes to the midpoint.
	assert.Equal(t, 0.5, points[0].X)
	assert.Equal(t, 0.5, points[0].Y)
}

func TestProjectEmbeddingsEmpty(t *testing.T) {
	points := ProjectEmbeddings(nil)
	assert.NotNil(t, points)
	assert.Empty(t, points)
}

func TestProjectEmbeddingsPreservesIdentity(t *testing.T) {
	records := []EmbeddingRecord{
		{ID: "x", Path: "x.go", ChunkType: "file", Vector: []float32{1, 0}},
		{ID: "y", Path: "y.go", ChunkType: "function", Vector: []float32{0, 1}},
	}

	points := ProjectEmbeddings(records)
	require.Len(t, points, 2)

	byID := map[string]Point{points[0].ID: points[0], points[1].ID: points[1]}
	assert.Equal(t, "x.go", byID["x"].Path)
	assert.Equal(t, "function", byID["y"].Type)
}
