package embedder

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeloom-ai/codeloom/pkg/config"
)

func TestLocalEmbedderDeterministic(t *testing.T) {
	e := NewLocalEmbedder(128)
	ctx := context.Background()

	a, err := e.Embed(ctx, "func ParseConfig(path string) error")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "func ParseConfig(path string) error")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 128)
}

func TestLocalEmbedderNormalized(t *testing.T) {
	e := NewLocalEmbedder(64)
	vec, err := e.Embed(context.Background(), "some source code text")
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestLocalEmbedderSimilarTextsCloser(t *testing.T) {
	e := NewLocalEmbedder(256)
	ctx := context.Background()

	query, err := e.Embed(ctx, "parse config file yaml")
	require.NoError(t, err)
	near, err := e.Embed(ctx, "ParseConfig loads the yaml config file")
	require.NoError(t, err)
	far, err := e.Embed(ctx, "binary heap insertion algorithm")
	require.NoError(t, err)

	assert.Greater(t, dot(query, near), dot(query, far))
}

func TestNewSelectsProvider(t *testing.T) {
	e, err := New(config.EmbedderConfig{Provider: "local", Dimensions: 32})
	require.NoError(t, err)
	assert.Equal(t, 32, e.Dimension())

	_, err = New(config.EmbedderConfig{Provider: "openai"})
	assert.Error(t, err, "openai provider without endpoint must fail")

	_, err = New(config.EmbedderConfig{Provider: "quantum"})
	assert.Error(t, err)
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
