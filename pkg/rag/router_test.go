package rag

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeloom-ai/codeloom/pkg/embedder"
)

func newTestIndex(t *testing.T) *ChromemIndex {
	t.Helper()
	index, err := NewChromemIndex("", embedder.NewLocalEmbedder(64))
	require.NoError(t, err)
	return index
}

func TestCollectionNameStable(t *testing.T) {
	a, err := CollectionNameForPath("/home/dev/My Project")
	require.NoError(t, err)
	b, err := CollectionNameForPath("/home/dev/My Project")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := CollectionNameForPath("/home/dev/other")
	require.NoError(t, err)
	assert.NotEqual(t, a, other)
}

func TestCollectionNameShape(t *testing.T) {
	name, err := CollectionNameForPath("/srv/My Project.2024")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(name, "codebase_my_project_2024_"))
	assert.Regexp(t, regexp.MustCompile(`^codebase_[a-z0-9_]{1,20}_[0-9a-f]{12}$`), name)
}

func TestCollectionNameSlugTruncation(t *testing.T) {
	name, err := CollectionNameForPath("/srv/an-extremely-long-directory-name-here")
	require.NoError(t, err)

	parts := strings.TrimPrefix(name, "codebase_")
	slug := parts[:len(parts)-13] // strip "_<12 hex>"
	assert.LessOrEqual(t, len(slug), 20)
}

func TestRouterSwitchIdempotent(t *testing.T) {
	index := newTestIndex(t)
	router := NewRouter(index)

	require.NoError(t, router.Switch("/tmp/project-a"))
	first := index.CollectionName()

	require.NoError(t, router.Switch("/tmp/project-a"))
	assert.Equal(t, first, index.CollectionName())

	require.NoError(t, router.Switch("/tmp/project-b"))
	assert.NotEqual(t, first, index.CollectionName())
}

func TestRouterEmptyPathIgnored(t *testing.T) {
	index := newTestIndex(t)
	router := NewRouter(index)

	require.NoError(t, router.Switch(""))
	assert.Empty(t, router.ActivePath())
}
