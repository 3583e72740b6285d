package rag

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const watcherSource = "package demo\n\nfunc Greet() string {\n\treturn \"hi\"\n}\n"

func TestWatcherFollowsRouterSwitch(t *testing.T) {
	index := newTestIndex(t)
	router := NewRouter(index)
	w := NewWatcher(router, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Started before any codebase is bound: nothing to watch yet, but
	// the binding that follows must bring the watcher along.
	require.NoError(t, w.Start(ctx))

	dir := t.TempDir()
	require.NoError(t, router.Switch(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.go"), []byte(watcherSource), 0o644))

	require.Eventually(t, func() bool {
		return index.Count() > 0
	}, 5*time.Second, 25*time.Millisecond)
}

func TestWatcherRetargetsAcrossCodebases(t *testing.T) {
	index := newTestIndex(t)
	router := NewRouter(index)
	w := NewWatcher(router, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	first := t.TempDir()
	second := t.TempDir()
	require.NoError(t, router.Switch(first))
	require.NoError(t, router.Switch(second))

	require.NoError(t, os.WriteFile(filepath.Join(second, "unit.go"), []byte(watcherSource), 0o644))

	require.Eventually(t, func() bool {
		return index.Count() > 0
	}, 5*time.Second, 25*time.Millisecond)
}
