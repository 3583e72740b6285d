package rag

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codeloom-ai/codeloom/pkg/logger"
)

// Watcher re-indexes files of the bound codebase as they change.
// Events are debounced per file; deletes drop the file's chunks. The
// watcher follows the router: every codebase switch retargets it to
// the new tree.
type Watcher struct {
	router   *Router
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	active  *fsnotify.Watcher
}

func NewWatcher(router *Router, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		router:   router,
		debounce: debounce,
		pending:  make(map[string]*time.Timer),
	}
}

// Start hooks the watcher to the router and, when a codebase is already
// bound, begins watching it. Later switches retarget automatically, so
// Start may run before any session binds a path.
func (w *Watcher) Start(ctx context.Context) error {
	w.router.OnSwitch(func(path string) {
		if err := w.retarget(ctx, path); err != nil {
			logger.GetLogger().Warn("failed to watch codebase", "path", path, "error", err)
		}
	})

	if root := w.router.ActivePath(); root != "" {
		return w.retarget(ctx, root)
	}
	return nil
}

// retarget replaces the active fsnotify watcher with one rooted at the
// given tree. The previous watcher's run loop exits when its event
// channel closes.
func (w *Watcher) retarget(ctx context.Context, root string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// fsnotify is not recursive; register every non-skipped directory.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] && path != root {
				return filepath.SkipDir
			}
			return fw.Add(path)
		}
		return nil
	})
	if err != nil {
		fw.Close()
		return err
	}

	w.mu.Lock()
	if w.active != nil {
		w.active.Close()
	}
	w.active = fw
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	go w.run(ctx, fw, root)
	return nil
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher, root string) {
	defer fw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, fw, root, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			logger.GetLogger().Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, fw *fsnotify.Watcher, root string, event fsnotify.Event) {
	if languageForPath(event.Name) == "" {
		// New directories still need a watch.
		if event.Op.Has(fsnotify.Create) {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !skipDirs[filepath.Base(event.Name)] {
				_ = fw.Add(event.Name)
			}
		}
		return
	}

	rel, err := filepath.Rel(root, event.Name)
	if err != nil {
		return
	}

	if event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename) {
		if _, err := w.router.Index().DeleteByPath(ctx, rel); err != nil {
			logger.GetLogger().Warn("failed to drop chunks for removed file", "path", rel, "error", err)
		}
		return
	}

	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
		return
	}

	w.mu.Lock()
	if timer, ok := w.pending[event.Name]; ok {
		timer.Stop()
	}
	w.pending[event.Name] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, event.Name)
		w.mu.Unlock()
		w.reindexFile(ctx, root, event.Name, rel)
	})
	w.mu.Unlock()
}

func (w *Watcher) reindexFile(ctx context.Context, root, absPath, relPath string) {
	scanner := NewScanner(root)
	analysis, err := scanner.analyzeFile(root, absPath)
	if err != nil || analysis == nil {
		return
	}

	index := w.router.Index()
	if _, err := index.DeleteByPath(ctx, relPath); err != nil {
		logger.GetLogger().Warn("failed to drop stale chunks", "path", relPath, "error", err)
		return
	}
	if err := index.Upsert(ctx, AnalysisToChunks(analysis)); err != nil {
		logger.GetLogger().Warn("failed to re-index file", "path", relPath, "error", err)
		return
	}
	logger.GetLogger().Debug("re-indexed file", "path", relPath)
}
