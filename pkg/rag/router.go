package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// CollectionNameForPath derives the stable collection name of a
// codebase: codebase_<slug>_<hash>, where slug is the last path
// component lowercased with non-alphanumerics replaced by '_' and
// truncated to 20, and hash is the first 12 hex chars of the sha256 of
// the absolute path.
func CollectionNameForPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	base := strings.ToLower(filepath.Base(abs))
	var slug strings.Builder
	for _, r := range base {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			slug.WriteRune(r)
		} else {
			slug.WriteByte('_')
		}
	}
	s := slug.String()
	if len(s) > 20 {
		s = s[:20]
	}

	sum := sha256.Sum256([]byte(abs))
	return fmt.Sprintf("codebase_%s_%s", s, hex.EncodeToString(sum[:])[:12]), nil
}

// Router binds the process's single Index handle to one codebase at a
// time. Ingestion and query both go through the same handle, so a Clear
// on one side is visible on the other.
type Router struct {
	index *ChromemIndex

	mu         sync.RWMutex
	activePath string
	onSwitch   func(path string)
}

func NewRouter(index *ChromemIndex) *Router {
	return &Router{index: index}
}

// OnSwitch registers a callback fired after each successful switch to a
// different path. A later registration replaces the earlier one.
func (r *Router) OnSwitch(fn func(path string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSwitch = fn
}

// Switch points the index at the collection for path. Switching to the
// already-active path is a no-op. An empty path is ignored.
func (r *Router) Switch(path string) error {
	if path == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve codebase path: %w", err)
	}

	r.mu.Lock()
	if r.activePath == abs {
		r.mu.Unlock()
		return nil
	}

	name, err := CollectionNameForPath(abs)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if err := r.index.SwitchCollection(name); err != nil {
		r.mu.Unlock()
		return err
	}
	r.activePath = abs
	fn := r.onSwitch
	r.mu.Unlock()

	if fn != nil {
		fn(abs)
	}
	return nil
}

// ActivePath returns the bound codebase path, empty when unbound.
func (r *Router) ActivePath() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activePath
}

// Index returns the shared live handle.
func (r *Router) Index() *ChromemIndex {
	return r.index
}
