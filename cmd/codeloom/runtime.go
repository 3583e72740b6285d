package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/codeloom-ai/codeloom/pkg/agent"
	"github.com/codeloom-ai/codeloom/pkg/config"
	"github.com/codeloom-ai/codeloom/pkg/embedder"
	"github.com/codeloom-ai/codeloom/pkg/llms"
	"github.com/codeloom-ai/codeloom/pkg/logger"
	"github.com/codeloom-ai/codeloom/pkg/observability"
	"github.com/codeloom-ai/codeloom/pkg/rag"
	"github.com/codeloom-ai/codeloom/pkg/session"
	"github.com/codeloom-ai/codeloom/pkg/toolhost"
)

// runtimeComponents is everything the commands assemble from config.
type runtimeComponents struct {
	cfg       *config.Config
	store     *session.Store
	router    *rag.Router
	retriever *rag.Retriever
	provider  llms.Provider
	tools     *toolhost.Host
	metrics   *observability.Metrics

	closers []func()
}

// buildRuntime wires the shared components. The vector index is
// best-effort: a failure to open it logs a warning and retrieval is
// simply absent. Failing to open the session store is fatal.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtimeComponents, error) {
	rt := &runtimeComponents{cfg: cfg}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SessionDB), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := session.NewStore(cfg.Storage.SessionDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, func() { _ = store.Close() })

	rt.provider = llms.NewProvider(cfg.LLM)

	emb, err := embedder.New(cfg.Embedder)
	if err != nil {
		logger.GetLogger().Warn("embedder unavailable, retrieval disabled", "error", err)
	} else {
		index, err := rag.NewChromemIndex(cfg.Storage.VectorDB, emb)
		if err != nil {
			logger.GetLogger().Warn("vector index unavailable, retrieval disabled", "error", err)
		} else {
			rt.router = rag.NewRouter(index)
			rt.retriever = rag.NewRetriever(index)
		}
	}

	if len(cfg.ToolServers) > 0 {
		host := toolhost.NewHost(version)
		if err := host.Start(ctx, cfg.ToolServers); err != nil {
			logger.GetLogger().Warn("tool host startup incomplete", "error", err)
		}
		rt.tools = host
		rt.closers = append(rt.closers, host.Stop)
	}

	rt.metrics = observability.NewMetrics()
	if srv := rt.metrics.Serve(cfg.MetricsAddr); srv != nil {
		rt.closers = append(rt.closers, func() { _ = srv.Close() })
	}

	return rt, nil
}

func (rt *runtimeComponents) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// toolRunner hands the host to the agent without a typed nil. Calls go
// through the metrics wrapper so each invocation is counted.
func (rt *runtimeComponents) toolRunner() agent.ToolRunner {
	if rt.tools == nil {
		return nil
	}
	if rt.metrics != nil {
		return rt.metrics.ObserveTools(rt.tools)
	}
	return rt.tools
}

// startWatcher begins re-indexing the active codebase on file changes.
// The watcher follows the router, so it may start before any session
// binds a codebase.
func (rt *runtimeComponents) startWatcher(ctx context.Context) {
	if !rt.cfg.Watcher.Enabled || rt.router == nil {
		return
	}
	watcher := rag.NewWatcher(rt.router, time.Duration(rt.cfg.Watcher.Debounce)*time.Millisecond)
	if err := watcher.Start(ctx); err != nil {
		logger.GetLogger().Warn("file watcher failed to start", "error", err)
	}
}
