package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/codeloom-ai/codeloom/pkg/agent"
	"github.com/codeloom-ai/codeloom/pkg/config"
	"github.com/codeloom-ai/codeloom/pkg/llms"
	"github.com/codeloom-ai/codeloom/pkg/logger"
	"github.com/codeloom-ai/codeloom/pkg/memory"
	"github.com/codeloom-ai/codeloom/pkg/observability"
	"github.com/codeloom-ai/codeloom/pkg/rag"
	"github.com/codeloom-ai/codeloom/pkg/session"
	"github.com/codeloom-ai/codeloom/pkg/tokens"
)

// Handlers holds the wired runtime components and exposes every RPC
// method. The current agent tracks the loaded session; chat works
// before any session exists through an ephemeral agent.
type Handlers struct {
	cfg       *config.Config
	store     *session.Store
	router    *rag.Router
	retriever *rag.Retriever
	provider  llms.Provider
	tools     agent.ToolRunner
	metrics   *observability.Metrics
	notify    agent.NotifyFunc
	builder   *memory.Builder

	mu             sync.Mutex
	current        *agent.Agent
	currentSession *session.Session
}

// Options wires the handler set. Router/retriever and tools are
// optional; their methods degrade when absent.
type Options struct {
	Store     *session.Store
	Router    *rag.Router
	Retriever *rag.Retriever
	Provider  llms.Provider
	Tools     agent.ToolRunner
	Metrics   *observability.Metrics
	Notify    agent.NotifyFunc
}

func NewHandlers(cfg *config.Config, opts Options) *Handlers {
	estimator := estimatorFor(cfg)
	return &Handlers{
		cfg:       cfg,
		store:     opts.Store,
		router:    opts.Router,
		retriever: opts.Retriever,
		provider:  opts.Provider,
		tools:     opts.Tools,
		metrics:   opts.Metrics,
		notify:    opts.Notify,
		builder:   memory.NewBuilder(cfg.Context, estimator),
	}
}

func estimatorFor(cfg *config.Config) memory.Estimator {
	if cfg.Context.Tokenizer == "tiktoken" {
		est, err := memory.NewTiktokenEstimator(cfg.LLM.Model)
		if err == nil {
			return est
		}
		logger.GetLogger().Warn("tiktoken unavailable, falling back to heuristic", "error", err)
	}
	return memory.HeuristicEstimator{}
}

// Methods returns the full method table for the dispatcher.
func (h *Handlers) Methods() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		"chat.send":         h.instrument("chat.send", h.chatSend),
		"chat.cancel":       h.instrument("chat.cancel", h.chatCancel),
		"session.create":    h.instrument("session.create", h.sessionCreate),
		"session.load":      h.instrument("session.load", h.sessionLoad),
		"session.list":      h.instrument("session.list", h.sessionList),
		"session.update":    h.instrument("session.update", h.sessionUpdate),
		"session.delete":    h.instrument("session.delete", h.sessionDelete),
		"tokens.get":        h.instrument("tokens.get", h.tokensGet),
		"tokens.set_budget": h.instrument("tokens.set_budget", h.tokensSetBudget),
		"tokens.history":    h.instrument("tokens.history", h.tokensHistory),
		"model.get":         h.instrument("model.get", h.modelGet),
		"model.set":         h.instrument("model.set", h.modelSet),
		"model.list":        h.instrument("model.list", h.modelList),
		"rag.search":        h.instrument("rag.search", h.ragSearch),
		"rag.ingest":        h.instrument("rag.ingest", h.ragIngest),
		"rag.status":        h.instrument("rag.status", h.ragStatus),
		"rag.embeddings":    h.instrument("rag.embeddings", h.ragEmbeddings),
		"codebase.init":     h.instrument("codebase.init", h.codebaseInit),
	}
}

func (h *Handlers) instrument(method string, fn HandlerFunc) HandlerFunc {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		if h.metrics != nil {
			h.metrics.RequestsTotal.WithLabelValues(method).Inc()
		}
		return fn(ctx, params)
	}
}

// currentAgent returns the active agent, creating an ephemeral one on
// first use so chat works before session.create.
func (h *Handlers) currentAgent() *agent.Agent {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		h.current = agent.New(h.cfg, agent.Options{
			Provider:  h.provider,
			Builder:   h.builder,
			Retriever: h.retriever,
			Tools:     h.tools,
		})
	}
	return h.current
}

// bindSession builds a persistent agent around a loaded session and
// points the index router at its codebase.
func (h *Handlers) bindSession(sess *session.Session) {
	if h.router != nil && sess.CodebasePath != "" {
		if err := h.router.Switch(sess.CodebasePath); err != nil {
			logger.GetLogger().Warn("failed to switch index collection",
				"path", sess.CodebasePath, "error", err)
		}
	}

	log := session.NewConversationLog(h.store, sess.ID)
	ledger := tokens.NewLedger(h.store.DB(), h.cfg.TokenBudget)
	if h.metrics != nil {
		h.metrics.ObserveLedger(ledger)
	}

	var intent *agent.IntentExtractor
	if h.cfg.IsLLMConfigured() {
		intent = agent.NewIntentExtractor(h.provider)
	}

	h.mu.Lock()
	h.currentSession = sess
	h.current = agent.New(h.cfg, agent.Options{
		Provider:  h.provider,
		Builder:   h.builder,
		Ledger:    ledger,
		Retriever: h.retriever,
		Intent:    intent,
		Tools:     h.tools,
		Log:       log,
		SessionID: sess.ID,
	})
	h.mu.Unlock()
}

func (h *Handlers) chatSend(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Message string `json:"message"`
		UseRAG  *bool  `json:"use_rag"`
		Stream  bool   `json:"stream"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Message == "" {
		return nil, invalidParams(fmt.Errorf("no message provided"))
	}

	useRAG := true
	if p.UseRAG != nil {
		useRAG = *p.UseRAG
	}

	if h.metrics != nil {
		h.metrics.TurnsTotal.Inc()
	}

	result, err := h.currentAgent().Send(ctx, agent.TurnRequest{
		Message: p.Message,
		UseRAG:  useRAG,
		Stream:  p.Stream,
	}, h.notify)
	if err != nil {
		if h.metrics != nil {
			h.metrics.TurnErrors.Inc()
		}
		return nil, err
	}

	return map[string]interface{}{
		"response": result.Response,
		"tokens":   result.Stats,
	}, nil
}

func (h *Handlers) chatCancel(_ context.Context, _ json.RawMessage) (interface{}, error) {
	h.mu.Lock()
	current := h.current
	h.mu.Unlock()

	cancelled := false
	if current != nil {
		cancelled = current.Cancel()
	}
	return map[string]interface{}{"cancelled": cancelled}, nil
}

func (h *Handlers) sessionCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Name         string `json:"name"`
		CodebasePath string `json:"codebase_path"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	sess, err := h.store.CreateSession(ctx, p.Name, p.CodebasePath)
	if err != nil {
		return nil, err
	}
	h.bindSession(sess)
	return sess, nil
}

func (h *Handlers) sessionLoad(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, invalidParams(fmt.Errorf("no session id provided"))
	}

	sess, err := h.store.LoadSession(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	h.bindSession(sess)
	return sess, nil
}

func (h *Handlers) sessionList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Limit int `json:"limit"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 20
	}

	sessions, err := h.store.ListSessions(ctx, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"sessions": sessions}, nil
}

func (h *Handlers) sessionUpdate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID       string                 `json:"id"`
		Name     *string                `json:"name"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, invalidParams(fmt.Errorf("no session id provided"))
	}

	if err := h.store.UpdateSession(ctx, p.ID, p.Name, p.Metadata); err != nil {
		return nil, err
	}
	return h.store.GetSession(ctx, p.ID)
}

func (h *Handlers) sessionDelete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, invalidParams(fmt.Errorf("no session id provided"))
	}

	deleted, err := h.store.DeleteSession(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.currentSession != nil && h.currentSession.ID == p.ID {
		h.currentSession = nil
		h.current = nil
	}
	h.mu.Unlock()

	return map[string]interface{}{"deleted": deleted}, nil
}

func (h *Handlers) tokensGet(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	ledger, sessionID := h.currentLedger()
	if ledger == nil {
		return &tokens.Stats{}, nil
	}

	stats, err := ledger.GetSessionStats(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{
		"total_input":   stats.TotalInput,
		"total_output":  stats.TotalOutput,
		"total_tokens":  stats.TotalTokens,
		"total_cost":    stats.TotalCost,
		"request_count": stats.RequestCount,
	}
	if budget := ledger.Budget(); budget != nil {
		remaining, err := ledger.GetBudgetRemaining(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		percentage, err := ledger.GetBudgetPercentage(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		result["budget"] = *budget
		result["budget_remaining"] = remaining
		result["budget_percentage"] = percentage
	}
	return result, nil
}

func (h *Handlers) tokensSetBudget(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Budget *int `json:"budget"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	ledger, _ := h.currentLedger()
	if ledger == nil {
		return nil, fmt.Errorf("no active session")
	}
	ledger.SetBudget(p.Budget)
	return map[string]interface{}{"budget": p.Budget}, nil
}

func (h *Handlers) tokensHistory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Limit int `json:"limit"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}

	ledger, sessionID := h.currentLedger()
	if ledger == nil {
		return map[string]interface{}{"history": []interface{}{}}, nil
	}

	history, err := ledger.GetHistory(ctx, sessionID, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"history": history}, nil
}

func (h *Handlers) currentLedger() (*tokens.Ledger, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil || h.current.Ledger() == nil {
		return nil, ""
	}
	return h.current.Ledger(), h.current.SessionID()
}

func (h *Handlers) modelGet(_ context.Context, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"model": h.provider.Model()}, nil
}

func (h *Handlers) modelSet(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Model string `json:"model"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Model == "" {
		return nil, invalidParams(fmt.Errorf("no model provided"))
	}

	h.provider.SetModel(p.Model)
	return map[string]interface{}{"model": p.Model}, nil
}

func (h *Handlers) modelList(_ context.Context, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"models": llms.KnownModels,
		"active": h.provider.Model(),
	}, nil
}

func (h *Handlers) ragSearch(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if h.retriever == nil {
		return map[string]interface{}{"results": []interface{}{}, "count": 0}, nil
	}

	var p struct {
		Query    string `json:"query"`
		NResults int    `json:"n_results"`
		Type     string `json:"type"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Query == "" {
		return nil, invalidParams(fmt.Errorf("no query provided"))
	}

	var filter map[string]string
	if p.Type != "" {
		filter = map[string]string{"chunk_type": p.Type}
	}

	results, err := h.retriever.Search(ctx, p.Query, p.NResults, filter)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		items = append(items, map[string]interface{}{
			"id":        r.ID,
			"content":   r.Content,
			"score":     r.Distance,
			"relevance": r.Relevance,
			"metadata":  r.Metadata,
		})
	}
	return map[string]interface{}{"results": items, "count": len(items)}, nil
}

func (h *Handlers) ragIngest(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if h.router == nil {
		return nil, fmt.Errorf("index not initialized")
	}

	var p struct {
		Chunks   []map[string]interface{} `json:"chunks"`
		JSONPath string                   `json:"json_path"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	source := "direct"
	if len(p.Chunks) == 0 {
		if p.JSONPath == "" {
			return nil, invalidParams(fmt.Errorf("no chunks or json_path provided"))
		}
		data, err := os.ReadFile(p.JSONPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p.JSONPath, err)
		}
		if err := json.Unmarshal(data, &p.Chunks); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", p.JSONPath, err)
		}
		source = "json_file"
	}

	chunks := make([]*rag.Chunk, 0, len(p.Chunks))
	for _, raw := range p.Chunks {
		chunk, err := rag.ChunkFromMap(raw)
		if err != nil {
			return nil, invalidParams(err)
		}
		chunks = append(chunks, chunk)
	}

	if err := h.router.Index().Upsert(ctx, chunks); err != nil {
		return nil, err
	}
	return map[string]interface{}{"ingested": len(chunks), "source": source}, nil
}

func (h *Handlers) ragStatus(_ context.Context, _ json.RawMessage) (interface{}, error) {
	if h.router == nil {
		return map[string]interface{}{"initialized": false, "count": 0}, nil
	}

	index := h.router.Index()
	return map[string]interface{}{
		"initialized":   true,
		"count":         index.Count(),
		"collection":    index.CollectionName(),
		"db_path":       h.cfg.Storage.VectorDB,
		"codebase_path": h.router.ActivePath(),
	}, nil
}

func (h *Handlers) ragEmbeddings(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	if h.router == nil {
		return map[string]interface{}{"points": []interface{}{}, "count": 0}, nil
	}

	records, err := h.router.Index().GetAllEmbeddings(ctx)
	if err != nil {
		return nil, err
	}

	points := rag.ProjectEmbeddings(records)
	return map[string]interface{}{"points": points, "count": len(points)}, nil
}

func (h *Handlers) codebaseInit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if h.router == nil {
		return nil, fmt.Errorf("index not initialized")
	}

	var p struct {
		Path  string `json:"path"`
		Clear bool   `json:"clear"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	path := p.Path
	if path == "" {
		h.mu.Lock()
		if h.currentSession != nil {
			path = h.currentSession.CodebasePath
		}
		h.mu.Unlock()
	}
	if path == "" {
		return nil, invalidParams(fmt.Errorf("no codebase path provided"))
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("path does not exist: %s", path)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", path)
	}

	if err := h.router.Switch(path); err != nil {
		return nil, err
	}
	if p.Clear {
		if err := h.router.Index().Clear(ctx); err != nil {
			return nil, err
		}
	}

	chunks, stats, err := rag.ScanAndGenerateChunks(path)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return map[string]interface{}{
			"chunks":  0,
			"stats":   stats,
			"message": "No code files found to index",
		}, nil
	}

	if err := h.router.Index().Upsert(ctx, chunks); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"chunks": len(chunks),
		"stats":  stats,
		"message": fmt.Sprintf("Indexed %d files, %d code units",
			stats.FilesScanned, stats.UnitsExtracted),
	}, nil
}
