// Package agent drives one conversational turn end to end: retrieval,
// context assembly, the LLM call, tool dispatch and bookkeeping.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/codeloom-ai/codeloom/pkg/config"
	"github.com/codeloom-ai/codeloom/pkg/llms"
	"github.com/codeloom-ai/codeloom/pkg/logger"
	"github.com/codeloom-ai/codeloom/pkg/memory"
	"github.com/codeloom-ai/codeloom/pkg/rag"
	"github.com/codeloom-ai/codeloom/pkg/session"
	"github.com/codeloom-ai/codeloom/pkg/tokens"
)

// ErrCancelled is returned by Send when the turn was aborted through
// Cancel before the model finished.
var ErrCancelled = errors.New("turn cancelled")

// DefaultSystemPrompt seeds new sessions.
const DefaultSystemPrompt = "You are a helpful AI assistant for understanding codebases."

// NotifyFunc delivers a best-effort notification to the client; nil
// means the caller cannot receive notifications.
type NotifyFunc func(method string, params map[string]interface{})

// TurnRequest is one chat.send invocation.
type TurnRequest struct {
	Message string
	UseRAG  bool
	Stream  bool
}

// TurnResult is what a finished turn reports back.
type TurnResult struct {
	Response string        `json:"response"`
	Stats    *tokens.Stats `json:"tokens,omitempty"`
}

// Options wires an Agent. Everything but Provider is optional: without
// a Log the agent keeps an in-memory tail, without a Retriever turns
// skip retrieval, without Tools the loop never engages.
type Options struct {
	Provider     llms.Provider
	Builder      *memory.Builder
	Ledger       *tokens.Ledger
	Retriever    *rag.Retriever
	Intent       *IntentExtractor
	Tools        ToolRunner
	Log          *session.ConversationLog
	SessionID    string
	SystemPrompt string
}

// Agent is the turn engine for one session. Turns on the same agent
// are serialised; concurrent Sends queue behind the turn mutex.
type Agent struct {
	cfg          *config.Config
	provider     llms.Provider
	builder      *memory.Builder
	ledger       *tokens.Ledger
	retriever    *rag.Retriever
	intent       *IntentExtractor
	tools        ToolRunner
	log          *session.ConversationLog
	sessionID    string
	systemPrompt string

	mu   sync.Mutex // serialises turns
	tail []memory.ContextMessage

	cancelMu   sync.Mutex
	cancelTurn context.CancelFunc
}

func New(cfg *config.Config, opts Options) *Agent {
	systemPrompt := opts.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	builder := opts.Builder
	if builder == nil {
		builder = memory.NewBuilder(cfg.Context, nil)
	}

	a := &Agent{
		cfg:          cfg,
		provider:     opts.Provider,
		builder:      builder,
		ledger:       opts.Ledger,
		retriever:    opts.Retriever,
		intent:       opts.Intent,
		tools:        opts.Tools,
		log:          opts.Log,
		sessionID:    opts.SessionID,
		systemPrompt: systemPrompt,
	}
	if a.log == nil && systemPrompt != "" {
		a.tail = append(a.tail, memory.ContextMessage{Role: "system", Content: systemPrompt})
	}
	return a
}

// IsPersistent reports whether messages go to the session store.
func (a *Agent) IsPersistent() bool {
	return a.log != nil
}

func (a *Agent) SessionID() string {
	return a.sessionID
}

func (a *Agent) Ledger() *tokens.Ledger {
	return a.ledger
}

func (a *Agent) Provider() llms.Provider {
	return a.provider
}

// Cancel aborts the in-flight turn, if any. The cancelled Send still
// emits its terminal done notification before returning ErrCancelled.
func (a *Agent) Cancel() bool {
	a.cancelMu.Lock()
	defer a.cancelMu.Unlock()
	if a.cancelTurn == nil {
		return false
	}
	a.cancelTurn()
	return true
}

func (a *Agent) armCancel(cancel context.CancelFunc) {
	a.cancelMu.Lock()
	a.cancelTurn = cancel
	a.cancelMu.Unlock()
}

func (a *Agent) disarmCancel() {
	a.cancelMu.Lock()
	a.cancelTurn = nil
	a.cancelMu.Unlock()
}

// Send runs one turn: refine the retrieval query, fetch a retrieval
// bundle, build the window, persist the user message, call the model,
// then persist the assistant message and its usage before the terminal
// notification goes out.
func (a *Agent) Send(ctx context.Context, req TurnRequest, notify NotifyFunc) (*TurnResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ledger != nil && a.sessionID != "" {
		over, err := a.ledger.IsOverBudget(ctx, a.sessionID)
		if err == nil && over {
			return nil, tokens.ErrBudgetExceeded
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.armCancel(cancel)
	defer a.disarmCancel()

	query := a.retrievalQuery(ctx, req.Message)

	ragContext := ""
	if req.UseRAG && a.retriever != nil {
		bundle, err := a.retriever.GetContextForQuery(ctx, query, a.cfg.Context.MaxRAGTokens, 0)
		if err != nil {
			logger.GetLogger().Warn("retrieval failed, continuing without context", "error", err)
		} else {
			ragContext = bundle
		}
	}

	window, err := a.buildWindow(ctx, req.Message, ragContext)
	if err != nil {
		return nil, err
	}

	if err := a.recordMessage(ctx, "user", req.Message, 0, nil); err != nil {
		return nil, err
	}

	streaming := req.Stream && notify != nil
	text, completion, llmErr := a.callModel(ctx, window, req.Message, streaming, notify)

	if llmErr != nil {
		return a.finishFailedTurn(ctx, llmErr, text, streaming, notify)
	}

	msgID := a.recordAssistant(ctx, text, completion.OutputTokens, nil)
	stats := a.recordUsage(ctx, completion, msgID)

	if streaming {
		a.emitDone(notify, stats)
	}
	return &TurnResult{Response: text, Stats: stats}, nil
}

// retrievalQuery asks the intent extractor for a refined query and
// falls back to the raw message when extraction is absent or fails.
func (a *Agent) retrievalQuery(ctx context.Context, message string) string {
	if a.intent == nil {
		return message
	}

	intent, err := a.intent.Extract(ctx, message, a.recentContext(ctx))
	if err != nil {
		logger.GetLogger().Debug("intent extraction failed, using raw message", "error", err)
		return message
	}
	if intent.Query != "" {
		return intent.Query
	}
	return message
}

// recentContext renders the last few messages for the intent prompt.
func (a *Agent) recentContext(ctx context.Context) string {
	var lines []string
	if a.log != nil {
		recent, err := a.log.GetRecent(ctx, 5)
		if err != nil {
			return ""
		}
		for _, m := range recent {
			lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
		}
	} else {
		start := len(a.tail) - 5
		if start < 0 {
			start = 0
		}
		for _, m := range a.tail[start:] {
			lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
		}
	}
	return strings.Join(lines, "\n")
}

func (a *Agent) buildWindow(ctx context.Context, userMessage, ragContext string) (*memory.ContextWindow, error) {
	if a.log != nil {
		return a.builder.Build(ctx, a.log, userMessage, a.systemPrompt, ragContext)
	}

	// Ephemeral mode: the whole tail plus the new user message.
	messages := make([]memory.ContextMessage, len(a.tail), len(a.tail)+1)
	copy(messages, a.tail)
	messages = append(messages, memory.ContextMessage{Role: "user", Content: userMessage})
	return &memory.ContextWindow{
		Messages:             messages,
		IncludedMessageCount: len(messages),
	}, nil
}

// callModel picks the execution path for the turn: the tool loop when
// tools are wired, otherwise a plain stream or completion. The
// returned text may be partial when err is a cancellation.
func (a *Agent) callModel(ctx context.Context, window *memory.ContextWindow, userMessage string, streaming bool, notify NotifyFunc) (string, *llms.Completion, error) {
	if a.tools != nil && len(a.tools.ListTools()) > 0 {
		text, completion, err := a.runToolLoop(ctx, window, userMessage)
		if err != nil {
			return text, completion, err
		}
		if streaming {
			a.emitChunk(notify, text)
		}
		return text, completion, nil
	}

	if streaming {
		var accumulated strings.Builder
		completion, err := a.provider.Stream(ctx, window.Messages, func(chunk llms.StreamChunk) {
			if chunk.Done || chunk.Text == "" {
				return
			}
			accumulated.WriteString(chunk.Text)
			a.emitChunk(notify, chunk.Text)
		})
		if err != nil {
			return accumulated.String(), nil, err
		}
		return completion.Content, completion, nil
	}

	completion, err := a.provider.Complete(ctx, window.Messages)
	if err != nil {
		return "", nil, err
	}
	return completion.Content, completion, nil
}

// finishFailedTurn classifies a model failure. Cancellation keeps the
// partial text with a cancelled marker; config errors come back as a
// structured response naming the missing settings; everything else
// becomes the turn's response text. A streaming turn always gets its
// terminal done, even on failure.
func (a *Agent) finishFailedTurn(ctx context.Context, llmErr error, partial string, streaming bool, notify NotifyFunc) (*TurnResult, error) {
	if errors.Is(llmErr, context.Canceled) {
		// The user message stays; the partial assistant text is kept
		// and marked so the log shows the turn was aborted.
		if partial != "" {
			a.recordAssistant(context.WithoutCancel(ctx), partial, 0, map[string]interface{}{"cancelled": true})
		}
		if streaming {
			a.emitDone(notify, nil)
		}
		return nil, ErrCancelled
	}

	if streaming {
		a.emitDone(notify, nil)
	}

	if errors.Is(llmErr, llms.ErrNotConfigured) {
		return &TurnResult{
			Response: fmt.Sprintf("LLM not configured. Set llm.endpoint and llm.api_key in the configuration.\n\nError: %v", llmErr),
		}, nil
	}
	return &TurnResult{
		Response: fmt.Sprintf("Error calling LLM: %v", llmErr),
	}, nil
}

func (a *Agent) recordMessage(ctx context.Context, role, content string, tokenCount int, metadata map[string]interface{}) error {
	if a.log != nil {
		_, err := a.log.Add(ctx, role, content, tokenCount, metadata)
		return err
	}
	a.tail = append(a.tail, memory.ContextMessage{Role: role, Content: content})
	return nil
}

// recordAssistant persists the assistant message and returns its row
// id when in persistent mode.
func (a *Agent) recordAssistant(ctx context.Context, content string, tokenCount int, metadata map[string]interface{}) *int64 {
	if a.log == nil {
		a.tail = append(a.tail, memory.ContextMessage{Role: "assistant", Content: content})
		return nil
	}
	msg, err := a.log.Add(ctx, "assistant", content, tokenCount, metadata)
	if err != nil {
		logger.GetLogger().Error("failed to persist assistant message", "error", err)
		return nil
	}
	return &msg.ID
}

func (a *Agent) recordUsage(ctx context.Context, completion *llms.Completion, messageID *int64) *tokens.Stats {
	if a.ledger == nil || a.sessionID == "" {
		return nil
	}

	_, err := a.ledger.Record(ctx, a.sessionID, completion.InputTokens, completion.OutputTokens, completion.Model, messageID)
	if err != nil {
		logger.GetLogger().Error("failed to record token usage", "error", err)
	}

	stats, err := a.ledger.GetSessionStats(ctx, a.sessionID)
	if err != nil {
		logger.GetLogger().Error("failed to read session stats", "error", err)
		return nil
	}
	return stats
}

func (a *Agent) emitChunk(notify NotifyFunc, text string) {
	notify("chat.stream", map[string]interface{}{"chunk": text})
}

// emitDone sends the terminal stream notification, exactly once per
// streaming turn and after all chunks.
func (a *Agent) emitDone(notify NotifyFunc, stats *tokens.Stats) {
	params := map[string]interface{}{"done": true}
	if stats != nil {
		params["tokens"] = stats
	}
	notify("chat.stream", params)
}

// ClearHistory wipes the conversation, optionally keeping the system
// prompt, and drops any cached summary.
func (a *Agent) ClearHistory(ctx context.Context, keepSystem bool) error {
	if a.log != nil {
		if err := a.log.Clear(ctx, keepSystem); err != nil {
			return err
		}
		a.builder.InvalidateSummary(a.sessionID)
		return nil
	}

	if keepSystem {
		kept := a.tail[:0]
		for _, m := range a.tail {
			if m.Role == "system" {
				kept = append(kept, m)
			}
		}
		a.tail = kept
	} else {
		a.tail = nil
	}
	return nil
}
