// Package memory builds context windows that fit a token budget.
//
// The builder assembles, in strict order: system prompt, retrieved
// codebase context, a cached summary of earlier conversation, as many
// recent messages as fit, and finally the current user message.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/codeloom-ai/codeloom/pkg/config"
	"github.com/codeloom-ai/codeloom/pkg/session"
)

// ContextMessage is one role-tagged entry of a prepared window.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ContextWindow is a prepared prompt ready for the LLM.
type ContextWindow struct {
	Messages             []ContextMessage `json:"messages"`
	TotalTokens          int              `json:"total_tokens"`
	IncludedMessageCount int              `json:"included_message_count"`
	Truncated            bool             `json:"truncated"`
	HasSummary           bool             `json:"has_summary"`
	RAGChunksUsed        int              `json:"rag_chunks_used"`
}

// Builder assembles context windows under cfg's budget. The summary
// cache is process-local; producing summaries is the caller's concern.
type Builder struct {
	cfg       config.ContextConfig
	estimator Estimator

	mu           sync.Mutex
	summaryCache map[string]string
}

func NewBuilder(cfg config.ContextConfig, estimator Estimator) *Builder {
	if estimator == nil {
		estimator = HeuristicEstimator{}
	}
	return &Builder{
		cfg:          cfg,
		estimator:    estimator,
		summaryCache: make(map[string]string),
	}
}

// availableForContext is the budget once the response reserve is held back.
func (b *Builder) availableForContext() int {
	return b.cfg.MaxTokens - b.cfg.ReservedForResponse
}

// Build assembles the window for one turn. The user message is always
// included, last.
func (b *Builder) Build(ctx context.Context, log *session.ConversationLog, userMessage, systemPrompt, ragContext string) (*ContextWindow, error) {
	window := &ContextWindow{}
	budget := b.availableForContext()

	if systemPrompt != "" {
		window.Messages = append(window.Messages, ContextMessage{Role: "system", Content: systemPrompt})
		window.TotalTokens += b.estimator.Estimate(systemPrompt)
	}

	if ragContext != "" {
		ragTokens := b.estimator.Estimate(ragContext)
		if ragTokens > b.cfg.MaxRAGTokens {
			ragTokens = b.cfg.MaxRAGTokens
		}
		if window.TotalTokens+ragTokens < budget {
			window.Messages = append(window.Messages, ContextMessage{
				Role:    "system",
				Content: "Relevant context from codebase:\n\n" + ragContext,
			})
			window.TotalTokens += ragTokens
			window.RAGChunksUsed = strings.Count(ragContext, "---") + 1
		}
	}

	count, err := log.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	if count > b.cfg.SummarizeAfter {
		if summary := b.getSummary(log.SessionID()); summary != "" {
			summaryTokens := b.estimator.Estimate(summary)
			if window.TotalTokens+summaryTokens < budget {
				window.Messages = append(window.Messages, ContextMessage{
					Role:    "system",
					Content: "Summary of earlier conversation:\n" + summary,
				})
				window.TotalTokens += summaryTokens
				window.HasSummary = true
			}
		}
	}

	recent, err := log.GetRecent(ctx, b.cfg.RecentMessages)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}

	userTokens := b.estimator.Estimate(userMessage)
	remaining := budget - window.TotalTokens - userTokens

	for _, msg := range recent {
		msgTokens := msg.TokenCount
		if msgTokens == 0 {
			msgTokens = b.estimator.Estimate(msg.Content)
		}
		if remaining < msgTokens {
			window.Truncated = true
			break
		}
		window.Messages = append(window.Messages, ContextMessage{Role: msg.Role, Content: msg.Content})
		remaining -= msgTokens
		window.TotalTokens += msgTokens
		window.IncludedMessageCount++
	}

	window.Messages = append(window.Messages, ContextMessage{Role: "user", Content: userMessage})
	window.TotalTokens += userTokens
	window.IncludedMessageCount++

	return window, nil
}

// BuildSimple keeps as many recent messages as fit, newest backwards,
// always retaining system messages past the cutoff.
func (b *Builder) BuildSimple(messages []*session.Message, maxTokens int) *ContextWindow {
	budget := maxTokens
	if budget <= 0 {
		budget = b.availableForContext()
	}

	window := &ContextWindow{}
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		msgTokens := msg.TokenCount
		if msgTokens == 0 {
			msgTokens = b.estimator.Estimate(msg.Content)
		}

		if window.TotalTokens+msgTokens <= budget {
			window.Messages = append([]ContextMessage{{Role: msg.Role, Content: msg.Content}}, window.Messages...)
			window.TotalTokens += msgTokens
		} else if msg.Role == "system" {
			window.Messages = append([]ContextMessage{{Role: msg.Role, Content: msg.Content}}, window.Messages...)
			window.TotalTokens += msgTokens
		} else {
			break
		}
	}

	window.IncludedMessageCount = len(window.Messages)
	window.Truncated = len(window.Messages) < len(messages)
	return window
}

// ShouldSummarize reports whether the log has outgrown the summary bound.
func (b *Builder) ShouldSummarize(ctx context.Context, log *session.ConversationLog) (bool, error) {
	count, err := log.Count(ctx)
	if err != nil {
		return false, err
	}
	return count > b.cfg.SummarizeAfter, nil
}

// SetSummary caches a summary for a session.
func (b *Builder) SetSummary(sessionID, summary string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summaryCache[sessionID] = summary
}

// InvalidateSummary drops a session's cached summary.
func (b *Builder) InvalidateSummary(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.summaryCache, sessionID)
}

func (b *Builder) getSummary(sessionID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.summaryCache[sessionID]
}

// SummarizationPrompt renders the prompt used to compress older turns.
func SummarizationPrompt(messages []ContextMessage, maxTokens int) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return fmt.Sprintf("Summarize this conversation concisely, preserving key information:\n\n%s\nSummary (max %d tokens):",
		strings.TrimRight(sb.String(), "\n"), maxTokens)
}
