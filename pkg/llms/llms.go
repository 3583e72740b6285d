// Package llms abstracts the upstream chat-completion provider.
package llms

import (
	"context"
	"errors"
	"sync"

	"github.com/codeloom-ai/codeloom/pkg/config"
	"github.com/codeloom-ai/codeloom/pkg/memory"
)

// ErrNotConfigured signals a missing endpoint or credentials; the
// dispatcher turns it into a structured response telling the user what
// to configure rather than a hard failure.
var ErrNotConfigured = errors.New("llm provider not configured: set endpoint and api_key")

// Completion is the final result of one model call.
type Completion struct {
	Content      string `json:"content"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
}

// StreamChunk is one incremental piece of a streamed completion. Done
// is set exactly once, on the final chunk, which also carries usage.
type StreamChunk struct {
	Text  string
	Done  bool
	Usage *Completion
}

// Provider is the black-box interface to a chat-completion backend.
type Provider interface {
	// Complete performs one blocking model call.
	Complete(ctx context.Context, messages []memory.ContextMessage) (*Completion, error)

	// Stream performs one model call delivering chunks through onChunk
	// in issue order. It returns the assembled completion.
	Stream(ctx context.Context, messages []memory.ContextMessage, onChunk func(StreamChunk)) (*Completion, error)

	// Model returns the active model identifier.
	Model() string

	// SetModel switches the active model identifier.
	SetModel(model string)
}

// NewProvider returns the configured adapter. Without endpoint or
// credentials it returns a placeholder whose calls fail with
// ErrNotConfigured, so the server still starts and the client can
// prompt the user to configure.
func NewProvider(cfg config.LLMConfig) Provider {
	provider, err := NewOpenAIProvider(cfg)
	if err != nil {
		return &unconfiguredProvider{model: cfg.Model}
	}
	return provider
}

type unconfiguredProvider struct {
	mu    sync.RWMutex
	model string
}

func (p *unconfiguredProvider) Complete(context.Context, []memory.ContextMessage) (*Completion, error) {
	return nil, ErrNotConfigured
}

func (p *unconfiguredProvider) Stream(context.Context, []memory.ContextMessage, func(StreamChunk)) (*Completion, error) {
	return nil, ErrNotConfigured
}

func (p *unconfiguredProvider) Model() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

func (p *unconfiguredProvider) SetModel(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.model = model
}
