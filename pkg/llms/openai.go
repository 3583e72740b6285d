package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/codeloom-ai/codeloom/pkg/config"
	"github.com/codeloom-ai/codeloom/pkg/httpclient"
	"github.com/codeloom-ai/codeloom/pkg/memory"
)

// KnownModels lists the identifiers advertised by model.list. The
// endpoint accepts any identifier; these are the ones with price-table
// entries.
var KnownModels = []string{
	"gpt-4", "gpt-4-turbo", "gpt-4o", "gpt-4o-mini", "gpt-3.5-turbo",
	"claude-3-opus", "claude-3-sonnet", "claude-3-haiku",
}

// OpenAIProvider speaks the OpenAI-compatible chat-completions API.
type OpenAIProvider struct {
	endpoint    string
	apiKey      string
	maxTokens   int
	temperature float64
	client      *httpclient.Client

	mu    sync.RWMutex
	model string
}

type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Temperature   float64       `json:"temperature,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	StreamOptions *streamOpts   `json:"stream_options,omitempty"`
}

type streamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
		Delta   chatMessage `json:"delta"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewOpenAIProvider builds the adapter; it fails fast with
// ErrNotConfigured when endpoint or credentials are missing.
func NewOpenAIProvider(cfg config.LLMConfig) (*OpenAIProvider, error) {
	if cfg.Endpoint == "" || cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	return &OpenAIProvider{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client:      httpclient.New(httpclient.WithTimeout(time.Duration(cfg.Timeout) * time.Second)),
	}, nil
}

func (p *OpenAIProvider) Model() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

func (p *OpenAIProvider) SetModel(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.model = model
}

func (p *OpenAIProvider) Complete(ctx context.Context, messages []memory.ContextMessage) (*Completion, error) {
	resp, err := p.send(ctx, messages, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("upstream error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("upstream returned no choices")
	}

	completion := &Completion{
		Content: parsed.Choices[0].Message.Content,
		Model:   p.Model(),
	}
	if parsed.Usage != nil {
		completion.InputTokens = parsed.Usage.PromptTokens
		completion.OutputTokens = parsed.Usage.CompletionTokens
	}
	return completion, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, messages []memory.ContextMessage, onChunk func(StreamChunk)) (*Completion, error) {
	resp, err := p.send(ctx, messages, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	completion := &Completion{Model: p.Model()}
	var content strings.Builder

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = bytes.TrimPrefix(line, []byte("data: "))
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var parsed chatResponse
		if err := json.Unmarshal(line, &parsed); err != nil {
			// Skip malformed events; the terminal [DONE] still arrives.
			continue
		}
		if parsed.Error != nil {
			return nil, fmt.Errorf("upstream error: %s", parsed.Error.Message)
		}
		if parsed.Usage != nil {
			completion.InputTokens = parsed.Usage.PromptTokens
			completion.OutputTokens = parsed.Usage.CompletionTokens
		}
		if len(parsed.Choices) == 0 {
			continue
		}
		if delta := parsed.Choices[0].Delta.Content; delta != "" {
			content.WriteString(delta)
			if onChunk != nil {
				onChunk(StreamChunk{Text: delta})
			}
		}
	}

	completion.Content = content.String()
	if onChunk != nil {
		onChunk(StreamChunk{Done: true, Usage: completion})
	}
	return completion, nil
}

func (p *OpenAIProvider) send(ctx context.Context, messages []memory.ContextMessage, stream bool) (*http.Response, error) {
	reqBody := chatRequest{
		Model:       p.Model(),
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
		Stream:      stream,
	}
	if stream {
		reqBody.StreamOptions = &streamOpts{IncludeUsage: true}
	}
	for _, m := range messages {
		reqBody.Messages = append(reqBody.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			resp.Body.Close()
			return nil, fmt.Errorf("chat completion failed: %w: %s", err, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	return resp, nil
}
