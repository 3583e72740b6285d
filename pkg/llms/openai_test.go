package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeloom-ai/codeloom/pkg/config"
	"github.com/codeloom-ai/codeloom/pkg/memory"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provider, err := NewOpenAIProvider(config.LLMConfig{
		Model:    "gpt-4o-mini",
		Endpoint: server.URL,
		APIKey:   "sk-test",
		Timeout:  5,
	})
	require.NoError(t, err)
	return provider
}

func TestNewProviderRequiresConfig(t *testing.T) {
	_, err := NewOpenAIProvider(config.LLMConfig{Model: "m"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestComplete(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req["model"])

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "gpt-4o-mini",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "hello"}},
			},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 2},
		})
	})

	completion, err := provider.Complete(context.Background(), []memory.ContextMessage{
		{Role: "user", Content: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", completion.Content)
	assert.Equal(t, 3, completion.InputTokens)
	assert.Equal(t, 2, completion.OutputTokens)
}

func TestCompleteUpstreamError(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"message": "model overloaded"},
		})
	})

	_, err := provider.Complete(context.Background(), []memory.ContextMessage{{Role: "user", Content: "hi"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestStreamOrdering(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, piece := range []string{"Hel", "lo", "!"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", piece)
		}
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":3}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var chunks []string
	var doneCount int
	completion, err := provider.Stream(context.Background(),
		[]memory.ContextMessage{{Role: "user", Content: "greet"}},
		func(c StreamChunk) {
			if c.Done {
				doneCount++
				require.NotNil(t, c.Usage)
				return
			}
			require.Zero(t, doneCount, "no chunk may follow done")
			chunks = append(chunks, c.Text)
		})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo", "!"}, chunks)
	assert.Equal(t, 1, doneCount)
	assert.Equal(t, "Hello!", completion.Content)
	assert.Equal(t, 5, completion.InputTokens)
	assert.Equal(t, 3, completion.OutputTokens)
}

func TestSetModel(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {})
	assert.Equal(t, "gpt-4o-mini", provider.Model())
	provider.SetModel("gpt-4o")
	assert.Equal(t, "gpt-4o", provider.Model())
}
