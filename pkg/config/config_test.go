package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, 8000, cfg.Context.MaxTokens)
	assert.Equal(t, 1000, cfg.Context.ReservedForResponse)
	assert.Equal(t, 20, cfg.Context.RecentMessages)
	assert.Equal(t, 30, cfg.Context.SummarizeAfter)
	assert.Equal(t, 2000, cfg.Context.MaxRAGTokens)
	assert.Equal(t, "heuristic", cfg.Context.Tokenizer)
	assert.Equal(t, 10, cfg.MaxToolIterations)
	assert.Nil(t, cfg.TokenBudget)
	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
llm:
  model: gpt-4o
  endpoint: https://api.example.com/v1
  api_key: sk-test
context:
  max_tokens: 4000
  reserved_for_response: 500
token_budget: 100000
tool_servers:
  - name: files
    command: tools-server
    args: ["--stdio"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, 4000, cfg.Context.MaxTokens)
	assert.Equal(t, 500, cfg.Context.ReservedForResponse)
	require.NotNil(t, cfg.TokenBudget)
	assert.Equal(t, 100000, *cfg.TokenBudget)
	require.Len(t, cfg.ToolServers, 1)
	assert.Equal(t, "files", cfg.ToolServers[0].Name)
	assert.True(t, cfg.IsLLMConfigured())
	// Unset fields still pick up defaults.
	assert.Equal(t, 20, cfg.Context.RecentMessages)
}

func TestEnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_LOOM_KEY", "sk-from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
llm:
  api_key: ${TEST_LOOM_KEY}
  endpoint: ${TEST_LOOM_MISSING:-https://fallback.example.com}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "sk-from-env", cfg.LLM.APIKey)
	assert.Equal(t, "https://fallback.example.com", cfg.LLM.Endpoint)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"reserved exceeds max", func(c *Config) {
			c.Context.MaxTokens = 100
			c.Context.ReservedForResponse = 100
		}},
		{"negative budget", func(c *Config) {
			b := -5
			c.TokenBudget = &b
		}},
		{"unknown tokenizer", func(c *Config) {
			c.Context.Tokenizer = "wordcount"
		}},
		{"tool server without command", func(c *Config) {
			c.ToolServers = []ToolServerConfig{{Name: "bad"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.SetDefaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGenerateSchema(t *testing.T) {
	data, err := GenerateSchema()
	require.NoError(t, err)
	assert.Contains(t, string(data), "Codeloom Configuration")
	assert.Contains(t, string(data), "token_budget")
}
