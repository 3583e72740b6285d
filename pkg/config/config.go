// Package config defines the runtime configuration surface and its loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LLMConfig configures the upstream chat-completion provider.
type LLMConfig struct {
	Model       string  `yaml:"model" json:"model" jsonschema:"description=Model identifier passed to the provider"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint" jsonschema:"description=Chat-completion API base URL"`
	APIKey      string  `yaml:"api_key" json:"api_key" jsonschema:"description=API key for the provider"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens" jsonschema:"description=Response token ceiling"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
	Timeout     int     `yaml:"timeout" json:"timeout" jsonschema:"description=Request timeout in seconds"`
}

// ContextConfig tunes the context-window budgeter.
type ContextConfig struct {
	MaxTokens           int    `yaml:"max_tokens" json:"max_tokens"`
	ReservedForResponse int    `yaml:"reserved_for_response" json:"reserved_for_response"`
	RecentMessages      int    `yaml:"recent_messages" json:"recent_messages"`
	SummarizeAfter      int    `yaml:"summarize_after" json:"summarize_after"`
	MaxRAGTokens        int    `yaml:"max_rag_tokens" json:"max_rag_tokens"`
	Tokenizer           string `yaml:"tokenizer" json:"tokenizer" jsonschema:"enum=heuristic,enum=tiktoken,description=Token estimation strategy"`
}

// EmbedderConfig configures the embedding function used by the vector index.
type EmbedderConfig struct {
	Provider   string `yaml:"provider" json:"provider" jsonschema:"enum=openai,enum=local,description=Embedding backend"`
	Endpoint   string `yaml:"endpoint" json:"endpoint"`
	Model      string `yaml:"model" json:"model"`
	APIKey     string `yaml:"api_key" json:"api_key"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
}

// ToolServerConfig describes one external tool subprocess.
type ToolServerConfig struct {
	Name    string            `yaml:"name" json:"name"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args"`
	Env     map[string]string `yaml:"env" json:"env"`
	Cwd     string            `yaml:"cwd" json:"cwd"`
}

// StorageConfig holds the embedded store paths.
type StorageConfig struct {
	SessionDB string `yaml:"session_db" json:"session_db" jsonschema:"description=Path to the sqlite session store"`
	VectorDB  string `yaml:"vector_db" json:"vector_db" jsonschema:"description=Path to the persistent vector index"`
}

// LoggingConfig controls log verbosity and destination. Logs never go to
// stdout in server mode.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	File  string `yaml:"file" json:"file"`
}

// WatcherConfig enables fsnotify-based re-indexing of the bound codebase.
type WatcherConfig struct {
	Enabled  bool `yaml:"enabled" json:"enabled"`
	Debounce int  `yaml:"debounce_ms" json:"debounce_ms"`
}

// Config is the root configuration document.
type Config struct {
	LLM               LLMConfig          `yaml:"llm" json:"llm"`
	Context           ContextConfig      `yaml:"context" json:"context"`
	Embedder          EmbedderConfig     `yaml:"embedder" json:"embedder"`
	Storage           StorageConfig      `yaml:"storage" json:"storage"`
	Logging           LoggingConfig      `yaml:"logging" json:"logging"`
	Watcher           WatcherConfig      `yaml:"watcher" json:"watcher"`
	ToolServers       []ToolServerConfig `yaml:"tool_servers" json:"tool_servers"`
	TokenBudget       *int               `yaml:"token_budget" json:"token_budget" jsonschema:"description=Per-session token budget; null disables budget checks"`
	MaxToolIterations int                `yaml:"max_tool_iterations" json:"max_tool_iterations"`
	MetricsAddr       string             `yaml:"metrics_addr" json:"metrics_addr" jsonschema:"description=Optional listen address for the Prometheus endpoint"`
}

// DefaultDataDir returns the per-user data directory for stores.
func DefaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".codeloom")
	}
	return ".codeloom"
}

// SetDefaults fills unset fields with their documented defaults.
func (c *Config) SetDefaults() {
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 1000
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 120
	}
	if c.Context.MaxTokens == 0 {
		c.Context.MaxTokens = 8000
	}
	if c.Context.ReservedForResponse == 0 {
		c.Context.ReservedForResponse = 1000
	}
	if c.Context.RecentMessages == 0 {
		c.Context.RecentMessages = 20
	}
	if c.Context.SummarizeAfter == 0 {
		c.Context.SummarizeAfter = 30
	}
	if c.Context.MaxRAGTokens == 0 {
		c.Context.MaxRAGTokens = 2000
	}
	if c.Context.Tokenizer == "" {
		c.Context.Tokenizer = "heuristic"
	}
	if c.Embedder.Provider == "" {
		c.Embedder.Provider = "local"
	}
	if c.Embedder.Dimensions == 0 {
		c.Embedder.Dimensions = 256
	}
	if c.Storage.SessionDB == "" {
		c.Storage.SessionDB = filepath.Join(DefaultDataDir(), "sessions.db")
	}
	if c.Storage.VectorDB == "" {
		c.Storage.VectorDB = filepath.Join(DefaultDataDir(), "index")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "warn"
	}
	if c.Watcher.Debounce == 0 {
		c.Watcher.Debounce = 500
	}
	if c.MaxToolIterations == 0 {
		c.MaxToolIterations = 10
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Context.ReservedForResponse >= c.Context.MaxTokens {
		return fmt.Errorf("context.reserved_for_response (%d) must be below context.max_tokens (%d)",
			c.Context.ReservedForResponse, c.Context.MaxTokens)
	}
	if c.TokenBudget != nil && *c.TokenBudget <= 0 {
		return fmt.Errorf("token_budget must be positive, got %d", *c.TokenBudget)
	}
	switch c.Context.Tokenizer {
	case "heuristic", "tiktoken":
	default:
		return fmt.Errorf("unknown tokenizer %q (valid: heuristic, tiktoken)", c.Context.Tokenizer)
	}
	for i, ts := range c.ToolServers {
		if ts.Name == "" {
			return fmt.Errorf("tool_servers[%d]: name is required", i)
		}
		if strings.TrimSpace(ts.Command) == "" {
			return fmt.Errorf("tool server %q: command is required", ts.Name)
		}
	}
	return nil
}

// IsLLMConfigured reports whether the provider can be constructed.
func (c *Config) IsLLMConfigured() bool {
	return c.LLM.Endpoint != "" && c.LLM.APIKey != ""
}
