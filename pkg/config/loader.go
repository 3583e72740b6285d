package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Loader reads the YAML config file, expands ${VAR} and ${VAR:-default}
// references against the environment, and unmarshals into Config.
type Loader struct {
	koanf *koanf.Koanf
	path  string
}

func NewLoader(path string) *Loader {
	return &Loader{
		koanf: koanf.New("."),
		path:  path,
	}
}

// Load builds the config. A missing file is not an error when path is
// empty; defaults apply. A .env file next to the working directory is
// loaded first so ${VAR} expansion can see it.
func (l *Loader) Load() (*Config, error) {
	// Best-effort; absence of .env is normal.
	_ = godotenv.Load()

	if l.path != "" {
		if err := l.koanf.Load(file.Provider(l.path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", l.path, err)
		}
		if err := l.expandEnvVars(); err != nil {
			return nil, fmt.Errorf("failed to expand environment variables: %w", err)
		}
	}

	cfg := &Config{}
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "yaml",
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (l *Loader) expandEnvVars() error {
	expanded, ok := expandEnvVarsInData(l.koanf.Raw()).(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected type after env var expansion")
	}

	fresh := koanf.New(".")
	if err := fresh.Load(confmap.Provider(expanded, "."), nil); err != nil {
		return fmt.Errorf("failed to reload expanded config: %w", err)
	}
	l.koanf = fresh
	return nil
}

// expandEnvVarsInData walks the raw config tree replacing ${VAR} and
// ${VAR:-default} occurrences in string leaves.
func expandEnvVarsInData(data interface{}) interface{} {
	switch v := data.(type) {
	case string:
		return envVarPattern.ReplaceAllStringFunc(v, func(match string) string {
			groups := envVarPattern.FindStringSubmatch(match)
			if val, ok := os.LookupEnv(groups[1]); ok {
				return val
			}
			return groups[2]
		})
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[k] = expandEnvVarsInData(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = expandEnvVarsInData(val)
		}
		return out
	default:
		return data
	}
}

// applyEnvOverrides maps well-known environment variables onto the config
// so the server can run without any file at all.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CODELOOM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CODELOOM_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
	}
	if v := firstEnv("CODELOOM_API_KEY", "OPENAI_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CODELOOM_SESSION_DB"); v != "" {
		cfg.Storage.SessionDB = v
	}
	if v := os.Getenv("CODELOOM_VECTOR_DB"); v != "" {
		cfg.Storage.VectorDB = v
	}
	if v := os.Getenv("CODELOOM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// LoadConfig is the one-call entry point used by the CLI.
func LoadConfig(path string) (*Config, error) {
	return NewLoader(path).Load()
}
