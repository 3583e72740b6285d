// Package embedder produces the vectors behind the semantic index.
package embedder

import (
	"context"
	"fmt"

	"github.com/codeloom-ai/codeloom/pkg/config"
)

// Embedder converts text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// New builds an embedder from config. The "local" provider needs no
// network and keeps the index usable offline.
func New(cfg config.EmbedderConfig) (Embedder, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIEmbedder(cfg)
	case "local", "":
		return NewLocalEmbedder(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedder provider: %s", cfg.Provider)
	}
}
