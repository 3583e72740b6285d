package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/codeloom-ai/codeloom/pkg/config"
	"github.com/codeloom-ai/codeloom/pkg/embedder"
	"github.com/codeloom-ai/codeloom/pkg/rag"
)

// IndexCmd scans a codebase and ingests its chunks in one shot.
type IndexCmd struct {
	Path  string `arg:"" help:"Codebase directory to index." type:"path"`
	Clear bool   `help:"Drop the existing collection before ingesting."`
}

func (c *IndexCmd) Run(cli *CLI) error {
	cfg, cleanup, err := cli.loadConfig()
	if err != nil {
		return err
	}
	defer cleanup()

	info, err := os.Stat(c.Path)
	if err != nil {
		return fmt.Errorf("path does not exist: %s", c.Path)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", c.Path)
	}

	router, err := openIndex(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := router.Switch(c.Path); err != nil {
		return err
	}
	if c.Clear {
		if err := router.Index().Clear(ctx); err != nil {
			return err
		}
	}

	fmt.Printf("Scanning %s...\n", c.Path)
	chunks, stats, err := rag.ScanAndGenerateChunks(c.Path)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		fmt.Println("No code files found to index.")
		return nil
	}

	fmt.Printf("Embedding %d chunks...\n", len(chunks))
	if err := router.Index().Upsert(ctx, chunks); err != nil {
		return err
	}

	fmt.Printf("Indexed %d files, %d code units into collection %s\n",
		stats.FilesScanned, stats.UnitsExtracted, router.Index().CollectionName())

	langs := make([]string, 0, len(stats.FilesByLanguage))
	for lang := range stats.FilesByLanguage {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	for _, lang := range langs {
		fmt.Printf("  %-12s %d files\n", lang, stats.FilesByLanguage[lang])
	}
	return nil
}

func openIndex(cfg *config.Config) (*rag.Router, error) {
	emb, err := embedder.New(cfg.Embedder)
	if err != nil {
		return nil, fmt.Errorf("failed to build embedder: %w", err)
	}
	index, err := rag.NewChromemIndex(cfg.Storage.VectorDB, emb)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}
	return rag.NewRouter(index), nil
}
