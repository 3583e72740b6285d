package rag

import (
	"context"
	"fmt"
	"strings"
)

const defaultContextResults = 20

// Retriever turns user queries into length-capped context bundles.
type Retriever struct {
	index Index
}

func NewRetriever(index Index) *Retriever {
	return &Retriever{index: index}
}

// Search returns up to n ranked chunks for the query.
func (r *Retriever) Search(ctx context.Context, query string, n int, filter map[string]string) ([]SearchResult, error) {
	if n <= 0 {
		n = 10
	}
	return r.index.QueryText(ctx, query, n, filter)
}

// GetContextForQuery formats the top hits into one bundle, stopping
// before a chunk would push the estimate past maxTokens. Chunks are
// rendered as "[chunk_type] path - signature\ncontent" and joined with
// a "---" separator line.
func (r *Retriever) GetContextForQuery(ctx context.Context, query string, maxTokens, n int) (string, error) {
	if n <= 0 {
		n = defaultContextResults
	}

	results, err := r.index.QueryText(ctx, query, n, nil)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	var parts []string
	totalTokens := 0
	for _, res := range results {
		chunkTokens := len(res.Content) / 4
		if totalTokens+chunkTokens > maxTokens {
			break
		}
		parts = append(parts, formatChunk(res))
		totalTokens += chunkTokens
	}

	return strings.Join(parts, "\n\n---\n\n"), nil
}

func formatChunk(res SearchResult) string {
	header := fmt.Sprintf("[%s] %s", res.Metadata.ChunkType, res.Metadata.Path)
	if res.Metadata.Signature != "" {
		header += " - " + res.Metadata.Signature
	}
	return header + "\n" + res.Content
}
