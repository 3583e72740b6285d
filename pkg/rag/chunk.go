// Package rag provides the per-codebase semantic index: ingestion,
// collection routing, retrieval and the 2D embeddings projection.
package rag

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Chunk is one unit stored in the index.
type Chunk struct {
	ID       string        `json:"id" mapstructure:"id"`
	Content  string        `json:"content" mapstructure:"content"`
	Metadata ChunkMetadata `json:"metadata" mapstructure:"metadata"`
}

// ChunkMetadata carries the source attributes of a chunk. List-valued
// fields arrive from clients as lists or comma-joined strings.
type ChunkMetadata struct {
	Path      string   `json:"path" mapstructure:"path"`
	Language  string   `json:"language" mapstructure:"language"`
	ChunkType string   `json:"chunk_type" mapstructure:"chunk_type"`
	Signature string   `json:"signature" mapstructure:"signature"`
	Concepts  []string `json:"concepts,omitempty" mapstructure:"concepts"`
	Calls     []string `json:"calls,omitempty" mapstructure:"calls"`
	CalledBy  []string `json:"called_by,omitempty" mapstructure:"called_by"`
}

// ChunkFromMap decodes a free-form chunk map, as delivered by
// rag.ingest, into a typed Chunk. String list fields accept either
// JSON arrays or comma-joined strings.
func ChunkFromMap(raw map[string]interface{}) (*Chunk, error) {
	var chunk Chunk
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &chunk,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build chunk decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode chunk: %w", err)
	}
	if chunk.ID == "" {
		return nil, fmt.Errorf("chunk is missing an id")
	}
	return &chunk, nil
}

// flat returns the chromem string-metadata representation.
func (m ChunkMetadata) flat() map[string]string {
	out := map[string]string{
		"path":       m.Path,
		"language":   m.Language,
		"chunk_type": m.ChunkType,
		"signature":  m.Signature,
	}
	if len(m.Concepts) > 0 {
		out["concepts"] = strings.Join(m.Concepts, ",")
	}
	if len(m.Calls) > 0 {
		out["calls"] = strings.Join(m.Calls, ",")
	}
	if len(m.CalledBy) > 0 {
		out["called_by"] = strings.Join(m.CalledBy, ",")
	}
	return out
}

func metadataFromFlat(flat map[string]string) ChunkMetadata {
	m := ChunkMetadata{
		Path:      flat["path"],
		Language:  flat["language"],
		ChunkType: flat["chunk_type"],
		Signature: flat["signature"],
	}
	if v := flat["concepts"]; v != "" {
		m.Concepts = strings.Split(v, ",")
	}
	if v := flat["calls"]; v != "" {
		m.Calls = strings.Split(v, ",")
	}
	if v := flat["called_by"]; v != "" {
		m.CalledBy = strings.Split(v, ",")
	}
	return m
}
