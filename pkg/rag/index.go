package rag

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/codeloom-ai/codeloom/pkg/embedder"
	"github.com/codeloom-ai/codeloom/pkg/logger"
)

// SearchResult is one retrieval hit. Relevance = 1/(1+distance) where
// distance = 1 - cosine similarity.
type SearchResult struct {
	ID        string        `json:"id"`
	Content   string        `json:"content"`
	Metadata  ChunkMetadata `json:"metadata"`
	Distance  float64       `json:"distance"`
	Relevance float64       `json:"relevance"`
}

// Index is the black-box vector store behind retrieval and ingestion.
// Both paths must share one live handle so Clear is mutually visible.
type Index interface {
	Upsert(ctx context.Context, chunks []*Chunk) error
	QueryText(ctx context.Context, query string, n int, filter map[string]string) ([]SearchResult, error)
	GetAllEmbeddings(ctx context.Context) ([]EmbeddingRecord, error)
	DeleteByPath(ctx context.Context, path string) (int, error)
	Count() int
	Clear(ctx context.Context) error
}

// EmbeddingRecord pairs a stored vector with its identity, for the
// embeddings projection.
type EmbeddingRecord struct {
	ID        string
	Path      string
	ChunkType string
	Vector    []float32
}

type docRecord struct {
	Embedding []float32
	Metadata  map[string]string
}

// ChromemIndex implements Index on an embedded chromem-go store.
// chromem has no document enumeration, so a sidecar map mirrors ids,
// metadata and vectors, keyed by collection name. The sidecar persists
// beside vectors.gob so enumeration survives collection switches and
// process restarts.
type ChromemIndex struct {
	db          *chromem.DB
	persistPath string
	embed       embedder.Embedder

	mu         sync.RWMutex
	collection *chromem.Collection
	name       string
	docs       map[string]map[string]docRecord
}

// NewChromemIndex opens (or creates) the persistent store. An empty
// persistPath keeps everything in memory, which the tests rely on.
func NewChromemIndex(persistPath string, embed embedder.Embedder) (*ChromemIndex, error) {
	var db *chromem.DB
	reloaded := false
	if persistPath != "" {
		if err := os.MkdirAll(persistPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		dbPath := filepath.Join(persistPath, "vectors.gob")
		if _, statErr := os.Stat(dbPath); statErr == nil {
			loaded := chromem.NewDB()
			if err := loaded.Import(dbPath, ""); err != nil {
				logger.GetLogger().Warn("failed to load vector database, starting fresh",
					"path", dbPath, "error", err)
				db = chromem.NewDB()
			} else {
				db = loaded
				reloaded = true
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	docs := make(map[string]map[string]docRecord)
	if reloaded {
		// The sidecar only makes sense alongside the vectors it mirrors.
		docs = loadSidecar(persistPath)
	}

	return &ChromemIndex{
		db:          db,
		persistPath: persistPath,
		embed:       embed,
		docs:        docs,
	}, nil
}

// loadSidecar restores the enumeration map written beside vectors.gob.
// A missing or unreadable file starts the map empty.
func loadSidecar(persistPath string) map[string]map[string]docRecord {
	docs := make(map[string]map[string]docRecord)
	if persistPath == "" {
		return docs
	}

	f, err := os.Open(filepath.Join(persistPath, "docs.gob"))
	if err != nil {
		return docs
	}
	defer f.Close()

	if err := gob.NewDecoder(f).Decode(&docs); err != nil {
		logger.GetLogger().Warn("failed to load embeddings sidecar, starting fresh", "error", err)
		return make(map[string]map[string]docRecord)
	}
	return docs
}

// SwitchCollection points the index at a named collection, creating it
// on first use. The sidecar entries of other collections stay in place,
// so switching back keeps enumeration intact.
func (ix *ChromemIndex) SwitchCollection(name string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.name == name && ix.collection != nil {
		return nil
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return ix.embed.Embed(ctx, text)
	}
	col, err := ix.db.GetOrCreateCollection(name, nil, embeddingFunc)
	if err != nil {
		return fmt.Errorf("failed to open collection %q: %w", name, err)
	}

	ix.collection = col
	ix.name = name
	if ix.docs[name] == nil {
		ix.docs[name] = make(map[string]docRecord)
	}
	return nil
}

// CollectionName returns the active collection name, empty when unset.
func (ix *ChromemIndex) CollectionName() string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.name
}

func (ix *ChromemIndex) activeCollection() (*chromem.Collection, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.collection == nil {
		return nil, fmt.Errorf("no active collection; bind a codebase first")
	}
	return ix.collection, nil
}

// Upsert embeds and stores the chunks in the active collection.
func (ix *ChromemIndex) Upsert(ctx context.Context, chunks []*Chunk) error {
	col, err := ix.activeCollection()
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	docs := make([]chromem.Document, 0, len(chunks))
	records := make(map[string]docRecord, len(chunks))
	for _, chunk := range chunks {
		vec, err := ix.embed.Embed(ctx, chunk.Content)
		if err != nil {
			return fmt.Errorf("failed to embed chunk %s: %w", chunk.ID, err)
		}
		meta := chunk.Metadata.flat()
		docs = append(docs, chromem.Document{
			ID:        chunk.ID,
			Content:   chunk.Content,
			Metadata:  meta,
			Embedding: vec,
		})
		records[chunk.ID] = docRecord{Embedding: vec, Metadata: meta}
	}

	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}

	ix.mu.Lock()
	for id, rec := range records {
		ix.docs[ix.name][id] = rec
	}
	ix.mu.Unlock()

	ix.persist()
	return nil
}

// QueryText embeds the query and returns up to n nearest chunks.
// n is clamped to the collection size; an empty collection returns nil.
func (ix *ChromemIndex) QueryText(ctx context.Context, query string, n int, filter map[string]string) ([]SearchResult, error) {
	col, err := ix.activeCollection()
	if err != nil {
		return nil, err
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if n > count {
		n = count
	}
	if n <= 0 {
		n = 1
	}

	vec, err := ix.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var where map[string]string
	if len(filter) > 0 {
		where = filter
	}

	hits, err := col.QueryEmbedding(ctx, vec, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		distance := 1 - float64(hit.Similarity)
		results = append(results, SearchResult{
			ID:        hit.ID,
			Content:   hit.Content,
			Metadata:  metadataFromFlat(hit.Metadata),
			Distance:  distance,
			Relevance: 1 / (1 + distance),
		})
	}
	return results, nil
}

// GetAllEmbeddings returns every stored vector of the active collection.
func (ix *ChromemIndex) GetAllEmbeddings(_ context.Context) ([]EmbeddingRecord, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	active := ix.docs[ix.name]
	records := make([]EmbeddingRecord, 0, len(active))
	for id, rec := range active {
		records = append(records, EmbeddingRecord{
			ID:        id,
			Path:      rec.Metadata["path"],
			ChunkType: rec.Metadata["chunk_type"],
			Vector:    rec.Embedding,
		})
	}
	return records, nil
}

// DeleteByPath removes all chunks originating from one file.
func (ix *ChromemIndex) DeleteByPath(ctx context.Context, path string) (int, error) {
	col, err := ix.activeCollection()
	if err != nil {
		return 0, err
	}

	if err := col.Delete(ctx, map[string]string{"path": path}, nil); err != nil {
		return 0, fmt.Errorf("failed to delete by path: %w", err)
	}

	ix.mu.Lock()
	removed := 0
	for id, rec := range ix.docs[ix.name] {
		if rec.Metadata["path"] == path {
			delete(ix.docs[ix.name], id)
			removed++
		}
	}
	ix.mu.Unlock()

	ix.persist()
	return removed, nil
}

// Count returns the number of documents in the active collection.
func (ix *ChromemIndex) Count() int {
	ix.mu.RLock()
	col := ix.collection
	ix.mu.RUnlock()
	if col == nil {
		return 0
	}
	return col.Count()
}

// Clear drops the active collection's documents, keeping the binding.
func (ix *ChromemIndex) Clear(_ context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.collection == nil {
		return nil
	}

	if err := ix.db.DeleteCollection(ix.name); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return ix.embed.Embed(ctx, text)
	}
	col, err := ix.db.GetOrCreateCollection(ix.name, nil, embeddingFunc)
	if err != nil {
		return fmt.Errorf("failed to recreate collection: %w", err)
	}
	ix.collection = col
	ix.docs[ix.name] = make(map[string]docRecord)

	ix.persistLocked()
	return nil
}

func (ix *ChromemIndex) persist() {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ix.persistLocked()
}

func (ix *ChromemIndex) persistLocked() {
	if ix.persistPath == "" {
		return
	}
	dbPath := filepath.Join(ix.persistPath, "vectors.gob")
	if err := ix.db.Export(dbPath, false, ""); err != nil {
		logger.GetLogger().Warn("failed to persist vector database", "error", err)
	}

	sidecarPath := filepath.Join(ix.persistPath, "docs.gob")
	tmp := sidecarPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		logger.GetLogger().Warn("failed to persist embeddings sidecar", "error", err)
		return
	}
	if err := gob.NewEncoder(f).Encode(ix.docs); err != nil {
		f.Close()
		os.Remove(tmp)
		logger.GetLogger().Warn("failed to persist embeddings sidecar", "error", err)
		return
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		logger.GetLogger().Warn("failed to persist embeddings sidecar", "error", err)
		return
	}
	if err := os.Rename(tmp, sidecarPath); err != nil {
		logger.GetLogger().Warn("failed to persist embeddings sidecar", "error", err)
	}
}

var _ Index = (*ChromemIndex)(nil)
