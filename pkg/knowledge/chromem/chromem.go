// Package chromem provides a knowledge index backed by chromem-go, an
// embedded vector database with optional on-disk persistence.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"

	"github.com/contextd/contextd/pkg/knowledge"
	chromem "github.com/philippgille/chromem-go"
)

// Reserved metadata keys that carry Chunk fields chromem has no slot for.
const (
	metaSource   = "_source"
	metaSequence = "_seq"
)

var errNoEmbeddingFunc = errors.New("chromem: documents must carry embeddings")

// Config holds configuration for the chromem index.
type Config struct {
	// PersistPath enables persistence when non-empty.
	PersistPath string
	// Collection is the collection name.
	Collection string
	// Compress gzips persisted documents.
	Compress bool
	// Dimension is the vector length of this index generation.
	Dimension int
}

// Index implements knowledge.Index on a chromem collection.
type Index struct {
	mu         sync.RWMutex
	db         *chromem.DB
	collection *chromem.Collection
	cfg        Config
}

// New opens or creates the collection described by cfg.
func New(cfg Config) (*Index, error) {
	if cfg.Collection == "" {
		cfg.Collection = "knowledge"
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.PersistPath != "" {
		db, err = chromem.NewPersistentDB(cfg.PersistPath, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("chromem: open %s: %w", cfg.PersistPath, err)
		}
	} else {
		db = chromem.NewDB()
	}

	idx := &Index{db: db, cfg: cfg}
	if idx.collection, err = idx.openCollection(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (i *Index) openCollection() (*chromem.Collection, error) {
	col, err := i.db.GetOrCreateCollection(i.cfg.Collection,
		map[string]string{"dimension": strconv.Itoa(i.cfg.Dimension)},
		noEmbedding,
	)
	if err != nil {
		return nil, fmt.Errorf("chromem: collection %s: %w", i.cfg.Collection, err)
	}
	return col, nil
}

func noEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, errNoEmbeddingFunc
}

// Search returns up to k chunks by cosine similarity. chromem rejects
// nResults above the collection size, so k is clamped first.
func (i *Index) Search(ctx context.Context, vector []float32, k int) ([]knowledge.Candidate, error) {
	if err := knowledge.CheckVector(vector, i.cfg.Dimension); err != nil {
		return nil, err
	}

	i.mu.RLock()
	col := i.collection
	i.mu.RUnlock()

	if n := col.Count(); k > n {
		k = n
	}
	if k <= 0 {
		return []knowledge.Candidate{}, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: query: %w", err)
	}

	out := make([]knowledge.Candidate, 0, len(results))
	for _, r := range results {
		out = append(out, knowledge.Candidate{
			Chunk:      toChunk(r),
			Similarity: float64(r.Similarity),
		})
	}
	return out, nil
}

// Upsert adds documents. chromem overwrites documents with an existing id.
func (i *Index) Upsert(ctx context.Context, chunks []knowledge.Chunk) error {
	if err := knowledge.CheckChunks(chunks, i.cfg.Dimension); err != nil {
		return err
	}
	docs := make([]chromem.Document, len(chunks))
	for j, c := range chunks {
		docs[j] = toDocument(c)
	}

	i.mu.RLock()
	col := i.collection
	i.mu.RUnlock()

	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("chromem: add documents: %w", err)
	}
	return nil
}

// Delete removes documents by id.
func (i *Index) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	i.mu.RLock()
	col := i.collection
	i.mu.RUnlock()

	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("chromem: delete: %w", err)
	}
	return nil
}

// Reset drops and recreates the collection.
func (i *Index) Reset(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.db.DeleteCollection(i.cfg.Collection); err != nil {
		return fmt.Errorf("chromem: reset: %w", err)
	}
	col, err := i.openCollection()
	if err != nil {
		return err
	}
	i.collection = col
	return nil
}

// Count returns the number of documents.
func (i *Index) Count(ctx context.Context) (int, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.collection.Count(), nil
}

// Dimension returns the vector length.
func (i *Index) Dimension() int { return i.cfg.Dimension }

func toDocument(c knowledge.Chunk) chromem.Document {
	meta := make(map[string]string, len(c.Metadata)+2)
	for k, v := range c.Metadata {
		meta[k] = v
	}
	meta[metaSource] = c.SourceLabel
	meta[metaSequence] = strconv.Itoa(c.SequenceIndex)
	return chromem.Document{
		ID:        c.ID,
		Content:   c.Text,
		Embedding: c.Embedding,
		Metadata:  meta,
	}
}

func toChunk(r chromem.Result) knowledge.Chunk {
	c := knowledge.Chunk{
		ID:        r.ID,
		Text:      r.Content,
		Embedding: r.Embedding,
	}
	for k, v := range r.Metadata {
		switch k {
		case metaSource:
			c.SourceLabel = v
		case metaSequence:
			c.SequenceIndex, _ = strconv.Atoi(v)
		default:
			if c.Metadata == nil {
				c.Metadata = make(map[string]string)
			}
			c.Metadata[k] = v
		}
	}
	return c
}
