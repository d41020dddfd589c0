// Package knowledge holds the private knowledge base: chunks of source
// documents with their embeddings, searchable by vector similarity.
package knowledge

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from
	// the index generation's dimensionality.
	ErrDimensionMismatch = errors.New("knowledge: dimension mismatch")

	// ErrInvalidChunk is returned for chunks without an id or text.
	ErrInvalidChunk = errors.New("knowledge: invalid chunk")

	// ErrMissingEmbedding is returned when a chunk reaches an index without a vector.
	ErrMissingEmbedding = errors.New("knowledge: chunk has no embedding")
)

// MetadataGeneric marks a chunk as boilerplate when set to "true".
const MetadataGeneric = "generic"

// Chunk is a bounded excerpt of a source document.
type Chunk struct {
	ID            string            `json:"id"`
	Text          string            `json:"text"`
	SourceLabel   string            `json:"source_label"`
	SequenceIndex int               `json:"sequence_index"`
	Embedding     []float32         `json:"embedding,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Validate checks the fields every index relies on.
func (c Chunk) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidChunk)
	}
	if c.Text == "" {
		return fmt.Errorf("%w: chunk %s has empty text", ErrInvalidChunk, c.ID)
	}
	return nil
}

// Generic reports whether the chunk is flagged as boilerplate.
func (c Chunk) Generic() bool {
	return c.Metadata[MetadataGeneric] == "true"
}

// Candidate is a recall-stage hit.
type Candidate struct {
	Chunk      Chunk   `json:"chunk"`
	Similarity float64 `json:"similarity"`
}

// Index is a nearest-neighbour index over chunk embeddings. All vectors in
// one index generation share the same dimensionality; switching models means
// Reset followed by a full re-upsert.
type Index interface {
	// Search returns up to k chunks ordered by descending similarity.
	Search(ctx context.Context, vector []float32, k int) ([]Candidate, error)

	// Upsert inserts or replaces chunks by id.
	Upsert(ctx context.Context, chunks []Chunk) error

	// Delete removes chunks by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error

	// Reset atomically clears every vector.
	Reset(ctx context.Context) error

	// Count returns the number of indexed chunks.
	Count(ctx context.Context) (int, error)

	// Dimension returns the vector length of this generation.
	Dimension() int
}

// TextSearcher is implemented by indexes that also support lexical recall.
type TextSearcher interface {
	SearchText(ctx context.Context, vector []float32, text string, k int) ([]Candidate, error)
}

// CheckVector validates a vector against an index dimension.
func CheckVector(vec []float32, dim int) error {
	if len(vec) != dim {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, dim, len(vec))
	}
	return nil
}

// CheckChunks validates chunks before an upsert.
func CheckChunks(chunks []Chunk, dim int) error {
	for _, c := range chunks {
		if err := c.Validate(); err != nil {
			return err
		}
		if len(c.Embedding) == 0 {
			return fmt.Errorf("%w: %s", ErrMissingEmbedding, c.ID)
		}
		if err := CheckVector(c.Embedding, dim); err != nil {
			return fmt.Errorf("chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
