// Package embedding turns text into fixed-length vectors for the knowledge
// index. Providers are interchangeable behind the Embedder interface.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDimensionMismatch is returned when a provider produces a vector whose
	// length differs from the configured dimensionality.
	ErrDimensionMismatch = errors.New("embedding: dimension mismatch")

	// ErrEmptyResponse is returned when a provider answers without a vector.
	ErrEmptyResponse = errors.New("embedding: empty response")
)

// Embedder converts text to embedding vectors.
type Embedder interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector length this embedder produces.
	Dimensions() int
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Vectors of different length or zero magnitude have similarity 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// Normalize returns a unit-length copy of vec. A zero vector is returned as is.
func Normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

func checkDimensions(vec []float32, want int) error {
	if len(vec) == 0 {
		return ErrEmptyResponse
	}
	if want > 0 && len(vec) != want {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, want, len(vec))
	}
	return nil
}

// embedEach implements EmbedBatch for providers without a native batch call.
func embedEach(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("embed item %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}
