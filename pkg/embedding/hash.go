package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder produces deterministic vectors without a model. Each token is
// hashed into a bucket and the bag of buckets is normalized, so texts sharing
// words land close together. It is meant for development and tests.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder creates a hash embedder with the given vector length.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &HashEmbedder{dimensions: dimensions}
}

// Embed returns the vector for text.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, h.dimensions)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		tokens = []string{text}
	}

	for _, tok := range tokens {
		f := fnv.New64a()
		f.Write([]byte(tok))
		seed := f.Sum64()
		// Spread each token over a few buckets with an LCG so short texts are
		// not all-zero in most dimensions.
		for i := 0; i < 4; i++ {
			seed = seed*6364136223846793005 + 1442695040888963407
			idx := int(seed % uint64(h.dimensions))
			val := float32(int64(seed)) / float32(math.MaxInt64)
			vec[idx] += val
		}
	}

	return Normalize(vec), nil
}

// EmbedBatch embeds each text.
func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, h, texts)
}

// Dimensions returns the vector length.
func (h *HashEmbedder) Dimensions() int { return h.dimensions }
