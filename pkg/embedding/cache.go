package embedding

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
)

// CachedEmbedder memoizes vectors of an underlying embedder in a
// cost-bounded ristretto cache. Cost is the vector size in bytes.
type CachedEmbedder struct {
	next  Embedder
	cache *ristretto.Cache[string, []float32]
}

// NewCachedEmbedder wraps next with a cache holding up to maxCost bytes of vectors.
func NewCachedEmbedder(next Embedder, maxCost int64) (*CachedEmbedder, error) {
	if maxCost <= 0 {
		maxCost = 64 << 20
	}
	perVector := int64(next.Dimensions()) * 4
	if perVector <= 0 {
		perVector = 4
	}
	// ristretto recommends ~10x the expected item count in counters.
	counters := maxCost / perVector * 10
	if counters < 1000 {
		counters = 1000
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: counters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return &CachedEmbedder{next: next, cache: cache}, nil
}

// Embed returns a cached vector or computes and stores it.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.cache.Get(text); ok {
		return vec, nil
	}
	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, vec, int64(len(vec))*4)
	return vec, nil
}

// EmbedBatch serves hits from the cache and sends only misses downstream.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		if vec, ok := c.cache.Get(t); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.next.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.cache.Set(missTexts[j], vecs[j], int64(len(vecs[j]))*4)
	}
	return out, nil
}

// Dimensions returns the underlying vector length.
func (c *CachedEmbedder) Dimensions() int { return c.next.Dimensions() }

// Wait blocks until buffered writes are applied.
func (c *CachedEmbedder) Wait() { c.cache.Wait() }

// Close releases the cache.
func (c *CachedEmbedder) Close() error {
	c.cache.Close()
	if closer, ok := c.next.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
