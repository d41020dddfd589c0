package knowledge

import (
	"context"
	"sort"
	"sync"
)

// HybridIndex combines a vector index with a BM25 index and fuses both
// rankings with reciprocal rank fusion. Writes go to both sides.
type HybridIndex struct {
	vector       Index
	lexical      *BM25Index
	vectorWeight float64
	bm25Weight   float64
	rrfK         float64 // RRF constant, typically 60
}

// NewHybridIndex wraps vector with lexical recall. Zero weights default to 1.
func NewHybridIndex(vector Index, lexical *BM25Index, vectorWeight, bm25Weight float64) *HybridIndex {
	if vectorWeight <= 0 {
		vectorWeight = 1
	}
	if bm25Weight <= 0 {
		bm25Weight = 1
	}
	return &HybridIndex{
		vector:       vector,
		lexical:      lexical,
		vectorWeight: vectorWeight,
		bm25Weight:   bm25Weight,
		rrfK:         60.0,
	}
}

// Rebuild repopulates the lexical side from the vector side when the vector
// index can enumerate its chunks.
func (h *HybridIndex) Rebuild() int {
	all, ok := h.vector.(interface{ All() []Chunk })
	if !ok {
		return 0
	}
	chunks := all.All()
	h.lexical.Clear()
	h.lexical.Add(chunks...)
	return len(chunks)
}

// Search performs vector-only search.
func (h *HybridIndex) Search(ctx context.Context, vector []float32, k int) ([]Candidate, error) {
	return h.vector.Search(ctx, vector, k)
}

// SearchText runs vector and lexical recall in parallel and fuses them.
// A vector failure is returned; a lexical failure leaves the vector result.
func (h *HybridIndex) SearchText(ctx context.Context, vector []float32, text string, k int) ([]Candidate, error) {
	var (
		wg             sync.WaitGroup
		vecRes, lexRes []Candidate
		vecErr, lexErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		vecRes, vecErr = h.vector.Search(ctx, vector, k)
	}()
	go func() {
		defer wg.Done()
		lexRes, lexErr = h.lexical.Search(ctx, text, k)
	}()
	wg.Wait()

	if vecErr != nil {
		return nil, vecErr
	}
	if lexErr != nil || len(lexRes) == 0 {
		return vecRes, nil
	}

	fused := h.fuseRRF(vecRes, lexRes)
	if k > len(fused) {
		k = len(fused)
	}
	return fused[:k], nil
}

// fuseRRF applies Reciprocal Rank Fusion: RRF(d) = sum weight/(k + rank(d)).
// Similarity keeps the vector score when the chunk came from the vector side.
func (h *HybridIndex) fuseRRF(vecRes, lexRes []Candidate) []Candidate {
	type fused struct {
		cand  Candidate
		score float64
	}
	byID := make(map[string]*fused, len(vecRes)+len(lexRes))

	for rank, c := range vecRes {
		byID[c.Chunk.ID] = &fused{cand: c, score: h.vectorWeight / (h.rrfK + float64(rank+1))}
	}
	for rank, c := range lexRes {
		s := h.bm25Weight / (h.rrfK + float64(rank+1))
		if f, ok := byID[c.Chunk.ID]; ok {
			f.score += s
			continue
		}
		byID[c.Chunk.ID] = &fused{cand: Candidate{Chunk: c.Chunk}, score: s}
	}

	results := make([]*fused, 0, len(byID))
	for _, f := range byID {
		results = append(results, f)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].cand.Chunk.ID < results[j].cand.Chunk.ID
	})

	out := make([]Candidate, len(results))
	for i, f := range results {
		out[i] = f.cand
	}
	return out
}

// Upsert writes to the vector index, then mirrors text into the lexical index.
func (h *HybridIndex) Upsert(ctx context.Context, chunks []Chunk) error {
	if err := h.vector.Upsert(ctx, chunks); err != nil {
		return err
	}
	h.lexical.Add(chunks...)
	return nil
}

// Delete removes chunks from both sides.
func (h *HybridIndex) Delete(ctx context.Context, ids []string) error {
	if err := h.vector.Delete(ctx, ids); err != nil {
		return err
	}
	h.lexical.Remove(ids...)
	return nil
}

// Reset clears both sides.
func (h *HybridIndex) Reset(ctx context.Context) error {
	if err := h.vector.Reset(ctx); err != nil {
		return err
	}
	h.lexical.Clear()
	return nil
}

// Count returns the vector side's count.
func (h *HybridIndex) Count(ctx context.Context) (int, error) { return h.vector.Count(ctx) }

// Dimension returns the vector side's dimension.
func (h *HybridIndex) Dimension() int { return h.vector.Dimension() }

// Unwrap returns the vector index.
func (h *HybridIndex) Unwrap() Index { return h.vector }
