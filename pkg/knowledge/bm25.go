package knowledge

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// BM25Index provides lexical search over chunk text using BM25 scoring.
type BM25Index struct {
	mu sync.RWMutex

	k1 float64
	b  float64

	// term -> set of chunk ids
	invertedIndex map[string]map[string]struct{}
	// chunk id -> term frequencies
	termFreqs  map[string]map[string]int
	docLengths map[string]int
	chunks     map[string]Chunk

	totalLen int
}

// NewBM25Index creates an index. Non-positive parameters take the usual
// defaults k1=1.2, b=0.75.
func NewBM25Index(k1, b float64) *BM25Index {
	if k1 <= 0 {
		k1 = 1.2
	}
	if b <= 0 {
		b = 0.75
	}
	return &BM25Index{
		k1:            k1,
		b:             b,
		invertedIndex: make(map[string]map[string]struct{}),
		termFreqs:     make(map[string]map[string]int),
		docLengths:    make(map[string]int),
		chunks:        make(map[string]Chunk),
	}
}

// Add indexes or re-indexes chunks.
func (idx *BM25Index) Add(chunks ...Chunk) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, c := range chunks {
		if _, exists := idx.termFreqs[c.ID]; exists {
			idx.removeLocked(c.ID)
		}

		tokens := Terms(c.Text)
		freqs := make(map[string]int)
		for _, tok := range tokens {
			freqs[tok]++
		}

		stored := c
		stored.Embedding = nil
		stored.Metadata = cloneMetadata(c.Metadata)
		idx.chunks[c.ID] = stored
		idx.termFreqs[c.ID] = freqs
		idx.docLengths[c.ID] = len(tokens)
		idx.totalLen += len(tokens)

		for term := range freqs {
			if idx.invertedIndex[term] == nil {
				idx.invertedIndex[term] = make(map[string]struct{})
			}
			idx.invertedIndex[term][c.ID] = struct{}{}
		}
	}
}

// Remove drops chunks by id.
func (idx *BM25Index) Remove(ids ...string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, id := range ids {
		idx.removeLocked(id)
	}
}

func (idx *BM25Index) removeLocked(id string) {
	freqs, exists := idx.termFreqs[id]
	if !exists {
		return
	}
	for term := range freqs {
		if docs, ok := idx.invertedIndex[term]; ok {
			delete(docs, id)
			if len(docs) == 0 {
				delete(idx.invertedIndex, term)
			}
		}
	}
	idx.totalLen -= idx.docLengths[id]
	delete(idx.termFreqs, id)
	delete(idx.docLengths, id)
	delete(idx.chunks, id)
}

// Clear empties the index.
func (idx *BM25Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.invertedIndex = make(map[string]map[string]struct{})
	idx.termFreqs = make(map[string]map[string]int)
	idx.docLengths = make(map[string]int)
	idx.chunks = make(map[string]Chunk)
	idx.totalLen = 0
}

// Len returns the number of indexed chunks.
func (idx *BM25Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.chunks)
}

// Search returns the top-k chunks by BM25 score. Candidate.Similarity holds
// the raw BM25 score.
func (idx *BM25Index) Search(ctx context.Context, query string, k int) ([]Candidate, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.chunks) == 0 || k <= 0 {
		return nil, nil
	}
	queryTokens := Terms(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	avgDL := float64(idx.totalLen) / float64(len(idx.chunks))

	candidates := make(map[string]struct{})
	for _, tok := range queryTokens {
		for id := range idx.invertedIndex[tok] {
			candidates[id] = struct{}{}
		}
	}

	results := make([]Candidate, 0, len(candidates))
	for id := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if score := idx.scoreLocked(id, queryTokens, avgDL); score > 0 {
			results = append(results, Candidate{Chunk: idx.chunks[id], Similarity: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// scoreLocked calculates the BM25 score for a chunk. Must be called with the read lock held.
func (idx *BM25Index) scoreLocked(id string, queryTokens []string, avgDL float64) float64 {
	docLen := float64(idx.docLengths[id])
	freqs := idx.termFreqs[id]
	total := float64(len(idx.chunks))
	score := 0.0

	for _, term := range queryTokens {
		tf := float64(freqs[term])
		if tf == 0 {
			continue
		}
		// IDF: log((N - n + 0.5) / (n + 0.5) + 1)
		n := float64(len(idx.invertedIndex[term]))
		idf := math.Log((total-n+0.5)/(n+0.5) + 1.0)

		numerator := tf * (idx.k1 + 1)
		denominator := tf + idx.k1*(1-idx.b+idx.b*docLen/avgDL)
		score += idf * numerator / denominator
	}
	return score
}

// Terms splits text into lowercase tokens without punctuation or stop words.
// Han characters become single-rune tokens.
func Terms(text string) []string {
	text = strings.ToLower(text)
	tokens := make([]string, 0, len(text)/4)
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		tok := current.String()
		if _, stop := stopWords[tok]; !stop {
			tokens = append(tokens, tok)
		}
		current.Reset()
	}

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			current.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

var stopWords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "is", "are", "was", "were", "be", "been", "being",
		"have", "has", "had", "do", "does", "did", "will", "would", "could",
		"should", "may", "might", "shall", "can", "need", "dare", "ought",
		"used", "to", "of", "in", "for", "on", "with", "at", "by", "from",
		"as", "into", "through", "during", "before", "after", "above", "below",
		"between", "out", "off", "over", "under", "again", "further", "then",
		"once", "and", "but", "or", "nor", "not", "so", "yet", "both",
		"either", "neither", "each", "every", "all", "any", "few", "more",
		"most", "other", "some", "such", "no", "only", "own", "same", "than",
		"too", "very", "just", "because", "if", "when", "where", "how", "what",
		"which", "who", "whom", "this", "that", "these", "those", "i", "me",
		"my", "myself", "we", "our", "ours", "ourselves", "you", "your",
		"yours", "yourself", "yourselves", "he", "him", "his", "himself",
		"she", "her", "hers", "herself", "it", "its", "itself", "they",
		"them", "their", "theirs", "themselves",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()
