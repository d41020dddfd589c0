package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/contextd/contextd/pkg/knowledge"
	"github.com/contextd/contextd/pkg/telemetry/tracing"
)

// StrategyCrossEncoder names the cross-encoder scorer in outcomes and metrics.
const StrategyCrossEncoder = "crossencoder"

// Model aliases accepted in configuration.
var modelAliases = map[string]string{
	"fast":     "cross-encoder/ms-marco-MiniLM-L-6-v2",
	"balanced": "BAAI/bge-reranker-base",
	"best":     "BAAI/bge-reranker-large",
	"latest":   "mixedbread-ai/mxbai-rerank-large-v1",
}

// ResolveModel maps an alias to a model name. Unknown names pass through.
func ResolveModel(name string) string {
	if m, ok := modelAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return m
	}
	return name
}

// PairScorer scores (query, passage) pairs jointly. The result maps a
// passage's position in passages to its score and may omit passages when
// topN is smaller than len(passages).
type PairScorer interface {
	ScorePairs(ctx context.Context, query string, passages []knowledge.Chunk, topN int) (map[int]float64, error)
}

// CrossEncoder reranks with a PairScorer, splitting large candidate sets
// into batches.
type CrossEncoder struct {
	scorer    PairScorer
	batchSize int
}

// NewCrossEncoder creates a cross-encoder reranker.
func NewCrossEncoder(scorer PairScorer, batchSize int) *CrossEncoder {
	if batchSize <= 0 {
		batchSize = 32
	}
	return &CrossEncoder{scorer: scorer, batchSize: batchSize}
}

// Rerank scores candidates batch by batch, then orders by score with the
// original rank breaking ties.
func (c *CrossEncoder) Rerank(ctx context.Context, query string, candidates []knowledge.Candidate, n int) ([]RankedPassage, error) {
	if len(candidates) == 0 {
		return []RankedPassage{}, nil
	}
	n = clampN(n, len(candidates))

	type item struct {
		passage RankedPassage
		rank    int
	}
	var items []item

	single := len(candidates) <= c.batchSize
	for start := 0; start < len(candidates); start += c.batchSize {
		end := min(start+c.batchSize, len(candidates))
		batch := candidates[start:end]

		chunks := make([]knowledge.Chunk, len(batch))
		for i, cand := range batch {
			chunks[i] = cand.Chunk
		}

		// Every pair is needed to merge batches; a single batch only needs n.
		want := len(batch)
		if single {
			want = n
		}

		scores, err := c.scorer.ScorePairs(ctx, query, chunks, want)
		if err != nil {
			return nil, err
		}
		if err := validateScores(scores, len(batch), want); err != nil {
			return nil, err
		}
		for i, score := range scores {
			items = append(items, item{
				passage: RankedPassage{Chunk: batch[i].Chunk, Relevance: score, Similarity: batch[i].Similarity},
				rank:    start + i,
			})
		}
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].passage.Relevance != items[j].passage.Relevance {
			return items[i].passage.Relevance > items[j].passage.Relevance
		}
		return items[i].rank < items[j].rank
	})

	n = min(n, len(items))
	out := make([]RankedPassage, n)
	for i := 0; i < n; i++ {
		out[i] = items[i].passage
	}
	return out, nil
}

func validateScores(scores map[int]float64, size, want int) error {
	if len(scores) < min(want, size) {
		return fmt.Errorf("%w: %d scores for %d passages", ErrMalformedOutput, len(scores), min(want, size))
	}
	for i, s := range scores {
		if i < 0 || i >= size {
			return fmt.Errorf("%w: score index %d out of range", ErrMalformedOutput, i)
		}
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return fmt.Errorf("%w: non-finite score %v", ErrMalformedOutput, s)
		}
	}
	return nil
}

// HTTPScorer calls a rerank service over HTTP.
//
//	POST {endpoint}/rerank
//	{"query": "...", "documents": [{"id": "...", "text": "..."}], "top_n": 8, "model": "..."}
//	-> {"results": [{"id": "...", "score": 0.93}]}
type HTTPScorer struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewHTTPScorer creates a scorer for the service at endpoint. The model may
// be an alias.
func NewHTTPScorer(endpoint, model string, timeout time.Duration) *HTTPScorer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPScorer{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    ResolveModel(model),
		client:   &http.Client{Timeout: timeout},
	}
}

// Model returns the resolved model name.
func (s *HTTPScorer) Model() string { return s.model }

type rerankDocument struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type rerankRequest struct {
	Query     string           `json:"query"`
	Documents []rerankDocument `json:"documents"`
	TopN      int              `json:"top_n"`
	Model     string           `json:"model,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		ID    string   `json:"id"`
		Score *float64 `json:"score"`
	} `json:"results"`
}

// ScorePairs sends one request for passages. Unknown or repeated ids and
// missing scores in the reply are malformed output.
func (s *HTTPScorer) ScorePairs(ctx context.Context, query string, passages []knowledge.Chunk, topN int) (map[int]float64, error) {
	req := rerankRequest{Query: query, TopN: topN, Model: s.model}
	positions := make(map[string]int, len(passages))
	for i, p := range passages {
		req.Documents = append(req.Documents, rerankDocument{ID: p.ID, Text: p.Text})
		positions[p.ID] = i
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rerank: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rerank: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectHTTP(httpReq)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rerank: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("rerank: service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	scores := make(map[int]float64, len(out.Results))
	for _, r := range out.Results {
		pos, ok := positions[r.ID]
		if !ok {
			return nil, fmt.Errorf("%w: unknown id %q", ErrMalformedOutput, r.ID)
		}
		if _, dup := scores[pos]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrMalformedOutput, r.ID)
		}
		if r.Score == nil {
			return nil, fmt.Errorf("%w: missing score for %q", ErrMalformedOutput, r.ID)
		}
		scores[pos] = *r.Score
	}
	return scores, nil
}
