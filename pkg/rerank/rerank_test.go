package rerank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/pkg/knowledge"
	"github.com/contextd/contextd/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidates(texts ...string) []knowledge.Candidate {
	out := make([]knowledge.Candidate, len(texts))
	for i, text := range texts {
		out[i] = knowledge.Candidate{
			Chunk:      knowledge.Chunk{ID: string(rune('a' + i)), Text: text},
			Similarity: 1 - float64(i)*0.1,
		}
	}
	return out
}

func ids(passages []RankedPassage) string {
	parts := make([]string, len(passages))
	for i, p := range passages {
		parts[i] = p.Chunk.ID
	}
	return strings.Join(parts, ",")
}

func TestHeuristic_ExactMatchDominates(t *testing.T) {
	// Even with weights that favour overlap, the passage containing the
	// whole query stays on top.
	w := DefaultWeights()
	w.ExactMatch = 0
	w.TokenOverlap = 100
	h := NewHeuristicReranker(w, nil, nil)

	cands := candidates(
		"Reset your account password from the login page.",
		"Unrelated text about billing.",
		"To reset password, open settings.",
	)
	got, err := h.Rerank(context.Background(), "reset password", cands, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].Chunk.ID)
	assert.Equal(t, "a", got[1].Chunk.ID)
	assert.Equal(t, cands[2].Similarity, got[0].Similarity)
}

func TestHeuristic_CaseAndWhitespaceInsensitiveExactMatch(t *testing.T) {
	h := NewHeuristicReranker(DefaultWeights(), nil, nil)
	cands := candidates("password  tips", "How to RESET\n  Password quickly")

	got, err := h.Rerank(context.Background(), "reset password", cands, 1)
	require.NoError(t, err)
	assert.Equal(t, "b", ids(got))
}

func TestHeuristic_Penalties(t *testing.T) {
	tests := []struct {
		name  string
		cands []knowledge.Candidate
		want  string
	}{
		{
			name:  "generic marker",
			cands: candidates("alpha guide click here", "alpha guide more info"),
			want:  "b,a",
		},
		{
			name: "generic metadata",
			cands: []knowledge.Candidate{
				{Chunk: knowledge.Chunk{ID: "a", Text: "alpha guide", Metadata: map[string]string{knowledge.MetadataGeneric: "true"}}},
				{Chunk: knowledge.Chunk{ID: "b", Text: "alpha guide"}},
			},
			want: "b,a",
		},
		{
			name:  "long passage",
			cands: candidates("alpha "+strings.Repeat("x", 2000), "alpha short"),
			want:  "b,a",
		},
	}

	h := NewHeuristicReranker(DefaultWeights(), []string{"Click Here"}, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.Rerank(context.Background(), "alpha", tt.cands, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestHeuristic_Glossary(t *testing.T) {
	h := NewHeuristicReranker(DefaultWeights(), nil, []string{"Vector Index"})
	cands := candidates("the vector of the index", "the vector index stores embeddings")

	got, err := h.Rerank(context.Background(), "configure vector index", cands, 2)
	require.NoError(t, err)
	assert.Equal(t, "b,a", ids(got))
	assert.Greater(t, got[0].Relevance-got[1].Relevance, 1.0)
}

func TestHeuristic_DeterministicAndStable(t *testing.T) {
	h := NewHeuristicReranker(DefaultWeights(), nil, nil)
	cands := candidates("same text", "same text", "same text", "other")

	first, err := h.Rerank(context.Background(), "nothing matches", cands, 0)
	require.NoError(t, err)
	assert.Equal(t, "a,b,c,d", ids(first))

	for i := 0; i < 5; i++ {
		again, err := h.Rerank(context.Background(), "nothing matches", cands, 0)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestHeuristic_Limits(t *testing.T) {
	h := NewHeuristicReranker(DefaultWeights(), nil, nil)
	cands := candidates("one", "two", "three")

	tests := []struct {
		n    int
		want int
	}{
		{0, 3}, {1, 1}, {3, 3}, {10, 3}, {-1, 3},
	}
	for _, tt := range tests {
		got, err := h.Rerank(context.Background(), "q", cands, tt.n)
		require.NoError(t, err)
		assert.Len(t, got, tt.want, "n=%d", tt.n)
	}

	empty, err := h.Rerank(context.Background(), "q", nil, 5)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestHeuristic_Apply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "glossary.txt")
	require.NoError(t, os.WriteFile(path, []byte("# terms\nVector Index\n\nrerank\n"), 0o644))

	cfg := config.DefaultConfig().Rerank.Heuristic
	cfg.GlossaryPath = path
	cfg.GlossaryTerms = []string{"rerank", "hybrid search"}

	h, err := NewHeuristicFromConfig(cfg)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"rerank", "hybrid search", "vector index"}, h.glossary)

	cfg.ExactMatch = 42
	cfg.GlossaryPath = ""
	require.NoError(t, h.Apply(cfg))
	assert.Equal(t, 42.0, h.Weights().ExactMatch)

	cfg.GlossaryPath = filepath.Join(dir, "missing.txt")
	assert.Error(t, h.Apply(cfg))
	assert.Equal(t, 42.0, h.Weights().ExactMatch, "failed apply must keep previous weights")
}

func TestResolveModel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"fast", "cross-encoder/ms-marco-MiniLM-L-6-v2"},
		{"Balanced", "BAAI/bge-reranker-base"},
		{"best", "BAAI/bge-reranker-large"},
		{"latest", "mixedbread-ai/mxbai-rerank-large-v1"},
		{"my-org/custom", "my-org/custom"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveModel(tt.in))
	}
}

func rerankServer(t *testing.T, respond func(req rerankRequest) any) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		var req rerankRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(respond(req))
	}))
	t.Cleanup(server.Close)
	return server
}

type result struct {
	ID    string   `json:"id"`
	Score *float64 `json:"score,omitempty"`
}

func score(v float64) *float64 { return &v }

func TestCrossEncoder_HTTP(t *testing.T) {
	server := rerankServer(t, func(req rerankRequest) any {
		assert.Equal(t, "cross-encoder/ms-marco-MiniLM-L-6-v2", req.Model)
		assert.Equal(t, "which one", req.Query)
		assert.Equal(t, 2, req.TopN)
		assert.Len(t, req.Documents, 3)
		return map[string]any{"results": []result{
			{ID: "c", Score: score(0.9)},
			{ID: "a", Score: score(0.4)},
		}}
	})

	ce := NewCrossEncoder(NewHTTPScorer(server.URL+"/", "fast", time.Second), 32)
	got, err := ce.Rerank(context.Background(), "which one", candidates("x", "y", "z"), 2)
	require.NoError(t, err)
	assert.Equal(t, "c,a", ids(got))
	assert.InDelta(t, 0.9, got[0].Relevance, 1e-9)
	assert.InDelta(t, 0.8, got[0].Similarity, 1e-9)
}

func TestCrossEncoder_HTTPMalformed(t *testing.T) {
	tests := []struct {
		name    string
		results []result
	}{
		{"unknown id", []result{{ID: "a", Score: score(1)}, {ID: "zz", Score: score(1)}}},
		{"duplicate id", []result{{ID: "a", Score: score(1)}, {ID: "a", Score: score(0.5)}}},
		{"missing score", []result{{ID: "a", Score: score(1)}, {ID: "b"}}},
		{"too few", []result{{ID: "a", Score: score(1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := rerankServer(t, func(rerankRequest) any {
				return map[string]any{"results": tt.results}
			})
			ce := NewCrossEncoder(NewHTTPScorer(server.URL, "fast", time.Second), 32)
			_, err := ce.Rerank(context.Background(), "q", candidates("x", "y"), 2)
			assert.ErrorIs(t, err, ErrMalformedOutput)
		})
	}
}

func TestCrossEncoder_HTTPStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ce := NewCrossEncoder(NewHTTPScorer(server.URL, "fast", time.Second), 32)
	_, err := ce.Rerank(context.Background(), "q", candidates("x"), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.NotErrorIs(t, err, ErrMalformedOutput)
}

// fakeScorer scores each passage by the length of its text.
type fakeScorer struct {
	mu     sync.Mutex
	calls  []int
	scores func(passages []knowledge.Chunk) map[int]float64
}

func (f *fakeScorer) ScorePairs(_ context.Context, _ string, passages []knowledge.Chunk, topN int) (map[int]float64, error) {
	f.mu.Lock()
	f.calls = append(f.calls, len(passages))
	f.mu.Unlock()
	if f.scores != nil {
		return f.scores(passages), nil
	}
	out := make(map[int]float64, len(passages))
	for i, p := range passages {
		out[i] = float64(len(p.Text))
	}
	return out, nil
}

func TestCrossEncoder_BatchesAndMerges(t *testing.T) {
	scorer := &fakeScorer{}
	ce := NewCrossEncoder(scorer, 2)

	cands := candidates("xx", "xxxxx", "x", "xxxx", "xxxxx")
	got, err := ce.Rerank(context.Background(), "q", cands, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, scorer.calls)
	// Equal scores keep the original rank.
	assert.Equal(t, "b,e,d", ids(got))
}

func TestCrossEncoder_NonFiniteScore(t *testing.T) {
	scorer := &fakeScorer{scores: func(passages []knowledge.Chunk) map[int]float64 {
		return map[int]float64{0: 1, 1: math.NaN()}
	}}
	_, err := NewCrossEncoder(scorer, 8).Rerank(context.Background(), "q", candidates("x", "y"), 2)
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

type recordingMetrics struct {
	mu      sync.Mutex
	reasons []string
}

func (m *recordingMetrics) RecordRerankFallback(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons = append(m.reasons, reason)
}

type rerankFunc func(ctx context.Context, query string, candidates []knowledge.Candidate, n int) ([]RankedPassage, error)

func (f rerankFunc) Rerank(ctx context.Context, query string, candidates []knowledge.Candidate, n int) ([]RankedPassage, error) {
	return f(ctx, query, candidates, n)
}

func reverseTop(_ context.Context, _ string, cands []knowledge.Candidate, n int) ([]RankedPassage, error) {
	n = clampN(n, len(cands))
	out := make([]RankedPassage, 0, n)
	for i := len(cands) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, RankedPassage{Chunk: cands[i].Chunk, Relevance: float64(i)})
	}
	return out, nil
}

func TestFallbackReranker(t *testing.T) {
	tests := []struct {
		name       string
		primary    Reranker
		wantReason string
	}{
		{
			name: "error",
			primary: rerankFunc(func(context.Context, string, []knowledge.Candidate, int) ([]RankedPassage, error) {
				return nil, errors.New("connection refused")
			}),
			wantReason: ReasonError,
		},
		{
			name: "timeout ignoring context",
			primary: rerankFunc(func(context.Context, string, []knowledge.Candidate, int) ([]RankedPassage, error) {
				time.Sleep(500 * time.Millisecond)
				return nil, nil
			}),
			wantReason: ReasonTimeout,
		},
		{
			name: "timeout honouring context",
			primary: rerankFunc(func(ctx context.Context, _ string, _ []knowledge.Candidate, _ int) ([]RankedPassage, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
			wantReason: ReasonTimeout,
		},
		{
			name: "panic",
			primary: rerankFunc(func(context.Context, string, []knowledge.Candidate, int) ([]RankedPassage, error) {
				panic("model crashed")
			}),
			wantReason: ReasonPanic,
		},
		{
			name: "malformed error",
			primary: rerankFunc(func(context.Context, string, []knowledge.Candidate, int) ([]RankedPassage, error) {
				return nil, ErrMalformedOutput
			}),
			wantReason: ReasonMalformed,
		},
		{
			name: "unknown passage",
			primary: rerankFunc(func(context.Context, string, []knowledge.Candidate, int) ([]RankedPassage, error) {
				return []RankedPassage{{Chunk: knowledge.Chunk{ID: "zz"}}, {Chunk: knowledge.Chunk{ID: "a"}}}, nil
			}),
			wantReason: ReasonMalformed,
		},
		{
			name: "short output",
			primary: rerankFunc(func(_ context.Context, _ string, cands []knowledge.Candidate, _ int) ([]RankedPassage, error) {
				return []RankedPassage{{Chunk: cands[0].Chunk}}, nil
			}),
			wantReason: ReasonMalformed,
		},
		{
			name: "non-finite relevance",
			primary: rerankFunc(func(_ context.Context, _ string, cands []knowledge.Candidate, _ int) ([]RankedPassage, error) {
				return []RankedPassage{{Chunk: cands[0].Chunk, Relevance: math.Inf(1)}, {Chunk: cands[1].Chunk}}, nil
			}),
			wantReason: ReasonMalformed,
		},
	}

	cands := candidates("nothing here", "reset password steps", "misc")
	heuristic := NewHeuristicReranker(DefaultWeights(), nil, nil)
	want, err := heuristic.Rerank(context.Background(), "reset password", cands, 2)
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := &recordingMetrics{}
			fr, err := NewFallbackReranker(tt.primary, heuristic, &FallbackConfig{
				Timeout: 50 * time.Millisecond,
				Logger:  logger.NewNop(),
			})
			require.NoError(t, err)
			fr.SetMetrics(metrics)

			start := time.Now()
			got, outcome, err := fr.RerankOutcome(context.Background(), "reset password", cands, 2)
			require.NoError(t, err)
			assert.Less(t, time.Since(start), 400*time.Millisecond)

			assert.Equal(t, want, got)
			assert.True(t, outcome.Degraded)
			assert.Equal(t, StrategyHeuristic, outcome.Strategy)
			assert.Equal(t, tt.wantReason, outcome.Reason)
			assert.Equal(t, []string{tt.wantReason}, metrics.reasons)
			assert.Equal(t, int64(1), fr.FallbackCount())
		})
	}
}

func TestFallbackReranker_ExactMatchesLeadAfterFailure(t *testing.T) {
	const query = "reset password"
	texts := make([]string, 50)
	for i := range texts {
		switch i % 5 {
		case 0:
			texts[i] = fmt.Sprintf("Article %d: reset password from the account page.", i)
		case 1:
			texts[i] = fmt.Sprintf("Article %d: the password reset form lives under settings.", i)
		case 2:
			texts[i] = fmt.Sprintf("Article %d: you can reset your password by email.", i)
		case 3:
			texts[i] = fmt.Sprintf("Article %d: invoices are emailed on the first of the month.", i)
		default:
			texts[i] = fmt.Sprintf("Article %d: to reset password twice, contact support.", i)
		}
	}
	cands := candidates(texts...)

	primary := rerankFunc(func(context.Context, string, []knowledge.Candidate, int) ([]RankedPassage, error) {
		return nil, errors.New("model unavailable")
	})
	fr, err := NewFallbackReranker(primary, NewHeuristicReranker(DefaultWeights(), nil, nil), &FallbackConfig{
		Timeout: time.Second,
		Logger:  logger.NewNop(),
	})
	require.NoError(t, err)

	got, outcome, err := fr.RerankOutcome(context.Background(), query, cands, len(cands))
	require.NoError(t, err)
	assert.True(t, outcome.Degraded)
	require.Len(t, got, len(cands))

	seen := make(map[string]bool, len(got))
	lastExact := -1
	firstOther := len(got)
	for i, p := range got {
		assert.False(t, seen[p.Chunk.ID], "duplicate passage %q", p.Chunk.ID)
		seen[p.Chunk.ID] = true
		if strings.Contains(strings.ToLower(p.Chunk.Text), query) {
			lastExact = i
		} else if i < firstOther {
			firstOther = i
		}
	}
	for _, c := range cands {
		assert.True(t, seen[c.Chunk.ID], "passage %q missing from output", c.Chunk.ID)
	}
	assert.Equal(t, 19, lastExact)
	assert.Less(t, lastExact, firstOther)
}

func TestFallbackReranker_PrimarySucceeds(t *testing.T) {
	metrics := &recordingMetrics{}
	fr, err := NewFallbackReranker(rerankFunc(reverseTop), NewHeuristicReranker(DefaultWeights(), nil, nil), &FallbackConfig{Logger: logger.NewNop()})
	require.NoError(t, err)
	fr.SetMetrics(metrics)

	got, outcome, err := fr.RerankOutcome(context.Background(), "q", candidates("x", "y", "z"), 2)
	require.NoError(t, err)
	assert.Equal(t, "c,b", ids(got))
	assert.Equal(t, Outcome{Strategy: StrategyCrossEncoder}, outcome)
	assert.Empty(t, metrics.reasons)
}

func TestFallbackReranker_NoPrimary(t *testing.T) {
	metrics := &recordingMetrics{}
	fr, err := NewFallbackReranker(nil, NewHeuristicReranker(DefaultWeights(), nil, nil), nil)
	require.NoError(t, err)
	fr.SetMetrics(metrics)

	got, outcome, err := fr.RerankOutcome(context.Background(), "y", candidates("x", "y"), 1)
	require.NoError(t, err)
	assert.Equal(t, "b", ids(got))
	assert.Equal(t, Outcome{Strategy: StrategyHeuristic}, outcome)
	assert.Empty(t, metrics.reasons)
	assert.Zero(t, fr.FallbackCount())
}

func TestFallbackReranker_CallerCancelled(t *testing.T) {
	primary := rerankFunc(func(ctx context.Context, _ string, _ []knowledge.Candidate, _ int) ([]RankedPassage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	fr, err := NewFallbackReranker(primary, NewHeuristicReranker(DefaultWeights(), nil, nil), &FallbackConfig{Timeout: time.Second, Logger: logger.NewNop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = fr.RerankOutcome(ctx, "q", candidates("x"), 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, fr.FallbackCount())
}

func TestNew(t *testing.T) {
	cfg := config.DefaultConfig().Rerank
	fr, err := New(cfg, logger.NewNop())
	require.NoError(t, err)
	assert.Nil(t, fr.primary)

	cfg.Strategy = StrategyCrossEncoder
	fr, err = New(cfg, logger.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &CrossEncoder{}, fr.primary)

	cfg.CrossEncoder.Backend = "grpc"
	_, err = New(cfg, logger.NewNop())
	assert.Error(t, err)

	cfg.Strategy = "magic"
	_, err = New(cfg, logger.NewNop())
	assert.Error(t, err)
}

func TestFallbackReranker_SetTimeout(t *testing.T) {
	fr, err := NewFallbackReranker(nil, NewHeuristicReranker(DefaultWeights(), nil, nil), &FallbackConfig{
		Timeout: time.Second,
		Logger:  logger.NewNop(),
	})
	require.NoError(t, err)
	assert.Equal(t, time.Second, fr.Timeout())

	fr.SetTimeout(250 * time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, fr.Timeout())

	fr.SetTimeout(0)
	assert.Equal(t, 250*time.Millisecond, fr.Timeout())
}
