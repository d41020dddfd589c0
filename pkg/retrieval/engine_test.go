package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/contextd/contextd/pkg/embedding"
	"github.com/contextd/contextd/pkg/fault"
	"github.com/contextd/contextd/pkg/knowledge"
	"github.com/contextd/contextd/pkg/logger"
	"github.com/contextd/contextd/pkg/rerank"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const testDim = 64

type countingEmbedder struct {
	embedding.Embedder
	calls atomic.Int32
	err   error
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.Embedder.Embed(ctx, text)
}

type countingReranker struct {
	next      *rerank.FallbackReranker
	calls     atomic.Int32
	mu        sync.Mutex
	lastQuery string
	lastCands int
}

func (c *countingReranker) Rerank(ctx context.Context, query string, cands []knowledge.Candidate, n int) ([]rerank.RankedPassage, error) {
	out, _, err := c.RerankOutcome(ctx, query, cands, n)
	return out, err
}

func (c *countingReranker) RerankOutcome(ctx context.Context, query string, cands []knowledge.Candidate, n int) ([]rerank.RankedPassage, rerank.Outcome, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.lastQuery, c.lastCands = query, len(cands)
	c.mu.Unlock()
	return c.next.RerankOutcome(ctx, query, cands, n)
}

type failingIndex struct {
	knowledge.Index
}

func (failingIndex) Search(context.Context, []float32, int) ([]knowledge.Candidate, error) {
	return nil, errors.New("connection reset by peer")
}

type recordingMetrics struct {
	mu       sync.Mutex
	stages   map[string]int
	outcomes []string
}

func (m *recordingMetrics) ObserveRetrievalStage(stage string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stages == nil {
		m.stages = map[string]int{}
	}
	m.stages[stage]++
}

func (m *recordingMetrics) RecordRetrieval(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

var corpus = []knowledge.Chunk{
	{ID: "c1", Text: "To reset password, open the account settings page.", SourceLabel: "faq.md"},
	{ID: "c2", Text: "Billing runs on the first day of every month.", SourceLabel: "billing.md"},
	{ID: "c3", Text: "Password rules require twelve characters.", SourceLabel: "security.md"},
	{ID: "c4", Text: "The API rate limit is 100 requests per minute.", SourceLabel: "api.md"},
	{ID: "c5", Text: "Export reports as CSV from the dashboard.", SourceLabel: "reports.md"},
}

type fixture struct {
	engine   *Engine
	embedder *countingEmbedder
	reranker *countingReranker
	index    *knowledge.MemoryIndex
	metrics  *recordingMetrics
}

func newFixture(t *testing.T, chunks []knowledge.Chunk, primary rerank.Reranker) *fixture {
	t.Helper()
	ctx := context.Background()

	emb := &countingEmbedder{Embedder: embedding.NewHashEmbedder(testDim)}
	idx := knowledge.NewMemoryIndex(testDim)
	if len(chunks) > 0 {
		_, err := knowledge.Ingest(ctx, idx, emb.Embedder, chunks, 16)
		require.NoError(t, err)
	}

	fallback, err := rerank.NewFallbackReranker(primary, rerank.NewHeuristicReranker(rerank.DefaultWeights(), nil, nil), &rerank.FallbackConfig{
		Timeout: 100 * time.Millisecond,
		Logger:  logger.NewNop(),
	})
	require.NoError(t, err)
	rr := &countingReranker{next: fallback}

	eng, err := NewEngine(emb, idx, rr, Config{KCandidates: 4, NFinal: 2}, logger.NewNop())
	require.NoError(t, err)
	metrics := &recordingMetrics{}
	eng.SetMetrics(metrics)

	return &fixture{engine: eng, embedder: emb, reranker: rr, index: idx, metrics: metrics}
}

func TestEngine_Limits(t *testing.T) {
	f := newFixture(t, nil, nil)
	tests := []struct {
		k, n         int
		wantK, wantN int
	}{
		{0, 0, 4, 2},
		{-1, -1, 4, 2},
		{10, 3, 10, 3},
		{3, 8, 3, 3},
		{1, 0, 1, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("k=%d,n=%d", tt.k, tt.n), func(t *testing.T) {
			k, n := f.engine.Limits(tt.k, tt.n)
			assert.Equal(t, tt.wantK, k)
			assert.Equal(t, tt.wantN, n)
		})
	}
}

func TestEngine_BlankQuerySkipsEmbedding(t *testing.T) {
	f := newFixture(t, corpus, nil)

	for _, q := range []string{"", "   ", "\n\t"} {
		res, err := f.engine.Retrieve(context.Background(), q, 0, 0, nil)
		require.NoError(t, err)
		assert.True(t, res.Empty)
		assert.NotNil(t, res.Passages)
		assert.Empty(t, res.Passages)
	}
	assert.Zero(t, f.embedder.calls.Load())
}

func TestEngine_EmptyIndexSkipsReranker(t *testing.T) {
	f := newFixture(t, nil, nil)

	res, err := f.engine.Retrieve(context.Background(), "reset password", 0, 0, nil)
	require.NoError(t, err)
	assert.True(t, res.Empty)
	assert.NotNil(t, res.Passages)
	assert.Empty(t, res.Passages)
	assert.Zero(t, f.reranker.calls.Load())
	assert.Equal(t, []string{OutcomeEmpty}, f.metrics.outcomes)
}

func TestEngine_RespectsLimits(t *testing.T) {
	f := newFixture(t, corpus, nil)

	tests := []struct {
		k, n      int
		wantCands int
		maxOut    int
	}{
		{0, 0, 4, 2},
		{3, 8, 3, 3},
		{10, 5, 5, 5},
		{2, 1, 2, 1},
	}
	for _, tt := range tests {
		res, err := f.engine.Retrieve(context.Background(), "password", tt.k, tt.n, nil)
		require.NoError(t, err)
		assert.Equal(t, tt.wantCands, res.Candidates)
		assert.LessOrEqual(t, len(res.Passages), tt.maxOut)
		assert.Equal(t, tt.wantCands, f.reranker.lastCands)
	}
}

func TestEngine_ExactMatchRanksFirst(t *testing.T) {
	f := newFixture(t, corpus, nil)

	res, err := f.engine.Retrieve(context.Background(), "reset password", 5, 2, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Passages)
	assert.Equal(t, "c1", res.Passages[0].Chunk.ID)
	assert.Equal(t, "faq.md", res.Passages[0].Chunk.SourceLabel)
	assert.False(t, res.Degraded)
	assert.Equal(t, rerank.StrategyHeuristic, res.Strategy)
	assert.Equal(t, 1, f.metrics.stages[StageEmbed])
	assert.Equal(t, 1, f.metrics.stages[StageSearch])
	assert.Equal(t, 1, f.metrics.stages[StageRerank])
	assert.Equal(t, []string{OutcomeOK}, f.metrics.outcomes)
}

func TestEngine_DegradedRerank(t *testing.T) {
	broken := rerankFunc(func(context.Context, string, []knowledge.Candidate, int) ([]rerank.RankedPassage, error) {
		return nil, errors.New("cross-encoder unavailable")
	})
	f := newFixture(t, corpus, broken)

	res, err := f.engine.Retrieve(context.Background(), "reset password", 5, 2, nil)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, rerank.ReasonError, res.DegradeReason)
	assert.Equal(t, "c1", res.Passages[0].Chunk.ID)
	assert.Equal(t, []string{OutcomeDegraded}, f.metrics.outcomes)
}

type rerankFunc func(ctx context.Context, query string, cands []knowledge.Candidate, n int) ([]rerank.RankedPassage, error)

func (f rerankFunc) Rerank(ctx context.Context, query string, cands []knowledge.Candidate, n int) ([]rerank.RankedPassage, error) {
	return f(ctx, query, cands, n)
}

func TestEngine_SearchQueryOverride(t *testing.T) {
	f := newFixture(t, corpus, nil)

	_, err := f.engine.Retrieve(context.Background(), "and how about that?", 5, 2, &Options{SearchQuery: "reset password history"})
	require.NoError(t, err)
	assert.Equal(t, "reset password history", f.reranker.lastQuery)

	_, err = f.engine.Retrieve(context.Background(), "billing", 5, 2, &Options{SearchQuery: "  "})
	require.NoError(t, err)
	assert.Equal(t, "billing", f.reranker.lastQuery)
}

func TestEngine_InfrastructureFailures(t *testing.T) {
	t.Run("embedder", func(t *testing.T) {
		f := newFixture(t, corpus, nil)
		f.embedder.err = errors.New("ollama: connection refused")

		_, err := f.engine.Retrieve(context.Background(), "reset password", 0, 0, nil)
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.KindInfrastructure))
		assert.Zero(t, f.reranker.calls.Load())
		assert.Equal(t, []string{OutcomeError}, f.metrics.outcomes)
	})

	t.Run("index", func(t *testing.T) {
		f := newFixture(t, corpus, nil)
		eng, err := NewEngine(f.embedder, failingIndex{f.index}, f.reranker, Config{}, logger.NewNop())
		require.NoError(t, err)

		_, err = eng.Retrieve(context.Background(), "reset password", 0, 0, nil)
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.KindInfrastructure))
		assert.Zero(t, f.reranker.calls.Load())
	})

	t.Run("caller cancelled", func(t *testing.T) {
		f := newFixture(t, corpus, nil)
		f.embedder.err = context.Canceled
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := f.engine.Retrieve(ctx, "reset password", 0, 0, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, fault.Is(err, fault.KindInfrastructure))
	})
}

func TestEngine_HybridRecall(t *testing.T) {
	ctx := context.Background()
	emb := embedding.NewHashEmbedder(testDim)
	vec := knowledge.NewMemoryIndex(testDim)
	_, err := knowledge.Ingest(ctx, vec, emb, corpus, 16)
	require.NoError(t, err)

	// Lexical-heavy weights so the keyword hit wins the single recall slot.
	hybrid := knowledge.NewHybridIndex(vec, knowledge.NewBM25Index(0, 0), 0.01, 1)
	require.Equal(t, len(corpus), hybrid.Rebuild())

	eng, err := NewEngine(emb, hybrid, rerank.NewHeuristicReranker(rerank.DefaultWeights(), nil, nil), Config{}, logger.NewNop())
	require.NoError(t, err)

	res, err := eng.Retrieve(ctx, "CSV export", 1, 1, nil)
	require.NoError(t, err)
	require.Len(t, res.Passages, 1)
	assert.Equal(t, "c5", res.Passages[0].Chunk.ID)
	assert.Equal(t, 1, res.Candidates)
}

func TestEngine_Spans(t *testing.T) {
	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	}()

	f := newFixture(t, corpus, nil)
	_, err := f.engine.Retrieve(context.Background(), "reset password", 0, 0, nil)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, s := range recorder.Ended() {
		names[s.Name()] = true
	}
	for _, want := range []string{spanRetrieve, spanEmbed, spanSearch, spanRerank} {
		assert.True(t, names[want], "missing span %q", want)
	}
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	emb := embedding.NewHashEmbedder(testDim)
	idx := knowledge.NewMemoryIndex(testDim)
	rr := rerank.NewHeuristicReranker(rerank.DefaultWeights(), nil, nil)

	_, err := NewEngine(nil, idx, rr, Config{}, nil)
	assert.Error(t, err)
	_, err = NewEngine(emb, nil, rr, Config{}, nil)
	assert.Error(t, err)
	_, err = NewEngine(emb, idx, nil, Config{}, nil)
	assert.Error(t, err)
}
