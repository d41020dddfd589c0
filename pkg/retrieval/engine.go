// Package retrieval implements two-stage retrieval: vector recall of k
// candidates followed by reranking down to the n most relevant passages.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/contextd/contextd/pkg/embedding"
	"github.com/contextd/contextd/pkg/fault"
	"github.com/contextd/contextd/pkg/knowledge"
	"github.com/contextd/contextd/pkg/logger"
	"github.com/contextd/contextd/pkg/rerank"
	"go.opentelemetry.io/otel/attribute"
)

// Default stage sizes.
const (
	DefaultK = 50
	DefaultN = 8
)

// Retrieval stages used in timings and metrics.
const (
	StageEmbed  = "embed"
	StageSearch = "search"
	StageRerank = "rerank"
)

// Retrieval outcomes used in metrics.
const (
	OutcomeOK       = "ok"
	OutcomeEmpty    = "empty"
	OutcomeDegraded = "degraded"
	OutcomeError    = "error"
)

// Config holds engine settings.
type Config struct {
	// KCandidates is the default recall size.
	KCandidates int
	// NFinal is the default number of passages returned.
	NFinal int
	// Timeout bounds a whole Retrieve call. Zero means no extra bound.
	Timeout time.Duration
}

// Options are per-call settings.
type Options struct {
	// SearchQuery replaces the query for recall and reranking, e.g. the
	// question joined with recent history.
	SearchQuery string
}

// Timings are per-stage durations of one call.
type Timings struct {
	Embed  time.Duration `json:"embed"`
	Search time.Duration `json:"search"`
	Rerank time.Duration `json:"rerank"`
}

// Total returns the sum of all stages.
func (t Timings) Total() time.Duration { return t.Embed + t.Search + t.Rerank }

// Result is the outcome of a Retrieve call.
type Result struct {
	// Passages are at most n reranked passages, most relevant first.
	Passages []rerank.RankedPassage `json:"passages"`
	// Empty is set when the index had no candidates for the query.
	Empty bool `json:"empty"`
	// Degraded is set when the primary reranker was bypassed.
	Degraded bool `json:"degraded"`
	// DegradeReason explains Degraded.
	DegradeReason string `json:"degrade_reason,omitempty"`
	// Strategy names the reranker that ordered the passages.
	Strategy string `json:"strategy,omitempty"`
	// Candidates is the recall-stage candidate count.
	Candidates int `json:"candidates"`
	// Timings are per-stage durations.
	Timings Timings `json:"timings"`
}

// MetricsRecorder records retrieval metrics.
type MetricsRecorder interface {
	ObserveRetrievalStage(stage string, d time.Duration)
	RecordRetrieval(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveRetrievalStage(string, time.Duration) {}
func (nopMetrics) RecordRetrieval(string)                      {}

// Engine runs recall and rerank against a knowledge index.
type Engine struct {
	embedder embedding.Embedder
	index    knowledge.Index
	reranker rerank.Reranker
	cfg      Config
	logger   logger.Logger
	metrics  MetricsRecorder
}

// NewEngine creates a retrieval engine. When index also implements
// knowledge.TextSearcher, recall is hybrid.
func NewEngine(embedder embedding.Embedder, index knowledge.Index, reranker rerank.Reranker, cfg Config, log logger.Logger) (*Engine, error) {
	if embedder == nil {
		return nil, errors.New("retrieval: embedder cannot be nil")
	}
	if index == nil {
		return nil, errors.New("retrieval: index cannot be nil")
	}
	if reranker == nil {
		return nil, errors.New("retrieval: reranker cannot be nil")
	}
	if cfg.KCandidates <= 0 {
		cfg.KCandidates = DefaultK
	}
	if cfg.NFinal <= 0 {
		cfg.NFinal = DefaultN
	}
	if log == nil {
		log = logger.Global()
	}
	return &Engine{
		embedder: embedder,
		index:    index,
		reranker: reranker,
		cfg:      cfg,
		logger:   log,
		metrics:  nopMetrics{},
	}, nil
}

// SetMetrics sets the metrics recorder.
func (e *Engine) SetMetrics(m MetricsRecorder) {
	if m != nil {
		e.metrics = m
	}
}

// Index returns the underlying index.
func (e *Engine) Index() knowledge.Index { return e.index }

// Embedder returns the query embedder.
func (e *Engine) Embedder() embedding.Embedder { return e.embedder }

// Limits resolves k and n: non-positive values take the defaults and n
// never exceeds k.
func (e *Engine) Limits(k, n int) (int, int) {
	if k <= 0 {
		k = e.cfg.KCandidates
	}
	if n <= 0 {
		n = e.cfg.NFinal
	}
	if n > k {
		n = k
	}
	return k, n
}

// Retrieve returns at most n passages relevant to query. A blank query or an
// empty index yields an empty result, not an error. Embedding and index
// failures are fault.KindInfrastructure.
func (e *Engine) Retrieve(ctx context.Context, query string, k, n int, opts *Options) (*Result, error) {
	k, n = e.Limits(k, n)

	text := query
	if opts != nil && strings.TrimSpace(opts.SearchQuery) != "" {
		text = opts.SearchQuery
	}
	if strings.TrimSpace(text) == "" {
		e.metrics.RecordRetrieval(OutcomeEmpty)
		return &Result{Passages: []rerank.RankedPassage{}, Empty: true}, nil
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	ctx, span := retrievalTracer().Start(ctx, spanRetrieve)
	defer span.End()
	span.SetAttributes(attribute.Int("retrieval.k", k), attribute.Int("retrieval.n", n))

	res, err := e.retrieve(ctx, text, k, n)
	if err != nil {
		recordSpanError(span, err)
		e.metrics.RecordRetrieval(OutcomeError)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("retrieval.candidates", res.Candidates),
		attribute.Int("retrieval.passages", len(res.Passages)),
		attribute.Bool("retrieval.degraded", res.Degraded),
		attribute.Bool("retrieval.empty", res.Empty),
	)
	switch {
	case res.Empty:
		e.metrics.RecordRetrieval(OutcomeEmpty)
	case res.Degraded:
		e.metrics.RecordRetrieval(OutcomeDegraded)
	default:
		e.metrics.RecordRetrieval(OutcomeOK)
	}
	return res, nil
}

func (e *Engine) retrieve(ctx context.Context, text string, k, n int) (*Result, error) {
	res := &Result{Passages: []rerank.RankedPassage{}}

	vector, err := e.embed(ctx, text, res)
	if err != nil {
		return nil, err
	}

	candidates, err := e.search(ctx, vector, text, k, res)
	if err != nil {
		return nil, err
	}
	res.Candidates = len(candidates)
	if len(candidates) == 0 {
		res.Empty = true
		e.logger.DebugContext(ctx, "no knowledge candidates", "k", k)
		return res, nil
	}

	if err := e.rerank(ctx, text, candidates, n, res); err != nil {
		return nil, err
	}

	e.logger.DebugContext(ctx, "retrieval complete",
		"candidates", res.Candidates,
		"passages", len(res.Passages),
		"strategy", res.Strategy,
		"degraded", res.Degraded,
		"duration", res.Timings.Total(),
	)
	return res, nil
}

func (e *Engine) embed(ctx context.Context, text string, res *Result) ([]float32, error) {
	ctx, span := retrievalTracer().Start(ctx, spanEmbed)
	defer span.End()

	start := time.Now()
	vector, err := e.embedder.Embed(ctx, text)
	res.Timings.Embed = time.Since(start)
	e.metrics.ObserveRetrievalStage(StageEmbed, res.Timings.Embed)
	if err != nil {
		recordSpanError(span, err)
		return nil, stageError(ctx, "retrieval.embed", err)
	}
	return vector, nil
}

func (e *Engine) search(ctx context.Context, vector []float32, text string, k int, res *Result) ([]knowledge.Candidate, error) {
	ctx, span := retrievalTracer().Start(ctx, spanSearch)
	defer span.End()

	start := time.Now()
	var (
		candidates []knowledge.Candidate
		err        error
	)
	if ts, ok := e.index.(knowledge.TextSearcher); ok {
		span.SetAttributes(attribute.Bool("retrieval.hybrid", true))
		candidates, err = ts.SearchText(ctx, vector, text, k)
	} else {
		candidates, err = e.index.Search(ctx, vector, k)
	}
	res.Timings.Search = time.Since(start)
	e.metrics.ObserveRetrievalStage(StageSearch, res.Timings.Search)
	if err != nil {
		recordSpanError(span, err)
		return nil, stageError(ctx, "retrieval.search", err)
	}
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	span.SetAttributes(attribute.Int("retrieval.candidates", len(candidates)))
	return candidates, nil
}

func (e *Engine) rerank(ctx context.Context, text string, candidates []knowledge.Candidate, n int, res *Result) error {
	ctx, span := retrievalTracer().Start(ctx, spanRerank)
	defer span.End()

	start := time.Now()
	var (
		passages []rerank.RankedPassage
		err      error
	)
	if withOutcome, ok := e.reranker.(rerank.OutcomeReranker); ok {
		var outcome rerank.Outcome
		passages, outcome, err = withOutcome.RerankOutcome(ctx, text, candidates, n)
		res.Strategy = outcome.Strategy
		res.Degraded = outcome.Degraded
		res.DegradeReason = outcome.Reason
	} else {
		passages, err = e.reranker.Rerank(ctx, text, candidates, n)
	}
	res.Timings.Rerank = time.Since(start)
	e.metrics.ObserveRetrievalStage(StageRerank, res.Timings.Rerank)
	if err != nil {
		recordSpanError(span, err)
		return stageError(ctx, "retrieval.rerank", err)
	}

	if len(passages) > n {
		passages = passages[:n]
	}
	if passages != nil {
		res.Passages = passages
	}
	span.SetAttributes(
		attribute.String("rerank.strategy", res.Strategy),
		attribute.Bool("rerank.degraded", res.Degraded),
	)
	return nil
}

// stageError returns the caller's own cancellation as is and classifies
// everything else, deadlines included, as an infrastructure failure.
func stageError(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) && errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fault.Infrastructure(op, err)
}
