package rerank

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/contextd/contextd/pkg/knowledge"
	"github.com/contextd/contextd/pkg/logger"
)

// Fallback reasons reported in outcomes, logs and metrics.
const (
	ReasonTimeout   = "timeout"
	ReasonError     = "error"
	ReasonPanic     = "panic"
	ReasonMalformed = "malformed"
)

// FallbackReranker serves each call with a primary reranker and switches to
// the heuristic scorer when the primary fails, times out, panics or returns
// output that does not match its input. Callers never see a primary failure.
type FallbackReranker struct {
	primary      Reranker
	primaryName  string
	fallback     *HeuristicReranker
	timeout      atomic.Int64
	logger       logger.Logger
	metrics      MetricsRecorder
	fallbackRuns atomic.Int64
}

// FallbackConfig holds configuration for a FallbackReranker.
type FallbackConfig struct {
	// Timeout bounds a single primary call.
	Timeout time.Duration

	// PrimaryName labels the primary in outcomes.
	PrimaryName string

	// Logger is the structured logger.
	Logger logger.Logger
}

// NewFallbackReranker wraps primary. A nil primary means every call goes
// straight to the heuristic scorer and is not counted as a fallback.
func NewFallbackReranker(primary Reranker, fallback *HeuristicReranker, cfg *FallbackConfig) (*FallbackReranker, error) {
	if fallback == nil {
		return nil, fmt.Errorf("fallback reranker cannot be nil")
	}

	fr := &FallbackReranker{
		primary:     primary,
		primaryName: StrategyCrossEncoder,
		fallback:    fallback,
		metrics:     nopMetrics{},
	}
	fr.timeout.Store(int64(2 * time.Second))
	if cfg != nil {
		fr.SetTimeout(cfg.Timeout)
		if cfg.PrimaryName != "" {
			fr.primaryName = cfg.PrimaryName
		}
		fr.logger = cfg.Logger
	}
	if fr.logger == nil {
		fr.logger = logger.Global()
	}
	return fr, nil
}

// SetMetrics sets the metrics recorder.
func (fr *FallbackReranker) SetMetrics(m MetricsRecorder) {
	if m != nil {
		fr.metrics = m
	}
}

// SetTimeout changes the bound on primary calls. Non-positive values are
// ignored.
func (fr *FallbackReranker) SetTimeout(d time.Duration) {
	if d > 0 {
		fr.timeout.Store(int64(d))
	}
}

// Timeout returns the current bound on primary calls.
func (fr *FallbackReranker) Timeout() time.Duration {
	return time.Duration(fr.timeout.Load())
}

// Heuristic returns the fallback scorer.
func (fr *FallbackReranker) Heuristic() *HeuristicReranker { return fr.fallback }

// FallbackCount returns how many calls were served by the fallback.
func (fr *FallbackReranker) FallbackCount() int64 { return fr.fallbackRuns.Load() }

// Rerank implements Reranker.
func (fr *FallbackReranker) Rerank(ctx context.Context, query string, candidates []knowledge.Candidate, n int) ([]RankedPassage, error) {
	out, _, err := fr.RerankOutcome(ctx, query, candidates, n)
	return out, err
}

// RerankOutcome implements OutcomeReranker. It only returns an error when
// ctx itself is done.
func (fr *FallbackReranker) RerankOutcome(ctx context.Context, query string, candidates []knowledge.Candidate, n int) ([]RankedPassage, Outcome, error) {
	if fr.primary == nil {
		out, err := fr.fallback.Rerank(ctx, query, candidates, n)
		return out, Outcome{Strategy: StrategyHeuristic}, err
	}
	if len(candidates) == 0 {
		return []RankedPassage{}, Outcome{Strategy: fr.primaryName}, nil
	}

	out, reason, err := fr.tryPrimary(ctx, query, candidates, n)
	if err == nil {
		return out, Outcome{Strategy: fr.primaryName}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, Outcome{}, ctxErr
	}

	fr.fallbackRuns.Add(1)
	fr.metrics.RecordRerankFallback(reason)
	fr.logger.WarnContext(ctx, "reranker degraded to heuristic fallback",
		"primary", fr.primaryName,
		"reason", reason,
		"error", err,
		"candidates", len(candidates),
	)

	out, err = fr.fallback.Rerank(ctx, query, candidates, n)
	return out, Outcome{Strategy: StrategyHeuristic, Degraded: true, Reason: reason}, err
}

var errPrimaryPanic = errors.New("primary reranker panic")

type primaryResult struct {
	out []RankedPassage
	err error
}

// tryPrimary runs the primary in its own goroutine so a scorer that ignores
// its context still cannot hold the caller past the timeout.
func (fr *FallbackReranker) tryPrimary(ctx context.Context, query string, candidates []knowledge.Candidate, n int) ([]RankedPassage, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, fr.Timeout())
	defer cancel()

	done := make(chan primaryResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- primaryResult{err: fmt.Errorf("%w: %v", errPrimaryPanic, r)}
			}
		}()
		out, err := fr.primary.Rerank(callCtx, query, candidates, n)
		done <- primaryResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, classify(callCtx, res.err), res.err
		}
		if err := checkOutput(res.out, candidates, n); err != nil {
			return nil, ReasonMalformed, err
		}
		return res.out, "", nil
	case <-callCtx.Done():
		return nil, ReasonTimeout, callCtx.Err()
	}
}

func classify(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, ErrMalformedOutput):
		return ReasonMalformed
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, errPrimaryPanic):
		return ReasonPanic
	default:
		return ReasonError
	}
}

// checkOutput verifies that out is a well-formed top-n of candidates.
func checkOutput(out []RankedPassage, candidates []knowledge.Candidate, n int) error {
	want := clampN(n, len(candidates))
	if len(out) != want {
		return fmt.Errorf("%w: %d passages, want %d", ErrMalformedOutput, len(out), want)
	}

	known := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		known[c.Chunk.ID] = struct{}{}
	}
	seen := make(map[string]struct{}, len(out))
	for _, p := range out {
		if _, ok := known[p.Chunk.ID]; !ok {
			return fmt.Errorf("%w: unknown passage %q", ErrMalformedOutput, p.Chunk.ID)
		}
		if _, dup := seen[p.Chunk.ID]; dup {
			return fmt.Errorf("%w: duplicate passage %q", ErrMalformedOutput, p.Chunk.ID)
		}
		seen[p.Chunk.ID] = struct{}{}
		if math.IsNaN(p.Relevance) || math.IsInf(p.Relevance, 0) {
			return fmt.Errorf("%w: non-finite relevance for %q", ErrMalformedOutput, p.Chunk.ID)
		}
	}
	return nil
}
