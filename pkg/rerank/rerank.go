// Package rerank orders recall-stage candidates by relevance to a query.
// A cross-encoder is the primary scorer; a deterministic heuristic scorer is
// always available as the fallback.
package rerank

import (
	"context"
	"errors"

	"github.com/contextd/contextd/pkg/knowledge"
)

// ErrMalformedOutput is returned when a scorer's output fails validation.
var ErrMalformedOutput = errors.New("rerank: malformed output")

// RankedPassage is a candidate with its relevance score.
type RankedPassage struct {
	Chunk      knowledge.Chunk `json:"chunk"`
	Relevance  float64         `json:"relevance"`
	Similarity float64         `json:"similarity"`
}

// Reranker orders candidates by relevance and keeps the top n. Output must
// be deterministic for identical inputs.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []knowledge.Candidate, n int) ([]RankedPassage, error)
}

// Outcome describes how a rerank call was served.
type Outcome struct {
	// Strategy names the scorer that produced the result.
	Strategy string
	// Degraded is set when the primary scorer was bypassed.
	Degraded bool
	// Reason is the fallback reason when Degraded.
	Reason string
}

// OutcomeReranker is implemented by rerankers that report how they served a call.
type OutcomeReranker interface {
	RerankOutcome(ctx context.Context, query string, candidates []knowledge.Candidate, n int) ([]RankedPassage, Outcome, error)
}

// MetricsRecorder records rerank metrics.
type MetricsRecorder interface {
	RecordRerankFallback(reason string)
}

type nopMetrics struct{}

func (nopMetrics) RecordRerankFallback(string) {}

func clampN(n, total int) int {
	if n <= 0 || n > total {
		return total
	}
	return n
}
