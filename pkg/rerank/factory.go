package rerank

import (
	"fmt"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/pkg/logger"
)

// New builds the configured reranker: the chosen primary wrapped with the
// heuristic fallback.
func New(cfg config.RerankConfig, log logger.Logger) (*FallbackReranker, error) {
	heuristic, err := NewHeuristicFromConfig(cfg.Heuristic)
	if err != nil {
		return nil, err
	}

	var primary Reranker
	switch cfg.Strategy {
	case "", StrategyHeuristic:
	case StrategyCrossEncoder:
		scorer, err := newPairScorer(cfg)
		if err != nil {
			return nil, err
		}
		primary = NewCrossEncoder(scorer, cfg.CrossEncoder.BatchSize)
	default:
		return nil, fmt.Errorf("rerank: unknown strategy %q", cfg.Strategy)
	}

	return NewFallbackReranker(primary, heuristic, &FallbackConfig{
		Timeout:     cfg.Timeout,
		PrimaryName: StrategyCrossEncoder,
		Logger:      log,
	})
}

func newPairScorer(cfg config.RerankConfig) (PairScorer, error) {
	ce := cfg.CrossEncoder
	switch ce.Backend {
	case "", "http":
		if ce.Endpoint == "" {
			return nil, fmt.Errorf("rerank: cross_encoder.endpoint is required")
		}
		return NewHTTPScorer(ce.Endpoint, ce.Model, cfg.Timeout), nil
	case "onnx":
		return NewONNXScorer(ce.ONNX)
	default:
		return nil, fmt.Errorf("rerank: unknown cross-encoder backend %q", ce.Backend)
	}
}
