package embedding

import (
	"fmt"

	"github.com/contextd/contextd/config"
)

// New builds the embedder described by cfg, wrapped in a cache when enabled.
func New(cfg config.EmbeddingConfig) (Embedder, error) {
	var (
		base Embedder
		err  error
	)

	switch cfg.Provider {
	case "openai":
		base = NewOpenAIEmbedder(cfg.BaseURL, cfg.Model, cfg.APIKey, cfg.Dimensions, cfg.Timeout)
	case "ollama":
		base = NewOllamaEmbedder(cfg.BaseURL, cfg.Model, cfg.Dimensions, cfg.Timeout)
	case "hash", "":
		base = NewHashEmbedder(cfg.Dimensions)
	case "onnx":
		base, err = NewONNXEmbedder(cfg.ONNX, cfg.Dimensions)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}

	if !cfg.Cache.Enabled {
		return base, nil
	}
	cached, err := NewCachedEmbedder(base, cfg.Cache.MaxCost)
	if err != nil {
		return nil, err
	}
	return cached, nil
}
