//go:build onnx

package rerank

import (
	"context"
	"fmt"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/pkg/knowledge"
	"github.com/contextd/contextd/pkg/onnxrt"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXScorer runs a cross-encoder model in process.
type ONNXScorer struct {
	session   *ort.DynamicAdvancedSession
	tokenizer *onnxrt.Tokenizer
	maxSeqLen int
}

// NewONNXScorer loads the model and tokenizer named in cfg.
func NewONNXScorer(cfg config.ONNXConfig) (PairScorer, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("rerank: onnx model_path is required")
	}
	if err := onnxrt.Init(cfg.LibraryPath); err != nil {
		return nil, err
	}
	tok, err := onnxrt.LoadTokenizer(cfg.TokenizerPath)
	if err != nil {
		return nil, err
	}
	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"logits"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	maxSeq := cfg.MaxSeqLength
	if maxSeq <= 0 {
		maxSeq = 512
	}
	return &ONNXScorer{session: session, tokenizer: tok, maxSeqLen: maxSeq}, nil
}

// ScorePairs runs one forward pass and scores every passage.
func (s *ONNXScorer) ScorePairs(ctx context.Context, query string, passages []knowledge.Chunk, topN int) (map[int]float64, error) {
	if len(passages) == 0 {
		return map[int]float64{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encs := make([]onnxrt.Encoding, len(passages))
	longest := 0
	for i, p := range passages {
		encs[i] = s.tokenizer.EncodePair(query, p.Text, s.maxSeqLen)
		longest = max(longest, encs[i].Len())
	}
	for i := range encs {
		encs[i] = encs[i].Pad(longest, s.tokenizer.PadID())
	}

	data, shape, err := onnxrt.Run(s.session, encs)
	if err != nil {
		return nil, err
	}

	// logits are [batch] or [batch, labels]; the last label is "relevant".
	labels := 1
	switch len(shape) {
	case 1:
	case 2:
		labels = int(shape[1])
	default:
		return nil, fmt.Errorf("%w: onnx output shape %v", ErrMalformedOutput, shape)
	}
	if labels < 1 || len(data) != len(passages)*labels {
		return nil, fmt.Errorf("%w: onnx output shape %v", ErrMalformedOutput, shape)
	}

	scores := make(map[int]float64, len(passages))
	for i := range passages {
		scores[i] = float64(data[i*labels+labels-1])
	}
	return scores, nil
}

// Close releases the session.
func (s *ONNXScorer) Close() error {
	return s.session.Destroy()
}
