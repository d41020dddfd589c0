//go:build onnx

package embedding

import (
	"context"
	"fmt"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/pkg/onnxrt"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXEmbedder runs a sentence-transformer model in process.
type ONNXEmbedder struct {
	session    *ort.DynamicAdvancedSession
	tokenizer  *onnxrt.Tokenizer
	dimensions int
	maxSeqLen  int
}

// NewONNXEmbedder loads the model and tokenizer named in cfg.
func NewONNXEmbedder(cfg config.ONNXConfig, dimensions int) (Embedder, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("embedding: onnx model_path is required")
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
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	maxSeq := cfg.MaxSeqLength
	if maxSeq <= 0 {
		maxSeq = 128
	}
	return &ONNXEmbedder{
		session:    session,
		tokenizer:  tok,
		dimensions: dimensions,
		maxSeqLen:  maxSeq,
	}, nil
}

// Embed returns the mean-pooled, normalized vector for text.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch runs one forward pass over all texts.
func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encs := make([]onnxrt.Encoding, len(texts))
	longest := 0
	for i, t := range texts {
		encs[i] = e.tokenizer.Encode(t, e.maxSeqLen)
		if encs[i].Len() > longest {
			longest = encs[i].Len()
		}
	}
	for i := range encs {
		encs[i] = encs[i].Pad(longest, e.tokenizer.PadID())
	}

	data, shape, err := onnxrt.Run(e.session, encs)
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	switch len(shape) {
	case 2:
		// Model already pools: [batch, hidden].
		hidden := int(shape[1])
		for i := range texts {
			vec := data[i*hidden : (i+1)*hidden]
			out[i] = Normalize(append([]float32(nil), vec...))
		}
	case 3:
		// [batch, seq, hidden]: mean over attended positions.
		seq, hidden := int(shape[1]), int(shape[2])
		for i := range texts {
			vec := make([]float32, hidden)
			var attended float32
			for s := 0; s < seq; s++ {
				if encs[i].AttentionMask[s] == 0 {
					continue
				}
				attended++
				off := (i*seq + s) * hidden
				for h := 0; h < hidden; h++ {
					vec[h] += data[off+h]
				}
			}
			if attended > 0 {
				for h := range vec {
					vec[h] /= attended
				}
			}
			out[i] = Normalize(vec)
		}
	default:
		return nil, fmt.Errorf("embedding: unexpected onnx output shape %v", shape)
	}

	for _, vec := range out {
		if err := checkDimensions(vec, e.dimensions); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Dimensions returns the configured vector length.
func (e *ONNXEmbedder) Dimensions() int { return e.dimensions }

// Close releases the session.
func (e *ONNXEmbedder) Close() error {
	return e.session.Destroy()
}
