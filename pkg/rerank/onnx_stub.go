//go:build !onnx

package rerank

import (
	"errors"

	"github.com/contextd/contextd/config"
)

// ErrONNXUnavailable is returned when the binary was built without the onnx tag.
var ErrONNXUnavailable = errors.New("rerank: onnx support not compiled in (build with -tags onnx)")

// NewONNXScorer reports that ONNX support is unavailable in this build.
func NewONNXScorer(cfg config.ONNXConfig) (PairScorer, error) {
	return nil, ErrONNXUnavailable
}
