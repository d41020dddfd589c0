//go:build !onnx

package embedding

import (
	"errors"

	"github.com/contextd/contextd/config"
)

// ErrONNXUnavailable is returned when the binary was built without the onnx tag.
var ErrONNXUnavailable = errors.New("embedding: onnx support not compiled in (build with -tags onnx)")

// NewONNXEmbedder reports that ONNX support is unavailable in this build.
func NewONNXEmbedder(cfg config.ONNXConfig, dimensions int) (Embedder, error) {
	return nil, ErrONNXUnavailable
}
