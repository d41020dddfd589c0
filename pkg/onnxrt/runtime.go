//go:build onnx

package onnxrt

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	initOnce sync.Once
	initErr  error
)

// Init loads the onnxruntime shared library once per process. Later calls
// return the first outcome regardless of libraryPath.
func Init(libraryPath string) error {
	initOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			initErr = fmt.Errorf("initialize onnxruntime: %w", err)
		}
	})
	return initErr
}

// Batch stacks encodings of equal length into the three BERT input tensors.
// The caller owns the returned tensors and must Destroy them.
func Batch(encs []Encoding) (inputIDs, attention, tokenTypes *ort.Tensor[int64], err error) {
	if len(encs) == 0 {
		return nil, nil, nil, fmt.Errorf("onnxrt: empty batch")
	}
	seqLen := encs[0].Len()
	ids := make([]int64, 0, len(encs)*seqLen)
	mask := make([]int64, 0, len(encs)*seqLen)
	types := make([]int64, 0, len(encs)*seqLen)
	for _, e := range encs {
		if e.Len() != seqLen {
			return nil, nil, nil, fmt.Errorf("onnxrt: ragged batch: %d != %d", e.Len(), seqLen)
		}
		ids = append(ids, e.InputIDs...)
		mask = append(mask, e.AttentionMask...)
		types = append(types, e.TokenTypeIDs...)
	}

	shape := ort.NewShape(int64(len(encs)), int64(seqLen))
	if inputIDs, err = ort.NewTensor(shape, ids); err != nil {
		return nil, nil, nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	if attention, err = ort.NewTensor(shape, mask); err != nil {
		inputIDs.Destroy()
		return nil, nil, nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	if tokenTypes, err = ort.NewTensor(shape, types); err != nil {
		inputIDs.Destroy()
		attention.Destroy()
		return nil, nil, nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	return inputIDs, attention, tokenTypes, nil
}

// Run executes a session over BERT inputs and returns the first output's data
// and shape.
func Run(session *ort.DynamicAdvancedSession, encs []Encoding) ([]float32, ort.Shape, error) {
	ids, mask, types, err := Batch(encs)
	if err != nil {
		return nil, nil, err
	}
	defer ids.Destroy()
	defer mask.Destroy()
	defer types.Destroy()

	outputs := []ort.Value{nil}
	if err := session.Run([]ort.Value{ids, mask, types}, outputs); err != nil {
		return nil, nil, fmt.Errorf("onnx inference: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, nil, fmt.Errorf("onnxrt: unexpected output tensor type %T", outputs[0])
	}
	data := append([]float32(nil), out.GetData()...)
	return data, out.GetShape().Clone(), nil
}
