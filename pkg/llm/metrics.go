package llm

import (
	"context"
	"errors"
	"time"
)

// Call outcomes used in metrics.
const (
	CallOK        = "ok"
	CallError     = "error"
	CallCancelled = "cancelled"
)

// MetricsRecorder records model call metrics.
type MetricsRecorder interface {
	ObserveLLMCall(purpose, outcome string, d time.Duration)
}

type instrumented struct {
	next     Completer
	purpose  string
	recorder MetricsRecorder
}

// Instrument wraps c so every call is timed under purpose. A nil recorder
// returns c unchanged.
func Instrument(c Completer, purpose string, recorder MetricsRecorder) Completer {
	if recorder == nil || c == nil {
		return c
	}
	return &instrumented{next: c, purpose: purpose, recorder: recorder}
}

func (i *instrumented) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	start := time.Now()
	out, err := i.next.Complete(ctx, messages, opts)

	outcome := CallOK
	switch {
	case errors.Is(err, context.Canceled):
		outcome = CallCancelled
	case err != nil:
		outcome = CallError
	}
	i.recorder.ObserveLLMCall(i.purpose, outcome, time.Since(start))
	return out, err
}
