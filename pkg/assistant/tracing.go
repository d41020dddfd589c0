package assistant

import (
	"go.opentelemetry.io/otel"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const assistantTracerName = "contextd.assistant"

const (
	spanPrepareTurn  = "assistant.prepare_turn"
	spanLoadMemories = "assistant.load_memories"
	spanChat         = "assistant.chat"
	spanGenerate     = "assistant.generate"
)

func assistantTracer() trace.Tracer {
	return otel.Tracer(assistantTracerName)
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}
