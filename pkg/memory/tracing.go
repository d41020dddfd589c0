package memory

import (
	"go.opentelemetry.io/otel"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const memoryTracerName = "contextd.memory"

const (
	spanLongTermLoad = "memory.ltm.load"
	spanExtract      = "memory.ltm.extract"
	spanActiveGet    = "memory.active.get"
	spanActiveUpdate = "memory.active.update"
)

func memoryTracer() trace.Tracer {
	return otel.Tracer(memoryTracerName)
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}
