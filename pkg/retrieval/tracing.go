package retrieval

import (
	"go.opentelemetry.io/otel"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const retrievalTracerName = "contextd.retrieval"

const (
	spanRetrieve = "retrieval.retrieve"
	spanEmbed    = "retrieval.embed"
	spanSearch   = "retrieval.search"
	spanRerank   = "retrieval.rerank"
)

func retrievalTracer() trace.Tracer {
	return otel.Tracer(retrievalTracerName)
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}
