// Package tracing configures the process-wide OpenTelemetry tracer provider
// and propagates trace context onto outbound model-serving calls.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"
)

// ShutdownFunc flushes pending spans and releases the exporter.
type ShutdownFunc func(ctx context.Context) error

// failureReportInterval bounds how often a dead collector is logged.
const failureReportInterval = 30 * time.Second

var reportExporterFailure = func(err error, exporter, endpoint string, droppedSpans int) {
	logger.Global().Warn("span export failed, spans dropped",
		"error", err,
		"exporter", exporter,
		"endpoint", endpoint,
		"dropped_spans", droppedSpans,
	)
}

var newOTLPExporter = func(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(normalizeEndpoint(cfg.Endpoint)),
		otlptracegrpc.WithTimeout(cfg.Timeout),
		otlptracegrpc.WithInsecure(),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// droppingExporter swallows export errors so a collector outage never fails
// a retrieval or a turn. Failures are reported at most once per
// failureReportInterval together with the spans lost since the last report.
type droppingExporter struct {
	exporter sdktrace.SpanExporter
	kind     string
	endpoint string

	dropped  atomic.Int64
	sometime rate.Sometimes
}

func newDroppingExporter(exp sdktrace.SpanExporter, kind, endpoint string) *droppingExporter {
	return &droppingExporter{
		exporter: exp,
		kind:     kind,
		endpoint: endpoint,
		sometime: rate.Sometimes{First: 1, Interval: failureReportInterval},
	}
}

func (e *droppingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	err := e.exporter.ExportSpans(ctx, spans)
	if err == nil {
		return nil
	}
	e.dropped.Add(int64(len(spans)))
	e.sometime.Do(func() {
		reportExporterFailure(err, e.kind, e.endpoint, int(e.dropped.Swap(0)))
	})
	return nil
}

func (e *droppingExporter) Shutdown(ctx context.Context) error {
	return e.exporter.Shutdown(ctx)
}

func validate(cfg config.TracingConfig) error {
	var errs []error
	if strings.TrimSpace(cfg.Exporter) == "" {
		errs = append(errs, errors.New("tracing exporter cannot be empty"))
	}
	if normalizeEndpoint(cfg.Endpoint) == "" {
		errs = append(errs, errors.New("tracing endpoint cannot be empty"))
	}
	if cfg.Timeout <= 0 {
		errs = append(errs, errors.New("tracing timeout must be > 0"))
	}
	return errors.Join(errs...)
}

// Init installs the process-wide tracer provider. With tracing disabled a
// no-op provider is installed but trace context is still propagated, so
// inbound trace ids reach the logs. attrs are added to the service resource,
// e.g. the configured index backend.
func Init(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string, attrs ...attribute.KeyValue) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagator)
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	exp, err := newOTLPExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create tracing exporter: %w", err)
	}
	wrapped := newDroppingExporter(exp, strings.ToLower(strings.TrimSpace(cfg.Exporter)), normalizeEndpoint(cfg.Endpoint))

	resAttrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	}
	if host, err := os.Hostname(); err == nil {
		resAttrs = append(resAttrs, semconv.ServiceInstanceID(host))
	}
	res, err := resource.New(ctx, resource.WithAttributes(append(resAttrs, attrs...)...))
	if err != nil {
		_ = wrapped.Shutdown(ctx)
		return nil, fmt.Errorf("create tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(wrapped),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(selectSampler(cfg)),
	)
	otel.SetTracerProvider(tp)

	return func(shutdownCtx context.Context) error {
		if err := tp.ForceFlush(shutdownCtx); err != nil {
			_ = tp.Shutdown(shutdownCtx)
			return fmt.Errorf("force flush tracing provider: %w", err)
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown tracing provider: %w", err)
		}
		return nil
	}, nil
}

// InjectHTTP writes the trace context of req's context into its headers so
// embedding and rerank servers can join the retrieval trace.
func InjectHTTP(req *http.Request) {
	if req == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))
}

func selectSampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch strings.ToLower(strings.TrimSpace(cfg.Sampler)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(cfg.SampleRate)
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}
}

// normalizeEndpoint reduces a collector URL to the host:port the gRPC
// exporter expects.
func normalizeEndpoint(endpoint string) string {
	raw := strings.TrimSpace(endpoint)
	if raw == "" || !strings.Contains(raw, "://") {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return raw
	}
	return parsed.Host
}
