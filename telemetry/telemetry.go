// Package telemetry wires OTLP trace export: a tracer provider for the
// process and a loop.Observer that emits one span per pass.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/infraguys/gcl-looper/loop"
)

const tracerName = "github.com/infraguys/gcl-looper"

// Config configures the OTLP/HTTP trace exporter.
type Config struct {
	// Endpoint is the collector host:port (no scheme).
	Endpoint string

	// Insecure disables TLS towards the collector.
	Insecure bool

	// ServiceName is reported as the otel service.name resource attribute.
	// Defaults to "gcl-looper".
	ServiceName string
}

// Setup installs a global tracer provider exporting to the configured
// collector and returns its shutdown function. The caller must invoke the
// shutdown function on exit to flush buffered spans.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "gcl-looper"
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating OTLP exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Observer emits one span per pass. Passes of a single service are
// sequential, so the open span is keyed by service name; concurrent
// services each track their own.
type Observer struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewObserver creates an observer using the globally installed tracer
// provider. Call Setup first.
func NewObserver() *Observer {
	return &Observer{
		tracer: otel.Tracer(tracerName),
		spans:  make(map[string]trace.Span),
	}
}

// PassStarted implements loop.Observer.
func (o *Observer) PassStarted(service string, p loop.Pass) {
	_, span := o.tracer.Start(context.Background(), "loop.pass",
		trace.WithAttributes(
			attribute.String("loop.service", service),
			attribute.Int64("loop.pass_number", int64(p.Number)),
		),
	)

	o.mu.Lock()
	o.spans[service] = span
	o.mu.Unlock()
}

// PassFinished implements loop.Observer.
func (o *Observer) PassFinished(service string, _ loop.Pass, d time.Duration, err error) {
	o.mu.Lock()
	span, ok := o.spans[service]
	delete(o.spans, service)
	o.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.Int64("loop.duration_ms", d.Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
