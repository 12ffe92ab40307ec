// Package tracing wraps OpenTelemetry for the delivery engine. Task
// execution, remote calls and the control API open spans through it; they are
// dropped unless Setup installed an OTLP exporter.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	apperrors "github.com/kandev/chatsync/internal/common/errors"
)

const serviceName = "chatsync"

// Span attribute keys shared by the engine's components.
const (
	TaskIDKey         = attribute.Key("chatsync.task.id")
	TaskKindKey       = attribute.Key("chatsync.task.kind")
	TaskAttemptKey    = attribute.Key("chatsync.task.attempt")
	ThreadKey         = attribute.Key("chatsync.thread.key")
	ConversationIDKey = attribute.Key("chatsync.conversation.id")
	ErrorCodeKey      = attribute.Key("chatsync.error.code")
)

// Config selects the collector. An empty Endpoint keeps spans local.
type Config struct {
	Endpoint    string
	SampleRatio float64
	Version     string
}

var (
	mu       sync.RWMutex
	provider trace.TracerProvider = noop.NewTracerProvider()
	sdk      *sdktrace.TracerProvider
)

// Setup installs an OTLP/HTTP exporter and makes it the global provider.
// Calling it again replaces the previous provider after flushing it.
func Setup(ctx context.Context, cfg Config) error {
	if cfg.Endpoint == "" {
		return nil
	}
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return fmt.Errorf("create otlp exporter: %w", err)
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if cfg.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.Version))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		res = resource.NewSchemaless(attrs...)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	if err := Shutdown(ctx); err != nil {
		_ = tp.Shutdown(ctx)
		return err
	}
	install(tp, tp)
	otel.SetTracerProvider(tp)
	return nil
}

func install(tp trace.TracerProvider, s *sdktrace.TracerProvider) {
	mu.Lock()
	provider, sdk = tp, s
	mu.Unlock()
}

// Enabled reports whether spans are exported.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return sdk != nil
}

// Tracer returns a named tracer from the installed provider.
func Tracer(name string) trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return provider.Tracer(name)
}

// Shutdown flushes pending spans and reverts to the no-op provider.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	s := sdk
	provider, sdk = noop.NewTracerProvider(), nil
	mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Shutdown(ctx)
}

// StartSpan opens a span on the named tracer.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// TaskAttributes describes a queued task on a span.
func TaskAttributes(taskID, kind, threadKey string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		TaskIDKey.String(taskID),
		TaskKindKey.String(kind),
		ThreadKey.String(threadKey),
		TaskAttemptKey.Int(attempt),
	}
}

// EndSpan records err on the span, tagged with its error code, and ends it.
// Cancellation is not an error.
func EndSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		span.RecordError(err)
		span.SetAttributes(ErrorCodeKey.String(apperrors.Classify(err).Code))
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
