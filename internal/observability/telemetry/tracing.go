// Package telemetry configures OpenTelemetry tracing for the daemon.
package telemetry

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	xerrors "Aetherra-Core/internal/errors"
	"Aetherra-Core/pkg/logger"
)

// TraceConfig selects the span exporter.
type TraceConfig struct {
	ServiceName  string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// SetupTracing installs a global tracer provider. Exporter "none" (or empty)
// leaves the no-op provider in place.
func SetupTracing(ctx context.Context, cfg TraceConfig) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	log := logger.Named("telemetry")

	name := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if name == "" || name == "none" {
		log.Debug("tracing exporter disabled")
		return func(context.Context) error { return nil }, nil
	}

	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch name {
	case "stdout":
		exp, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		if strings.TrimSpace(cfg.OTLPEndpoint) == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "otlp trace exporter requires an endpoint")
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unsupported trace exporter "+cfg.Exporter)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "create trace exporter")
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "build trace resource")
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	log.Info("tracing exporter enabled", slog.String("exporter", name))
	return tp.Shutdown, nil
}
