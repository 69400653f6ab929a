// Package telemetry configures OpenTelemetry tracing for the service.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// Exporters.
const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
)

// ErrUnknownExporter indicates an unsupported exporter name.
var ErrUnknownExporter = errors.New("telemetry: unknown exporter")

// Config describes how spans leave the process.
// The OTLP exporter also honours the OTEL_EXPORTER_OTLP_* environment variables.
type Config struct {
	Enabled     bool
	Exporter    string
	Endpoint    string
	ServiceName string
	// Writer receives stdout spans. Defaults to os.Stdout.
	Writer io.Writer
	Logger *zap.Logger
}

// ShutdownFunc flushes pending spans and stops the provider.
type ShutdownFunc func(ctx context.Context) error

// Setup installs a global tracer provider. When tracing is disabled the
// global no-op provider stays in place and the returned shutdown does nothing.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "petitions-api"
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.Warn("tracing error", zap.Error(err))
	}))

	logger.Info("tracing enabled",
		zap.String("exporter", cfg.Exporter),
		zap.String("service", serviceName))
	return provider.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterStdout:
		writer := cfg.Writer
		if writer == nil {
			writer = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(writer))
	case ExporterOTLP, "":
		var options []otlptracehttp.Option
		if cfg.Endpoint != "" {
			options = append(options, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		}
		exporter, err := otlptracehttp.New(ctx, options...)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, cfg.Exporter)
	}
}
