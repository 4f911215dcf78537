// Package telemetry installs the global OpenTelemetry tracer and meter
// providers.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config selects the exporter.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Exporter       string
	Endpoint       string
	// Writer receives stdout exporter output; defaults to os.Stdout.
	Writer         io.Writer
	MetricInterval time.Duration
}

// Providers owns the SDK providers so they can be flushed on shutdown.
type Providers struct {
	tracer *sdktrace.TracerProvider
	meter  *sdkmetric.MeterProvider
}

// Setup installs global providers. With the "none" exporter the global
// no-op providers stay in place and Shutdown is a no-op.
func Setup(ctx context.Context, cfg Config) (*Providers, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	if cfg.Exporter == "" || cfg.Exporter == ExporterNone {
		return &Providers{}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	spanExporter, metricExporter, err := newExporters(ctx, cfg)
	if err != nil {
		return nil, err
	}

	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = time.Minute
	}

	p := &Providers{
		tracer: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(spanExporter),
			sdktrace.WithResource(res),
		),
		meter: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
			sdkmetric.WithResource(res),
		),
	}
	otel.SetTracerProvider(p.tracer)
	otel.SetMeterProvider(p.meter)
	return p, nil
}

func newExporters(ctx context.Context, cfg Config) (sdktrace.SpanExporter, sdkmetric.Exporter, error) {
	switch cfg.Exporter {
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		se, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		me, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		return se, me, nil

	case ExporterOTLP:
		se, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create otlp trace exporter: %w", err)
		}
		me, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
		}
		return se, me, nil
	}
	return nil, nil, fmt.Errorf("unsupported telemetry exporter %q", cfg.Exporter)
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracer != nil {
		errs = append(errs, p.tracer.Shutdown(ctx))
	}
	if p.meter != nil {
		errs = append(errs, p.meter.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
