package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
	// ExporterNone records spans (so trace context still propagates to FHIR servers and recipients) without exporting them.
	ExporterNone = "none"
)

// Config configures tracing of referral operations.
type Config struct {
	Enabled        bool   `koanf:"enabled"`
	ServiceName    string `koanf:"servicename"`
	ServiceVersion string `koanf:"serviceversion"`
	// Environment is recorded as deployment.environment, e.g. "acceptance".
	Environment string `koanf:"environment"`
	// SampleRatio is the fraction of root traces that is sampled, between 0 and 1.
	// Traces started by a caller that propagates a sampled context are always sampled.
	SampleRatio float64        `koanf:"sampleratio"`
	Exporter    ExporterConfig `koanf:"exporter"`
}

type ExporterConfig struct {
	// Type is one of "otlp", "stdout" or "none".
	Type string     `koanf:"type"`
	OTLP OTLPConfig `koanf:"otlp"`
}

type OTLPConfig struct {
	// Endpoint is the host:port of the OTLP/HTTP collector.
	Endpoint string            `koanf:"endpoint"`
	Headers  map[string]string `koanf:"headers"`
	Timeout  time.Duration     `koanf:"timeout"`
	Insecure bool              `koanf:"insecure"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName:    "bser-engine",
		ServiceVersion: "1.0.0",
		SampleRatio:    1,
		Exporter: ExporterConfig{
			Type: ExporterStdout,
			OTLP: OTLPConfig{
				Endpoint: "localhost:4318",
				Timeout:  10 * time.Second,
			},
		},
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return errors.New("tracing.servicename is required when tracing is enabled")
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("tracing.sampleratio must be between 0 and 1 (got %v)", c.SampleRatio)
	}
	switch c.Exporter.Type {
	case ExporterOTLP:
		if c.Exporter.OTLP.Endpoint == "" {
			return errors.New("tracing.exporter.otlp.endpoint is required for the OTLP exporter")
		}
	case ExporterStdout, ExporterNone:
	default:
		return fmt.Errorf("unsupported trace exporter: %s", c.Exporter.Type)
	}
	return nil
}

// TracerProvider is the installed global tracer provider.
type TracerProvider struct {
	provider *trace.TracerProvider
}

// Initialize installs the global tracer provider and W3C trace context propagator.
// When tracing is disabled, spans are still created but never sampled.
func Initialize(ctx context.Context, config Config) (*TracerProvider, error) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	if !config.Enabled {
		tp := trace.NewTracerProvider(trace.WithSampler(trace.NeverSample()))
		otel.SetTracerProvider(tp)
		return &TracerProvider{provider: tp}, nil
	}

	attributes := []attribute.KeyValue{
		semconv.ServiceNameKey.String(config.ServiceName),
		semconv.ServiceVersionKey.String(config.ServiceVersion),
	}
	if config.Environment != "" {
		attributes = append(attributes, semconv.DeploymentEnvironment(config.Environment))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attributes...))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	exporter, err := newExporter(ctx, config.Exporter)
	if err != nil {
		return nil, err
	}
	opts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(config.SampleRatio))),
	}
	if exporter != nil {
		opts = append(opts, trace.WithBatcher(exporter))
	}
	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return &TracerProvider{provider: tp}, nil
}

func newExporter(ctx context.Context, config ExporterConfig) (trace.SpanExporter, error) {
	switch config.Type {
	case ExporterOTLP:
		log.Ctx(ctx).Info().Msgf("Exporting traces to OTLP endpoint %s (insecure=%t)", config.OTLP.Endpoint, config.OTLP.Insecure)
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(config.OTLP.Endpoint),
			otlptracehttp.WithTimeout(config.OTLP.Timeout),
			otlptracehttp.WithRetry(otlptracehttp.RetryConfig{
				Enabled:         true,
				InitialInterval: time.Second,
				MaxInterval:     5 * time.Second,
				MaxElapsedTime:  30 * time.Second,
			}),
		}
		if len(config.OTLP.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(config.OTLP.Headers))
		}
		if config.OTLP.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
		return exporter, nil
	case ExporterStdout:
		exporter, err := stdouttrace.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		return exporter, nil
	case ExporterNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", config.Type)
	}
}

// Shutdown flushes pending spans and stops the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}
