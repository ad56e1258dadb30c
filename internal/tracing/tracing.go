// Package tracing wires an optional OpenTelemetry pipeline. When the
// module is configured, spans recorded through the global tracer (the
// gateway's request middleware) are batched and exported over OTLP/HTTP.
package tracing

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"gopkg.in/yaml.v3"

	"github.com/flemzord/lanlink/internal/core"
)

func init() {
	core.RegisterModule(&Module{})
}

// Compile-time interface guards.
var (
	_ core.Configurable = (*Module)(nil)
	_ core.Provisioner  = (*Module)(nil)
	_ core.Validator    = (*Module)(nil)
	_ core.Starter      = (*Module)(nil)
	_ core.Stopper      = (*Module)(nil)
)

// Config holds the tracing module configuration.
type Config struct {
	// Endpoint is the OTLP/HTTP collector address, host:port.
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS towards the collector.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the reported service name.
	ServiceName string `yaml:"service_name"`

	// SampleRatio is the fraction of traces kept, 0..1. Zero means 1.0.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Module owns the tracer provider lifecycle.
type Module struct {
	config   Config
	provider *sdktrace.TracerProvider
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "engine.tracing",
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	return node.Decode(&m.config)
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	if m.config.ServiceName == "" {
		m.config.ServiceName = "lanlink"
	}
	if m.config.SampleRatio <= 0 || m.config.SampleRatio > 1 {
		m.config.SampleRatio = 1
	}
	ctx.Logger.Info("tracing configured", "endpoint", m.config.Endpoint)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	if m.config.Endpoint == "" {
		return errors.New("tracing: endpoint is required")
	}
	return nil
}

// Start implements core.Starter.
func (m *Module) Start() error {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(m.config.Endpoint),
	}
	if m.config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(m.config.ServiceName),
	))
	if err != nil {
		return fmt.Errorf("tracing: build resource: %w", err)
	}

	m.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(m.config.SampleRatio))),
	)
	otel.SetTracerProvider(m.provider)
	return nil
}

// Stop implements core.Stopper.
func (m *Module) Stop(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
