package telemetry

import (
	"context"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	traceModeOff      = "off"
	traceModeErrors   = "errors"
	traceModeSampled  = "sampled"
	traceModeDetailed = "detailed"

	defaultServiceName = "github-leaderboard"
)

var activeTraceMode atomic.Pointer[string]

// Config configures OpenTelemetry tracing setup.
type Config struct {
	Enabled     bool
	ServiceName string
	// ExporterEndpoint is an OTLP/HTTP collector address. Spans are not exported when empty.
	ExporterEndpoint string
	TraceMode        string
	TraceSampleRatio float64
}

// Runtime contains initialized telemetry providers and lifecycle hooks.
type Runtime struct {
	TracerProvider *sdktrace.TracerProvider
	Shutdown       func(ctx context.Context) error
}

// Setup installs the global tracer provider. Disabled tracing records nothing but still
// installs a provider so instrumented code paths stay uniform.
func Setup(cfg Config) (Runtime, error) {
	mode := traceModeOff
	if cfg.Enabled {
		mode = normalizeTraceMode(cfg.TraceMode)
	}
	activeTraceMode.Store(&mode)

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return Runtime{}, err
	}

	options := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(samplerForMode(mode, cfg.TraceSampleRatio)),
		sdktrace.WithResource(res),
	}
	if mode != traceModeOff && strings.TrimSpace(cfg.ExporterEndpoint) != "" {
		var processor sdktrace.SpanProcessor = sdktrace.NewBatchSpanProcessor(newOTLPHTTPExporter(cfg.ExporterEndpoint))
		if mode == traceModeErrors {
			processor = errorSpanProcessor{next: processor}
		}
		options = append(options, sdktrace.WithSpanProcessor(processor))
	}

	provider := sdktrace.NewTracerProvider(options...)
	otel.SetTracerProvider(provider)
	return Runtime{
		TracerProvider: provider,
		Shutdown:       provider.Shutdown,
	}, nil
}

// samplerForMode expects a normalized mode. Errors mode samples every root span so that
// errorSpanProcessor sees each failed run; the ratio only applies to sampled mode.
func samplerForMode(mode string, ratio float64) sdktrace.Sampler {
	switch mode {
	case traceModeOff:
		return sdktrace.NeverSample()
	case traceModeDetailed, traceModeErrors:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(ratio)))
	}
}

// TraceMode reports the mode installed by the last Setup call, or off before any call.
func TraceMode() string {
	if mode := activeTraceMode.Load(); mode != nil {
		return *mode
	}
	return traceModeOff
}

// ShouldTraceDependencies reports whether GitHub and Redis calls get their own spans.
// Errors mode needs them so that a failed dependency call reaches the collector.
func ShouldTraceDependencies() bool {
	mode := TraceMode()
	return mode == traceModeDetailed || mode == traceModeErrors
}

func normalizeTraceMode(mode string) string {
	switch normalized := strings.ToLower(strings.TrimSpace(mode)); normalized {
	case traceModeOff, traceModeErrors, traceModeDetailed:
		return normalized
	default:
		return traceModeSampled
	}
}

func clampRatio(ratio float64) float64 {
	return min(max(ratio, 0), 1)
}

// errorSpanProcessor forwards only spans that ended with an error status.
type errorSpanProcessor struct {
	next sdktrace.SpanProcessor
}

func (p errorSpanProcessor) OnStart(parent context.Context, span sdktrace.ReadWriteSpan) {
	p.next.OnStart(parent, span)
}

func (p errorSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	if span.Status().Code != codes.Error {
		return
	}
	p.next.OnEnd(span)
}

func (p errorSpanProcessor) Shutdown(ctx context.Context) error {
	return p.next.Shutdown(ctx)
}

func (p errorSpanProcessor) ForceFlush(ctx context.Context) error {
	return p.next.ForceFlush(ctx)
}
