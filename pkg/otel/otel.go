package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds OpenTelemetry configuration
type Config struct {
	Enabled              bool    `yaml:"enabled"`
	ServiceName          string  `yaml:"service_name" validate:"required_if=Enabled true"`
	ServiceVersion       string  `yaml:"service_version"`
	Environment          string  `yaml:"environment"`
	CollectorEndpoint    string  `yaml:"collector_endpoint" validate:"required_if=Enabled true"`
	CollectorInsecure    bool    `yaml:"collector_insecure"`
	SamplingRate         float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"` // 1.0 = always sample
	MaxEventsPerSpan     int     `yaml:"max_events_per_span"`
	MaxAttributesPerSpan int     `yaml:"max_attributes_per_span"`
}

// DefaultConfig returns defaults with tracing disabled.
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:          serviceName,
		ServiceVersion:       "0.1.0",
		Environment:          "development",
		CollectorEndpoint:    "localhost:4317",
		CollectorInsecure:    true,
		SamplingRate:         1.0,
		MaxEventsPerSpan:     128,
		MaxAttributesPerSpan: 128,
	}
}

// InitTracer installs a global tracer provider exporting over OTLP/gRPC.
// Callers check Config.Enabled before calling it.
func InitTracer(ctx context.Context, config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil {
		config = DefaultConfig("myogestic")
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.CollectorEndpoint)}
	if config.CollectorInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	// Create resource with service information
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create tracer provider with sampling
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SamplingRate)),
		sdktrace.WithSpanLimits(sdktrace.SpanLimits{
			EventCountLimit:     config.MaxEventsPerSpan,
			AttributeCountLimit: config.MaxAttributesPerSpan,
		}),
	)

	// Set global tracer provider
	otel.SetTracerProvider(tp)

	// Set global propagator for context propagation
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// Shutdown gracefully shuts down the tracer provider
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	// Use context with timeout for shutdown
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return tp.Shutdown(ctx)
}

// StartSpan is a convenience wrapper for starting a span with common attributes
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)

	// Add attributes if provided
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	return ctx, span
}

// RecordError records an error on a span with optional message
func RecordError(span trace.Span, err error, message string) {
	if span == nil || err == nil {
		return
	}

	if message != "" {
		span.RecordError(err, trace.WithAttributes(
			attribute.String("error.message", message),
		))
	} else {
		span.RecordError(err)
	}

	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds an event to a span with optional attributes
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}

	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Attribute keys shared by session and server spans.
const (
	AttrSessionID = attribute.Key("session.id")
	AttrSnapshot  = attribute.Key("session.snapshot")

	AttrAlgorithm = attribute.Key("conformal.algorithm")
	AttrAlpha     = attribute.Key("conformal.alpha")
	AttrQHat      = attribute.Key("conformal.qhat")
	AttrClasses   = attribute.Key("conformal.classes")
	AttrSamples   = attribute.Key("conformal.samples")
	AttrSetSize   = attribute.Key("conformal.set_size")

	AttrStrategy = attribute.Key("solver.strategy")
	AttrLabel    = attribute.Key("solver.label")
	AttrOutcome  = attribute.Key("solver.outcome")
	AttrRejected = attribute.Key("solver.rejected")

	AttrCoverage = attribute.Key("monitor.coverage")
	AttrDrift    = attribute.Key("monitor.drift")
)

func SessionAttributes(sessionID, snapshot string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrSessionID.String(sessionID)}
	if snapshot != "" {
		attrs = append(attrs, AttrSnapshot.String(snapshot))
	}
	return attrs
}

func CalibrationAttributes(algorithm string, alpha, qhat float64, classes, samples int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAlgorithm.String(algorithm),
		AttrAlpha.Float64(alpha),
		AttrQHat.Float64(qhat),
		AttrClasses.Int(classes),
		AttrSamples.Int(samples),
	}
}

func StepAttributes(setSize, label int, outcome string, rejected bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSetSize.Int(setSize),
		AttrLabel.Int(label),
		AttrOutcome.String(outcome),
		AttrRejected.Bool(rejected),
	}
}
