package telemetry

import (
	"context"
	"errors"

	"github.com/openfroyo/provseq/pkg/engine"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	return newTelemetry(cfg, logger)
}

// NewTelemetryWithLogger is NewTelemetry with an already configured logger.
func NewTelemetryWithLogger(cfg *Config, logger *Logger) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTelemetry(cfg, logger)
}

func newTelemetry(cfg *Config, logger *Logger) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown flushes events and spans. Both are attempted even if one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}

// InstrumentedContext creates a context with telemetry, logger fields, and a trace span.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	logger := tel.Logger.WithField("operation", operation)
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span != nil {
		if err != nil {
			RecordError(ic.Span, err)
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}
}

// RecordProviderOperation runs fn inside a provider span and records call
// count, latency and classified errors.
func RecordProviderOperation(ctx context.Context, providerName, operation string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	ctx, span := tel.Tracer.StartProviderSpan(ctx, providerName, operation)
	defer span.End()

	timer := NewTimer()
	err := fn(ctx)

	tel.Metrics.RecordProviderCall(providerName, operation, timer.Duration())
	if err != nil {
		tel.Metrics.RecordProviderError(providerName, operation)
		tel.Metrics.RecordError(string(engine.ClassOf(err)), engine.CodeOf(err))
		SetAttributes(span,
			AttrErrorClass.String(string(engine.ClassOf(err))),
			AttrErrorCode.String(engine.CodeOf(err)),
		)
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}

	return err
}
