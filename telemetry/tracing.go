// OpenTelemetry tracing support for distributed delegation observability.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps OpenTelemetry tracing with delegation-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include payload content in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: trace.NewNoopTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode (content in spans).
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Assignment Spans ---

// AssignmentSpanOptions contains options for assignment spans, covering
// the full protocol run from selection to ack or escalation.
type AssignmentSpanOptions struct {
	TaskID     string
	AgentID    string
	Outcome    string // acked, escalated
	RetryCount int
	Attempts   int
}

// StartAssignmentSpan starts a span covering one full assignment run.
func (t *Tracer) StartAssignmentSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
}

// EndAssignmentSpan ends an assignment span with attributes.
func (t *Tracer) EndAssignmentSpan(span trace.Span, opts AssignmentSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("task.id", opts.TaskID),
		attribute.Int("task.retry_count", opts.RetryCount),
		attribute.Int("task.attempts", opts.Attempts),
	}
	if opts.AgentID != "" {
		attrs = append(attrs, attribute.String("agent.id", opts.AgentID))
	}
	if opts.Outcome != "" {
		attrs = append(attrs, attribute.String("task.outcome", opts.Outcome))
	}

	span.SetAttributes(attrs...)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// --- Dispatch Spans ---

// DispatchSpanOptions contains options for a single dispatch round: one
// publish plus its bounded ack wait.
type DispatchSpanOptions struct {
	TaskID  string
	AgentID string
	Subject string
	Input   string // Only included if debug=true
}

// StartDispatchSpan starts a span for one publish-and-await round.
func (t *Tracer) StartDispatchSpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "delegation.dispatch", trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(attribute.String("task.id", taskID))
	return ctx, span
}

// EndDispatchSpan ends a dispatch span with attributes.
func (t *Tracer) EndDispatchSpan(span trace.Span, opts DispatchSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("agent.id", opts.AgentID),
		attribute.String("messaging.subject", opts.Subject),
	}

	// Input payloads only in debug mode (may contain user data)
	if t.debug && opts.Input != "" {
		attrs = append(attrs, attribute.String("task.input", truncate(opts.Input, 4000)))
	}

	span.SetAttributes(attrs...)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// --- Worker Spans ---

// WorkerSpanOptions contains options for worker-side execution spans.
type WorkerSpanOptions struct {
	TaskID   string
	TaskType string
	Accepted bool
	Result   string // Only included if debug=true
}

// StartWorkerSpan starts a span for a worker handling a dispatch.
func (t *Tracer) StartWorkerSpan(ctx context.Context, agentID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "worker.execute", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(attribute.String("agent.id", agentID))
	return ctx, span
}

// EndWorkerSpan ends a worker span with attributes.
func (t *Tracer) EndWorkerSpan(span trace.Span, opts WorkerSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("task.id", opts.TaskID),
		attribute.String("task.type", opts.TaskType),
		attribute.Bool("task.accepted", opts.Accepted),
	}

	if t.debug && opts.Result != "" {
		attrs = append(attrs, attribute.String("task.result", truncate(opts.Result, 4000)))
	}

	span.SetAttributes(attrs...)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
