// Package telemetry mints the correlation identifiers the Mediator's audit
// log attaches to every dispatch (§4.M, §7). No exporter is wired up — spans
// exist only so a request_id can be correlated with a stable trace/span ID
// pair across log lines, not to ship traces anywhere. That keeps with the
// non-goal of specifying audit record shape, not a logging/tracing backend.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Tracer wraps a process-local, exporter-less trace.TracerProvider: Start
// still allocates real W3C trace/span IDs, they just never leave the
// process.
type Tracer struct {
	tracer oteltrace.Tracer
}

func New(serviceName string) *Tracer {
	if serviceName == "" {
		serviceName = "telclaude-kernel"
	}
	tp := trace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return &Tracer{tracer: tp.Tracer(serviceName)}
}

// StartDispatch opens one span per Mediator.Handle call. Callers must call
// the returned end func when the dispatch completes.
func (t *Tracer) StartDispatch(ctx context.Context, requestID string) (context.Context, func(), string, string) {
	ctx, span := t.tracer.Start(ctx, "mediator.dispatch")
	sc := span.SpanContext()
	traceID, spanID := "", ""
	if sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		spanID = sc.SpanID().String()
	}
	return ctx, func() { span.End() }, traceID, spanID
}
