package pipeline

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/elephantci/orchestrator/internal/domain/task"
)

const (
	traceSpanTransition = "orchestrator.pipeline.transition"
	traceSpanGuards     = "orchestrator.pipeline.guards"
	traceSpanHooks      = "orchestrator.pipeline.hooks"

	traceAttrTaskID   = "orchestrator.task_id"
	traceAttrToStatus = "orchestrator.to_status"
	traceAttrTrigger  = "orchestrator.trigger"
	traceAttrStatus   = "orchestrator.status"
)

// startTransitionSpan opens a span carrying the task identity plus any
// call-site attributes, so every span under one transition is correlated
// by task id without each call site repeating the plumbing.
func (e *Engine) startTransitionSpan(ctx context.Context, spanName string, t *task.Task, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	spanAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	if t != nil {
		spanAttrs = append(spanAttrs, attribute.String(traceAttrTaskID, t.ID))
	}
	spanAttrs = append(spanAttrs, attrs...)
	return e.tracer.Start(ctx, spanName, trace.WithAttributes(spanAttrs...))
}

// markSpanResult stamps a span with its terminal status before End.
func markSpanResult(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(traceAttrStatus, "error"))
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.String(traceAttrStatus, "success"))
}
