package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
)

// Span attribute keys for core operations.
var (
	AttrConflictID  = attribute.Key("phoenix.conflict.id")
	AttrCandidates  = attribute.Key("phoenix.conflict.candidates")
	AttrStatus      = attribute.Key("phoenix.conflict.status")
	AttrActionID    = attribute.Key("phoenix.action.id")
	AttrTool        = attribute.Key("phoenix.action.tool")
	AttrScope       = attribute.Key("phoenix.action.scope")
	AttrAllowed     = attribute.Key("phoenix.gate.allowed")
	AttrModule      = attribute.Key("phoenix.error.module")
	AttrTier        = attribute.Key("phoenix.error.tier")
	AttrStrategy    = attribute.Key("phoenix.recovery.strategy")
	AttrRequesterID = attribute.Key("phoenix.requester.id")
)

// ConflictOperation creates attributes for an arbitration.
func ConflictOperation(requesterID string, candidates int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRequesterID.String(requesterID),
		AttrCandidates.Int(candidates),
	}
}

// ActionOperation creates attributes for a gated action.
func ActionOperation(actionID, tool, scope string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrActionID.String(actionID),
		AttrTool.String(tool),
		AttrScope.String(scope),
	}
}

// ErrorOperation creates attributes for an error report.
func ErrorOperation(module string, tier contracts.Tier) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrModule.String(module),
		AttrTier.String(string(tier)),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanAttributes annotates the current span.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// SetSpanStatus marks the current span failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
