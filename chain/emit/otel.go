package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns every event into an OpenTelemetry span.
//
// Each span has:
//   - Name: event.Msg
//   - Attributes: skillchain.execution_id, skillchain.chain_id,
//     skillchain.link_id, skillchain.attempt and every Meta entry
//   - Status: Error when Meta["error"] is set, and for execution_failed and
//     concurrency_conflict events
//
// Spans are ended immediately; events are points in time.
//
// Usage:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	emitter := emit.NewOTelEmitterFromProvider(tp, "skillchain")
//	defer emitter.Flush(ctx)
type OTelEmitter struct {
	tracer   trace.Tracer
	provider trace.TracerProvider
}

// NewOTelEmitter creates an OTelEmitter from a tracer. Flush is a no-op.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// NewOTelEmitterFromProvider creates an OTelEmitter whose Flush forces the
// provider to export.
func NewOTelEmitterFromProvider(tp trace.TracerProvider, name string) *OTelEmitter {
	return &OTelEmitter{tracer: tp.Tracer(name), provider: tp}
}

// Emit records the event as a span.
func (o *OTelEmitter) Emit(event Event) {
	o.EmitContext(context.Background(), event)
}

// EmitContext records the event as a child of any span already in ctx.
func (o *OTelEmitter) EmitContext(ctx context.Context, event Event) {
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String("skillchain.execution_id", event.ExecutionID),
		attribute.String("skillchain.chain_id", event.ChainID),
	)
	if event.LinkID != "" {
		span.SetAttributes(
			attribute.String("skillchain.link_id", event.LinkID),
			attribute.Int("skillchain.attempt", event.Attempt),
		)
	}
	addMetadataAttributes(span, event.Meta)

	if desc, failed := errorStatus(event); failed {
		span.SetStatus(codes.Error, desc)
		span.RecordError(fmt.Errorf("%s", desc))
	}
}

func errorStatus(event Event) (string, bool) {
	if err, ok := event.Meta["error"].(string); ok {
		return err, true
	}
	switch event.Msg {
	case MsgExecutionFailed:
		if reason, ok := event.Meta["reason"].(string); ok && reason != "" {
			return reason, true
		}
		return "execution failed", true
	case MsgConcurrencyConflict:
		if detail, ok := event.Meta["detail"].(string); ok && detail != "" {
			return detail, true
		}
		return "concurrency conflict", true
	}
	return "", false
}

// Flush forces export of buffered spans when the emitter was built from a
// provider that supports it. Call it before the process exits.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := o.provider.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

// addMetadataAttributes converts event metadata to span attributes under
// the skillchain. prefix.
//
// Handles:
//   - string, int, int64, float64, bool: direct conversion
//   - time.Duration: milliseconds
//   - fmt.Stringer (the model enums): String()
//   - anything else: %v
func addMetadataAttributes(span trace.Span, meta map[string]interface{}) {
	for key, value := range meta {
		attrKey := "skillchain." + key

		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		case fmt.Stringer:
			span.SetAttributes(attribute.String(attrKey, v.String()))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
