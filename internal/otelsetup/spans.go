package otelsetup

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for story orchestrator spans.
var (
	AttrStoryID   = attribute.Key("storyorchestrator.story.id")
	AttrWave      = attribute.Key("storyorchestrator.wave")
	AttrStepID    = attribute.Key("storyorchestrator.step.id")
	AttrExecutor  = attribute.Key("storyorchestrator.executor.id")
	AttrGateType  = attribute.Key("storyorchestrator.gate.type")
	AttrGatePass  = attribute.Key("storyorchestrator.gate.passed")
	AttrTokens    = attribute.Key("storyorchestrator.llm.tokens")
	AttrModel     = attribute.Key("storyorchestrator.llm.model")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, CLI subprocess).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
