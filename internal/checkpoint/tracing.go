package checkpoint

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joescharf/hound/internal/failure"
	"github.com/joescharf/hound/internal/pipeline"
)

const tracerName = "github.com/joescharf/hound/internal/checkpoint"

func tracer() trace.Tracer { return otel.Tracer(tracerName) }

// startAttemptSpan starts a span for one agent attempt.
func (m *Manager) startAttemptSpan(ctx context.Context, t Target, def *pipeline.AgentDefinition, n int) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "agent."+def.Name)
	span.SetAttributes(
		attribute.String("session.id", t.SessionID),
		attribute.String("agent.name", def.Name),
		attribute.String("agent.phase", def.Phase),
		attribute.Bool("agent.parallel", def.Parallel),
		attribute.Int("agent.attempt", n),
	)
	return ctx, span
}

// endAttemptSpan ends the attempt span with its outcome.
func (m *Manager) endAttemptSpan(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(attribute.String("error.kind", string(failure.KindOf(err))))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// startPhaseSpan starts a span for a phase run.
func (m *Manager) startPhaseSpan(ctx context.Context, t Target, ph *pipeline.Phase) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "phase."+ph.Name)
	span.SetAttributes(
		attribute.String("session.id", t.SessionID),
		attribute.String("phase.name", ph.Name),
		attribute.Int("phase.sequential", len(ph.Agents)),
		attribute.Int("phase.parallel", len(ph.Parallel)),
	)
	return ctx, span
}

func (m *Manager) endPhaseSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (m *Manager) addSpanEvent(ctx context.Context, name string) {
	trace.SpanFromContext(ctx).AddEvent(name)
}
