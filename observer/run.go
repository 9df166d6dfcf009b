package observer

import (
	"context"
	"time"

	"github.com/avratys/loom"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObserveRun opens an agent.run span and returns an observer that feeds it
// from the run's event stream plus the context carrying the span, so wrapped
// providers and tools parent their spans under the run.
//
// Attach the observer with loom.WithRunObserver (or loom.WithObserver) and
// pass the returned context to Run. The span ends when the done event
// arrives; a run that never reaches done leaks the span until the final
// flush, which is acceptable since the loop guarantees exactly one done.
func ObserveRun(ctx context.Context, agentName string, inst *Instruments) (context.Context, loom.ObserverFunc) {
	ctx, span := inst.Tracer.Start(ctx, "agent.run", trace.WithAttributes(
		AttrAgentName.String(agentName),
	))
	start := time.Now()
	span.AddEvent("agent.started")

	toolCalls := 0

	return ctx, func(ev loom.AgentEvent) {
		switch ev.Type {
		case loom.AgentToolCall:
			toolCalls++
			if ev.ToolCall != nil {
				span.AddEvent("agent.tool_call", trace.WithAttributes(
					AttrToolName.String(ev.ToolCall.Name),
				))
			}

		case loom.AgentError:
			span.AddEvent("agent.provider_error", trace.WithAttributes(
				attribute.String("error", ev.Err),
			))

		case loom.AgentDone:
			durationMs := float64(time.Since(start).Milliseconds())

			status := "ok"
			switch ev.Reason {
			case loom.FinishCanceled:
				status = "cancelled"
				span.SetStatus(codes.Error, "cancelled")
			case loom.FinishError:
				status = "error"
				span.SetStatus(codes.Error, ev.Err)
			}

			var usage loom.Usage
			if ev.Usage != nil {
				usage = *ev.Usage
			}
			span.SetAttributes(
				AttrAgentStatus.String(status),
				AttrRunToolCalls.Int(toolCalls),
				AttrTokensInput.Int(usage.InputTokens),
				AttrTokensOutput.Int(usage.OutputTokens),
			)
			span.End()

			inst.AgentRuns.Add(ctx, 1, metric.WithAttributes(
				AttrAgentName.String(agentName),
				attribute.String("status", status),
			))
			inst.RunDuration.Record(ctx, durationMs, metric.WithAttributes(
				AttrAgentName.String(agentName),
			))

			var rec otellog.Record
			rec.SetSeverity(otellog.SeverityInfo)
			rec.SetBody(otellog.StringValue("agent run completed"))
			rec.AddAttributes(
				otellog.String("agent.name", agentName),
				otellog.String("agent.status", status),
				otellog.Int("agent.tool_calls", toolCalls),
				otellog.Int("tokens.input", usage.InputTokens),
				otellog.Int("tokens.output", usage.OutputTokens),
				otellog.Float64("duration_ms", durationMs),
			)
			inst.Logger.Emit(ctx, rec)
		}
	}
}
