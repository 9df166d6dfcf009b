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

// ObservedProvider wraps a loom.Provider with OTEL instrumentation. Each
// Stream call becomes an llm.stream span that stays open until the event
// channel closes, so tool executions triggered by the same turn appear as
// siblings under the run span, not children of the stream.
type ObservedProvider struct {
	inner loom.Provider
	inst  *Instruments
	model string
}

// WrapProvider returns an instrumented provider that emits traces, metrics, and logs.
func WrapProvider(inner loom.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Stream(ctx context.Context, messages []loom.Message, opts loom.StreamOptions) (<-chan loom.ProviderEvent, error) {
	model := o.model
	if opts.Model != "" {
		model = opts.Model
	}

	spanAttrs := []attribute.KeyValue{
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
	}
	if len(opts.Tools) > 0 {
		toolNames := make([]string, len(opts.Tools))
		for i, t := range opts.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs,
			AttrToolCount.Int(len(opts.Tools)),
			AttrToolNames.StringSlice(toolNames),
		)
	}

	ctx, span := o.inst.Tracer.Start(ctx, "llm.stream", trace.WithAttributes(spanAttrs...))
	start := time.Now()

	inner, err := o.inner.Stream(ctx, messages, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		o.record(ctx, model, "error", float64(time.Since(start).Milliseconds()), loom.Usage{})
		return nil, err
	}

	out := make(chan loom.ProviderEvent)
	go func() {
		defer close(out)
		defer span.End()

		chunks := 0
		status := "truncated"
		var usage loom.Usage

		for ev := range inner {
			chunks++
			switch ev.Type {
			case loom.EventComplete:
				status = "ok"
				usage = ev.Usage
				span.SetAttributes(AttrFinishReason.String(string(ev.FinishReason)))
			case loom.EventStreamError:
				status = "error"
				if ev.Err != nil {
					span.RecordError(ev.Err)
					span.SetStatus(codes.Error, ev.Err.Error())
				}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				status = "cancelled"
				span.SetAttributes(AttrStreamChunks.Int(chunks))
				o.record(ctx, model, status, float64(time.Since(start).Milliseconds()), usage)
				return
			}
		}

		span.SetAttributes(AttrStreamChunks.Int(chunks))
		o.record(ctx, model, status, float64(time.Since(start).Milliseconds()), usage)
	}()
	return out, nil
}

func (o *ObservedProvider) record(ctx context.Context, model, status string, durationMs float64, usage loom.Usage) {
	cost := o.inst.Cost.Calculate(model, usage.InputTokens, usage.OutputTokens)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm stream completed"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.Int("llm.tokens.input", usage.InputTokens),
		otellog.Int("llm.tokens.output", usage.OutputTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// Compile-time interface check.
var _ loom.Provider = (*ObservedProvider)(nil)
