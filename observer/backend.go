package observer

import (
	"context"
	"time"

	"github.com/relmlabs/relm"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedBackend wraps a relm.Backend with OTEL instrumentation. Streaming
// passes through when the inner backend supports it.
type ObservedBackend struct {
	inner relm.Backend
	inst  *Instruments
}

// WrapBackend returns an instrumented backend that emits traces, metrics, and logs.
func WrapBackend(inner relm.Backend, inst *Instruments) *ObservedBackend {
	return &ObservedBackend{inner: inner, inst: inst}
}

func (o *ObservedBackend) Name() string   { return o.inner.Name() }
func (o *ObservedBackend) Family() string { return o.inner.Family() }

func (o *ObservedBackend) Complete(ctx context.Context, req relm.LMRequest) (relm.ChatCompletion, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "lm.complete", trace.WithAttributes(
		AttrLMBackend.String(o.inner.Name()),
		AttrLMScope.String(req.ScopeID),
		AttrLMDepth.Int(req.Depth),
		AttrLMBatched.Bool(req.Batched),
	))
	defer span.End()
	start := time.Now()

	completion, err := o.inner.Complete(ctx, req)
	o.record(ctx, span, "complete", completion, time.Since(start), err)
	return completion, err
}

// StreamComplete instruments the inner backend's streaming path. The
// wrapper always satisfies StreamingBackend, so when the inner backend
// cannot stream the call degrades to an instrumented Complete.
func (o *ObservedBackend) StreamComplete(ctx context.Context, req relm.LMRequest, onChunk func(string)) (relm.ChatCompletion, error) {
	streamer, ok := o.inner.(relm.StreamingBackend)
	if !ok {
		return o.Complete(ctx, req)
	}

	ctx, span := o.inst.Tracer.Start(ctx, "lm.stream", trace.WithAttributes(
		AttrLMBackend.String(o.inner.Name()),
		AttrLMScope.String(req.ScopeID),
		AttrLMDepth.Int(req.Depth),
	))
	defer span.End()
	start := time.Now()

	chunks := 0
	completion, err := streamer.StreamComplete(ctx, req, func(chunk string) {
		chunks++
		if onChunk != nil {
			onChunk(chunk)
		}
	})
	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.record(ctx, span, "stream", completion, time.Since(start), err)
	return completion, err
}

// Unwrap exposes the inner backend for capability checks.
func (o *ObservedBackend) Unwrap() relm.Backend { return o.inner }

func (o *ObservedBackend) record(ctx context.Context, span trace.Span, method string, completion relm.ChatCompletion, elapsed time.Duration, err error) {
	durationMs := float64(elapsed.Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrLMModel.String(completion.ModelName),
		AttrTokensInput.Int(completion.Usage.PromptTokens),
		AttrTokensOutput.Int(completion.Usage.CompletionTokens),
	)

	attrs := metric.WithAttributes(
		AttrLMBackend.String(o.inner.Name()),
		attribute.String("method", method),
		attribute.String("status", status),
	)
	o.inst.LMRequests.Add(ctx, 1, attrs)
	o.inst.LMDuration.Record(ctx, durationMs, attrs)

	if cost := o.inst.Cost.Calculate(completion.ModelName, completion.Usage.PromptTokens, completion.Usage.CompletionTokens); cost > 0 {
		span.SetAttributes(AttrCostUSD.Float64(cost))
		o.inst.CostTotal.Add(ctx, cost, metric.WithAttributes(
			AttrLMModel.String(completion.ModelName),
		))
	}

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("lm call"))
	rec.AddAttributes(
		otellog.String("lm.backend", o.inner.Name()),
		otellog.String("lm.method", method),
		otellog.String("lm.status", status),
		otellog.Int("lm.tokens.input", completion.Usage.PromptTokens),
		otellog.Int("lm.tokens.output", completion.Usage.CompletionTokens),
		otellog.Float64("lm.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// compile-time checks
var (
	_ relm.Backend          = (*ObservedBackend)(nil)
	_ relm.StreamingBackend = (*ObservedBackend)(nil)
)
