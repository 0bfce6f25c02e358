package observer

import (
	"context"

	"github.com/relmlabs/relm"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// otelMeter implements relm.Meter over the Instruments set. The router calls
// RecordLMCall once per backend call, root and sub-call alike.
type otelMeter struct {
	inst *Instruments
}

// NewMeter returns a relm.Meter recording LM call counts, token usage, and
// cost against inst.
func NewMeter(inst *Instruments) relm.Meter {
	return &otelMeter{inst: inst}
}

func (m *otelMeter) RecordLMCall(ctx context.Context, model, scope string, usage relm.Usage, isError bool) {
	status := "ok"
	if isError {
		status = "error"
	}
	attrs := metric.WithAttributes(
		AttrLMModel.String(model),
		AttrLMScope.String(scope),
		attribute.String("status", status),
	)

	m.inst.LMRequests.Add(ctx, 1, attrs)
	if usage.Total() > 0 {
		m.inst.TokenUsage.Add(ctx, int64(usage.PromptTokens), metric.WithAttributes(
			AttrLMModel.String(model),
			AttrLMScope.String(scope),
			attribute.String("direction", "input"),
		))
		m.inst.TokenUsage.Add(ctx, int64(usage.CompletionTokens), metric.WithAttributes(
			AttrLMModel.String(model),
			AttrLMScope.String(scope),
			attribute.String("direction", "output"),
		))
	}
	if cost := m.inst.Cost.Calculate(model, usage.PromptTokens, usage.CompletionTokens); cost > 0 {
		m.inst.CostTotal.Add(ctx, cost, metric.WithAttributes(
			AttrLMModel.String(model),
		))
	}
}

var _ relm.Meter = (*otelMeter)(nil)
