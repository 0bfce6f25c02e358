package observer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relmlabs/relm/mcp"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WrapTool instruments a gateway tool handler with a span, call counter, and
// duration histogram.
func WrapTool(h mcp.ToolHandler, inst *Instruments) mcp.ToolHandler {
	inner := h.Execute
	name := h.Definition.Name
	h.Execute = func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
		ctx, span := inst.Tracer.Start(ctx, "tool."+name, trace.WithAttributes(
			AttrToolName.String(name),
		))
		defer span.End()
		start := time.Now()

		result := inner(ctx, args)

		status := "ok"
		if result.IsError {
			status = "error"
			span.SetStatus(codes.Error, "tool returned error result")
		}
		span.SetAttributes(AttrToolStatus.String(status))

		attrs := metric.WithAttributes(
			AttrToolName.String(name),
			AttrToolStatus.String(status),
		)
		inst.ToolCalls.Add(ctx, 1, attrs)
		inst.ToolDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
		return result
	}
	return h
}
