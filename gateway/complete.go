package gateway

import (
	"context"
	"encoding/json"

	"github.com/relmlabs/relm"
	"github.com/relmlabs/relm/mcp"
)

type completeResult struct {
	Answer     string        `json:"answer"`
	Iterations int           `json:"iterations"`
	Usage      relm.UsageMap `json:"usage"`
	Exhausted  bool          `json:"exhausted,omitempty"`
	Cancelled  bool          `json:"cancelled,omitempty"`
}

func (g *Gateway) handleComplete(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
	callCtx, span := g.span(ctx, "complete")
	defer endSpan(span)

	s, err := g.session(args, "complete")
	if err != nil {
		return mcp.ErrorResult(err.Error())
	}

	var req struct {
		Prompt      string `json:"prompt"`
		Context     string `json:"context"`
		ContextPath string `json:"context_path"`
		Model       string `json:"model"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return mcp.ErrorResult("invalid arguments: " + err.Error())
	}
	if req.Prompt == "" {
		return mcp.ErrorResult("empty prompt")
	}
	if g.newRunner == nil {
		return mcp.ErrorResult("no engine configured on this gateway")
	}

	// The context binding precedence is: inline context, then context_path,
	// then whatever an earlier complete call bound on the session.
	contextValue := req.Context
	if contextValue == "" && req.ContextPath != "" {
		real, err := g.validator.Resolve(req.ContextPath)
		if err != nil {
			return mcp.ErrorResult(err.Error())
		}
		if g.loadCtx == nil {
			return mcp.ErrorResult("no context loader configured on this gateway")
		}
		loaded, err := g.loadCtx(real)
		if err != nil {
			return mcp.ErrorResult("load context: " + err.Error())
		}
		contextValue = loaded
	}
	if contextValue == "" {
		contextValue = s.boundContext()
	} else {
		s.setContext(contextValue)
	}

	runner, err := g.newRunner()
	if err != nil {
		return mcp.ErrorResult("build engine: " + err.Error())
	}

	g.logger.Info("complete turn starting",
		"session_id", s.ID, "context_bytes", len(contextValue))

	completion, err := runner.Run(callCtx, relm.TurnRequest{
		Prompt:  req.Prompt,
		Context: contextValue,
		Model:   req.Model,
		ScopeID: s.ID,
	})
	if err != nil {
		if span != nil {
			span.Error(err)
		}
		return mcp.ErrorResult("turn failed: " + err.Error())
	}
	s.mergeUsage(completion.Usage)

	g.logger.Info("complete turn finished",
		"session_id", s.ID,
		"iterations", len(completion.Iterations),
		"exhausted", completion.Exhausted)

	return jsonResult(completeResult{
		Answer:     completion.Answer,
		Iterations: len(completion.Iterations),
		Usage:      completion.Usage,
		Exhausted:  completion.Exhausted,
		Cancelled:  completion.Cancelled,
	})
}
