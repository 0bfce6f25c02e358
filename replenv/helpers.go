package replenv

import (
	"context"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/relmlabs/relm"
)

// --- llm_query ---

// llmQuery implements llm_query(prompt, model=None): a single blocking
// sub-call one level deeper than this program. Routing failures, budget
// rejections, and backend failures raise so the whole chunk fails and
// the model sees the reason in stderr.
func (e *Env) llmQuery(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var prompt, model string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "prompt", &prompt, "model?", &model); err != nil {
		return nil, err
	}
	req := e.subRequest(model)
	req.Prompt = prompt

	resp, err := e.caller.Subcall(execCtx(thread), req)
	if err != nil {
		return nil, fmt.Errorf("llm_query: %v", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("llm_query: %s", resp.Message)
	}
	if resp.ChatCompletion == nil {
		return nil, fmt.Errorf("llm_query: response carries no completion")
	}
	e.recordUsage(resp)
	return starlark.String(resp.ChatCompletion.Text), nil
}

// llmQueryBatched implements llm_query_batched(prompts, model=None):
// one sub-call carrying every prompt, answered as a list in the same
// order. A failed slot comes back as its error text rather than
// failing the whole list; call-level failures still raise.
func (e *Env) llmQueryBatched(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var promptsArg starlark.Iterable
	var model string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "prompts", &promptsArg, "model?", &model); err != nil {
		return nil, err
	}

	var prompts []string
	iter := promptsArg.Iterate()
	defer iter.Done()
	var x starlark.Value
	for i := 0; iter.Next(&x); i++ {
		s, ok := starlark.AsString(x)
		if !ok {
			return nil, fmt.Errorf("llm_query_batched: prompts[%d] is %s, want string", i, x.Type())
		}
		prompts = append(prompts, s)
	}

	req := e.subRequest(model)
	req.Batched = true
	req.Prompts = prompts

	resp, err := e.caller.Subcall(execCtx(thread), req)
	if err != nil {
		return nil, fmt.Errorf("llm_query_batched: %v", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("llm_query_batched: %s", resp.Message)
	}
	if resp.ChatCompletions == nil {
		return nil, fmt.Errorf("llm_query_batched: response carries no completions")
	}
	e.recordUsage(resp)

	elems := make([]starlark.Value, 0, len(*resp.ChatCompletions))
	for _, cc := range *resp.ChatCompletions {
		elems = append(elems, starlark.String(cc.Text))
	}
	return starlark.NewList(elems), nil
}

func (e *Env) subRequest(model string) relm.LMRequest {
	req := relm.LMRequest{
		ID:      relm.NewID(),
		Depth:   e.depth + 1,
		ScopeID: e.scopeID,
		Caller:  "repl",
	}
	if model != "" {
		req.Prefs = &relm.ModelPreferences{Model: model}
	}
	return req
}

func (e *Env) recordUsage(resp relm.LMResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.execUsage == nil {
		e.execUsage = relm.UsageMap{}
	}
	e.execUsage.Merge(resp.UsageByModel())
}

// execCtx recovers the context Execute stashed in the thread, so
// sub-calls inherit turn cancellation.
func execCtx(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(ctxLocalKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// --- FINAL / FINAL_VAR ---

// finalBuiltin implements FINAL(value): stringify the value, stow it as
// the turn's answer, and hand the string back so a lone FINAL(...) also
// echoes.
func (e *Env) finalBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &v); err != nil {
		return nil, err
	}
	text := stringify(v)
	e.mu.Lock()
	e.finalAnswer = &text
	e.mu.Unlock()
	return starlark.String(text), nil
}

// finalVarBuiltin implements FINAL_VAR(name): record the name now,
// resolve it when the chunk finishes so an assignment later in the same
// chunk still counts.
func (e *Env) finalVarBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("FINAL_VAR: name is empty")
	}
	e.mu.Lock()
	e.finalVar = &name
	e.mu.Unlock()
	return starlark.None, nil
}

// stringify renders a value the way the answer should read: strings
// keep their content without quoting, everything else uses its Starlark
// rendering.
func stringify(v starlark.Value) string {
	if s, ok := starlark.AsString(v); ok {
		return s
	}
	return v.String()
}
