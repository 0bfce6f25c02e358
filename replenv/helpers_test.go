package replenv

import (
	"context"
	"strings"
	"testing"

	"github.com/relmlabs/relm"
)

func TestLLMQuery(t *testing.T) {
	caller := &fakeCaller{}
	env := mustSetup(t, caller, WithScopeID("turn-1"))

	res := env.Execute(context.Background(), `answer = llm_query("what is 2+2")`)
	if res.IsError {
		t.Fatalf("Execute failed: %s", res.Stderr)
	}

	req := caller.lastCall()
	if req.Prompt != "what is 2+2" {
		t.Errorf("Prompt = %q", req.Prompt)
	}
	if req.Depth != 1 {
		t.Errorf("Depth = %d, want 1", req.Depth)
	}
	if req.Caller != "repl" {
		t.Errorf("Caller = %q, want repl", req.Caller)
	}
	if req.ScopeID != "turn-1" {
		t.Errorf("ScopeID = %q, want turn-1", req.ScopeID)
	}
	if req.ID == "" {
		t.Error("ID is empty")
	}
	if req.Prefs != nil {
		t.Errorf("Prefs = %+v, want nil without model=", req.Prefs)
	}

	if got := env.Vars()["answer"]; got != `"re: what is 2+2"` {
		t.Errorf("answer = %q", got)
	}
	if res.SubCallUsage["fake"].Calls != 1 {
		t.Errorf("SubCallUsage = %+v, want one call under fake", res.SubCallUsage)
	}
	if res.SubCallUsage["fake"].PromptTokens != 3 {
		t.Errorf("PromptTokens = %d, want 3", res.SubCallUsage["fake"].PromptTokens)
	}
}

func TestLLMQueryModelPreference(t *testing.T) {
	caller := &fakeCaller{}
	env := mustSetup(t, caller)

	res := env.Execute(context.Background(), `llm_query("hi", model="fast-mini")`)
	if res.IsError {
		t.Fatalf("Execute failed: %s", res.Stderr)
	}
	req := caller.lastCall()
	if req.Prefs == nil || req.Prefs.Model != "fast-mini" {
		t.Errorf("Prefs = %+v, want model fast-mini", req.Prefs)
	}
}

func TestLLMQueryDepthFromEnv(t *testing.T) {
	caller := &fakeCaller{}
	env := mustSetup(t, caller, WithDepth(2))

	env.Execute(context.Background(), `llm_query("deeper")`)
	if got := caller.lastCall().Depth; got != 3 {
		t.Errorf("Depth = %d, want 3", got)
	}
}

func TestLLMQueryErrorVariantRaises(t *testing.T) {
	caller := &fakeCaller{
		reply: func(relm.LMRequest) (relm.LMResponse, error) {
			return relm.ErrorResponse(relm.ErrKindBudget, "sub budget exceeded: 900 used + 200 requested > limit 1000"), nil
		},
	}
	env := mustSetup(t, caller)

	res := env.Execute(context.Background(), `llm_query("too much")`)
	if !res.IsError {
		t.Fatal("IsError = false for budget rejection")
	}
	if !strings.Contains(res.Stderr, "budget exceeded") {
		t.Errorf("Stderr = %q, want the budget reason", res.Stderr)
	}
}

func TestLLMQueryBatched(t *testing.T) {
	caller := &fakeCaller{}
	env := mustSetup(t, caller)

	res := env.Execute(context.Background(), `llm_query_batched(["a", "b", "c"])`)
	if res.IsError {
		t.Fatalf("Execute failed: %s", res.Stderr)
	}
	if res.Stdout != `["re: a", "re: b", "re: c"]`+"\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	req := caller.lastCall()
	if !req.Batched {
		t.Error("Batched = false")
	}
	if len(req.Prompts) != 3 || req.Prompts[2] != "c" {
		t.Errorf("Prompts = %v", req.Prompts)
	}
	if caller.callCount() != 1 {
		t.Errorf("callCount = %d, want a single fan-out call", caller.callCount())
	}
}

func TestLLMQueryBatchedEmptyList(t *testing.T) {
	caller := &fakeCaller{}
	env := mustSetup(t, caller)

	res := env.Execute(context.Background(), `llm_query_batched([])`)
	if res.IsError {
		t.Fatalf("Execute failed: %s", res.Stderr)
	}
	if res.Stdout != "[]\n" {
		t.Errorf("Stdout = %q, want empty list echo", res.Stdout)
	}
}

func TestLLMQueryBatchedRejectsNonString(t *testing.T) {
	env := mustSetup(t, &fakeCaller{})
	res := env.Execute(context.Background(), `llm_query_batched([1, 2])`)
	if !res.IsError {
		t.Fatal("IsError = false for non-string prompt")
	}
	if !strings.Contains(res.Stderr, "want string") {
		t.Errorf("Stderr = %q", res.Stderr)
	}
}

func TestFinal(t *testing.T) {
	env := mustSetup(t, &fakeCaller{})

	res := env.Execute(context.Background(), `FINAL("the answer")`)
	if res.IsError {
		t.Fatalf("Execute failed: %s", res.Stderr)
	}
	answer, ok := env.TakeFinal()
	if !ok || answer != "the answer" {
		t.Errorf("TakeFinal() = %q, %v", answer, ok)
	}
	if _, ok := env.TakeFinal(); ok {
		t.Error("TakeFinal() returned an answer twice")
	}
}

func TestFinalStringifiesValues(t *testing.T) {
	env := mustSetup(t, &fakeCaller{})
	env.Execute(context.Background(), `FINAL([1, 2, 3])`)
	answer, ok := env.TakeFinal()
	if !ok || answer != "[1, 2, 3]" {
		t.Errorf("TakeFinal() = %q, %v", answer, ok)
	}
}

func TestFinalVarSameChunk(t *testing.T) {
	env := mustSetup(t, &fakeCaller{})
	res := env.Execute(context.Background(), "result = \"computed\"\nFINAL_VAR(\"result\")")
	if res.IsError {
		t.Fatalf("Execute failed: %s", res.Stderr)
	}
	answer, ok := env.TakeFinal()
	if !ok || answer != "computed" {
		t.Errorf("TakeFinal() = %q, %v", answer, ok)
	}
}

func TestFinalVarEarlierChunk(t *testing.T) {
	env := mustSetup(t, &fakeCaller{})
	env.Execute(context.Background(), `result = 99`)
	res := env.Execute(context.Background(), `FINAL_VAR("result")`)
	if res.IsError {
		t.Fatalf("Execute failed: %s", res.Stderr)
	}
	answer, ok := env.TakeFinal()
	if !ok || answer != "99" {
		t.Errorf("TakeFinal() = %q, %v", answer, ok)
	}
}

func TestFinalVarUnbound(t *testing.T) {
	env := mustSetup(t, &fakeCaller{})
	res := env.Execute(context.Background(), `FINAL_VAR("missing")`)
	if !res.IsError {
		t.Fatal("IsError = false for unbound FINAL_VAR name")
	}
	if !strings.Contains(res.Stderr, `"missing" is not bound`) {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	if _, ok := env.TakeFinal(); ok {
		t.Error("unbound FINAL_VAR still produced an answer")
	}
}

func TestSubCallUsageAccumulatesAcrossCalls(t *testing.T) {
	caller := &fakeCaller{}
	env := mustSetup(t, caller)

	res := env.Execute(context.Background(), "a = llm_query(\"one\")\nb = llm_query(\"two\")")
	if res.IsError {
		t.Fatalf("Execute failed: %s", res.Stderr)
	}
	if got := res.SubCallUsage["fake"].Calls; got != 2 {
		t.Errorf("Calls = %d, want 2", got)
	}

	// The next execution starts a fresh per-chunk ledger.
	res = env.Execute(context.Background(), "x = 1")
	if len(res.SubCallUsage) != 0 {
		t.Errorf("SubCallUsage = %+v for chunk without sub-calls", res.SubCallUsage)
	}
}
