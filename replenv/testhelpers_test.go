package replenv

import (
	"context"
	"sync"

	"github.com/relmlabs/relm"
)

// fakeCaller answers sub-calls without a model: by default it echoes
// each prompt back with a "re: " prefix, and a test can install a reply
// function to script failures.
type fakeCaller struct {
	mu    sync.Mutex
	calls []relm.LMRequest
	reply func(req relm.LMRequest) (relm.LMResponse, error)
}

func (f *fakeCaller) Subcall(ctx context.Context, req relm.LMRequest) (relm.LMResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return relm.LMResponse{}, err
	}
	if f.reply != nil {
		return f.reply(req)
	}
	usage := relm.Usage{PromptTokens: 3, CompletionTokens: 2}
	if req.Batched {
		ccs := make([]relm.ChatCompletion, 0, len(req.Prompts))
		for _, p := range req.Prompts {
			ccs = append(ccs, relm.ChatCompletion{Text: "re: " + p, ModelName: "fake", Usage: usage})
		}
		return relm.BatchedResponse(ccs), nil
	}
	return relm.SingleResponse(relm.ChatCompletion{Text: "re: " + req.Prompt, ModelName: "fake", Usage: usage}), nil
}

func (f *fakeCaller) lastCall() relm.LMRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return relm.LMRequest{}
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeCaller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// mustSetup builds a ready Env for tests that do not care about the
// context value.
func mustSetup(t interface{ Fatalf(string, ...any) }, caller relm.Subcaller, opts ...Option) *Env {
	env := New(caller, opts...)
	if err := env.Setup(context.Background(), nil); err != nil {
		t.Fatalf("Setup() = %v", err)
	}
	return env
}
