package relm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestCompleteSingle(t *testing.T) {
	reg := NewRegistry()
	b := newScriptBackend("local-7b", "llama", "the answer")
	if err := reg.Register(b); err != nil {
		t.Fatal(err)
	}
	router := NewRouter(reg)

	resp := router.CompleteSingle(context.Background(), LMRequest{Prompt: "question"})
	if err := resp.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	kind, _ := resp.ResolveKind()
	if kind != KindSingle {
		t.Fatalf("kind = %q, want single", kind)
	}
	if resp.ChatCompletion.Text != "the answer" {
		t.Errorf("text = %q", resp.ChatCompletion.Text)
	}
	if resp.ChatCompletion.ModelName != "local-7b" {
		t.Errorf("model = %q, want local-7b", resp.ChatCompletion.ModelName)
	}
}

func TestSubcallUnknownExplicitModel(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newScriptBackend("local-7b", "llama", "x")); err != nil {
		t.Fatal(err)
	}
	router := NewRouter(reg)

	resp, err := router.Subcall(context.Background(), LMRequest{
		Prompt: "q",
		Prefs:  &ModelPreferences{Model: "gpt-99"},
	})
	if err != nil {
		t.Fatalf("Subcall: %v", err)
	}
	if !resp.IsError() {
		t.Fatal("unknown explicit model should yield the error variant")
	}
	if resp.ErrorKind != ErrKindResolution {
		t.Errorf("error_kind = %q, want %q", resp.ErrorKind, ErrKindResolution)
	}
}

func TestSubcallBudgetExceeded(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newScriptBackend("local-7b", "llama", "x")); err != nil {
		t.Fatal(err)
	}
	// Tiny sub budget: the first sub-call's projection already crosses it.
	router := NewRouter(reg, RouterBudget(0, 5))

	resp, err := router.Subcall(context.Background(), LMRequest{Prompt: "a long enough prompt", Depth: 1})
	if err != nil {
		t.Fatalf("Subcall: %v", err)
	}
	if !resp.IsError() || resp.ErrorKind != ErrKindBudget {
		t.Fatalf("resp = %+v, want budget_exceeded error variant", resp)
	}
	if !strings.Contains(resp.Message, "budget") {
		t.Errorf("message %q should mention the budget", resp.Message)
	}
}

func TestSubcallBackendFailure(t *testing.T) {
	reg := NewRegistry()
	b := newScriptBackend("local-7b", "llama")
	b.errs = []error{errors.New("model exploded")}
	if err := reg.Register(b); err != nil {
		t.Fatal(err)
	}
	router := NewRouter(reg)

	resp, err := router.Subcall(context.Background(), LMRequest{Prompt: "q"})
	if err != nil {
		t.Fatalf("Subcall: %v", err)
	}
	if !resp.IsError() || resp.ErrorKind != ErrKindBackend {
		t.Fatalf("resp = %+v, want backend_failed error variant", resp)
	}
}

func TestSubcallCancelledContext(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newScriptBackend("local-7b", "llama", "x")); err != nil {
		t.Fatal(err)
	}
	router := NewRouter(reg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := router.Subcall(ctx, LMRequest{Prompt: "q"}); err == nil {
		t.Fatal("Subcall on cancelled context should return the context error")
	}
}

func TestCompleteBatchedPreservesOrder(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&echoBackend{name: "echo", family: "echo", prefix: "got:"}); err != nil {
		t.Fatal(err)
	}
	router := NewRouter(reg, RouterParallel(3))

	prompts := make([]string, 20)
	for i := range prompts {
		prompts[i] = fmt.Sprintf("prompt-%02d", i)
	}
	resp := router.CompleteBatched(context.Background(), LMRequest{Batched: true, Prompts: prompts, Depth: 1})
	if err := resp.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	got := *resp.ChatCompletions
	if len(got) != len(prompts) {
		t.Fatalf("len = %d, want %d", len(got), len(prompts))
	}
	for i, c := range got {
		want := "got:" + prompts[i]
		if c.Text != want {
			t.Errorf("slot %d = %q, want %q", i, c.Text, want)
		}
	}
}

// One failing slot must not fail the batch: the slot carries an error text
// in place and every other slot completes normally.
func TestCompleteBatchedSlotIndependence(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&faultyBackend{}); err != nil {
		t.Fatal(err)
	}
	router := NewRouter(reg)

	resp := router.CompleteBatched(context.Background(), LMRequest{
		Batched: true,
		Prompts: []string{"fine", "boom", "also fine"},
		Depth:   1,
	})
	got := *resp.ChatCompletions
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Text != "ok" || got[2].Text != "ok" {
		t.Errorf("healthy slots = %q, %q, want ok", got[0].Text, got[2].Text)
	}
	if !strings.HasPrefix(got[1].Text, "error:") {
		t.Errorf("failed slot = %q, want error text", got[1].Text)
	}
}

func TestCompleteBatchedEmptyStaysBatched(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newScriptBackend("local-7b", "llama", "x")); err != nil {
		t.Fatal(err)
	}
	router := NewRouter(reg)

	resp := router.CompleteBatched(context.Background(), LMRequest{Batched: true, Prompts: nil})
	kind, err := resp.ResolveKind()
	if err != nil {
		t.Fatalf("ResolveKind: %v", err)
	}
	if kind != KindBatched {
		t.Errorf("kind = %q, want batched", kind)
	}
	if len(*resp.ChatCompletions) != 0 {
		t.Errorf("completions = %v, want empty", *resp.ChatCompletions)
	}
}

// A batch that cannot fit the budget is rejected as a unit before any slot
// dispatches.
func TestCompleteBatchedBudgetAtomic(t *testing.T) {
	reg := NewRegistry()
	b := newScriptBackend("local-7b", "llama", "x")
	if err := reg.Register(b); err != nil {
		t.Fatal(err)
	}
	router := NewRouter(reg, RouterBudget(0, 10))

	resp := router.CompleteBatched(context.Background(), LMRequest{
		Batched: true,
		Prompts: []string{"aaaa", "bbbb", "cccc"},
		Depth:   1,
	})
	if !resp.IsError() || resp.ErrorKind != ErrKindBudget {
		t.Fatalf("resp = %+v, want budget_exceeded", resp)
	}
	if b.callCount() != 0 {
		t.Errorf("backend saw %d calls, want 0 (atomic rejection)", b.callCount())
	}
}

func TestStreamCompletionChunks(t *testing.T) {
	reg := NewRegistry()
	cb := &chunkBackend{chunkSize: 3}
	cb.name = "streamer"
	cb.family = "stream"
	cb.replies = []string{"hello world"}
	if err := reg.Register(cb); err != nil {
		t.Fatal(err)
	}
	router := NewRouter(reg)

	var got strings.Builder
	resp := router.StreamCompletion(context.Background(), LMRequest{Prompt: "q"}, func(chunk string) {
		got.WriteString(chunk)
	})
	if resp.IsError() {
		t.Fatalf("unexpected error variant: %+v", resp)
	}
	if got.String() != "hello world" {
		t.Errorf("assembled chunks = %q, want %q", got.String(), "hello world")
	}
	if resp.ChatCompletion.Text != "hello world" {
		t.Errorf("final text = %q", resp.ChatCompletion.Text)
	}
}

// A backend without streaming still satisfies StreamCompletion: the full
// text arrives as one chunk.
func TestStreamCompletionFallback(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newScriptBackend("plain", "plain", "whole text")); err != nil {
		t.Fatal(err)
	}
	router := NewRouter(reg)

	var chunks []string
	resp := router.StreamCompletion(context.Background(), LMRequest{Prompt: "q"}, func(chunk string) {
		chunks = append(chunks, chunk)
	})
	if resp.IsError() {
		t.Fatalf("unexpected error variant: %+v", resp)
	}
	if len(chunks) != 1 || chunks[0] != "whole text" {
		t.Errorf("chunks = %v, want one full-text chunk", chunks)
	}
}

// Thirty goroutines hammering Subcall must leave the ledger consistent:
// admitted calls' reservations sum to the ledger's counter and the counter
// never passes the limit.
func TestSubcallConcurrentBudgetIntegrity(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newScriptBackend("local-7b", "llama", "ok")); err != nil {
		t.Fatal(err)
	}
	const limit = 500
	router := NewRouter(reg, RouterBudget(0, limit))

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, rejected := 0, 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := router.Subcall(context.Background(), LMRequest{Prompt: "abcdefgh", Depth: 1})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if resp.IsError() {
				if resp.ErrorKind != ErrKindBudget {
					t.Errorf("unexpected error kind %q", resp.ErrorKind)
				}
				rejected++
			} else {
				admitted++
			}
		}()
	}
	wg.Wait()

	if admitted+rejected != 30 {
		t.Fatalf("admitted %d + rejected %d != 30", admitted, rejected)
	}
	if admitted == 0 {
		t.Fatal("expected at least one admitted call")
	}
	_, sub := router.Ledger().Used()
	if sub > limit {
		t.Errorf("ledger used %d exceeds limit %d", sub, limit)
	}
}

// faultyBackend fails any prompt containing "boom".
type faultyBackend struct{}

func (faultyBackend) Name() string   { return "faulty" }
func (faultyBackend) Family() string { return "faulty" }

func (faultyBackend) Complete(_ context.Context, req LMRequest) (ChatCompletion, error) {
	if strings.Contains(req.Prompt, "boom") {
		return ChatCompletion{}, errors.New("slot failed")
	}
	return ChatCompletion{Text: "ok", ModelName: "faulty", Usage: Usage{PromptTokens: 1, CompletionTokens: 1}}, nil
}
