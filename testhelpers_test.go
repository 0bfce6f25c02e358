package relm

import (
	"context"
	"strings"
	"sync"
)

// scriptBackend is a scripted Backend for tests: each Complete call pops
// the next reply. When the script runs out, the last reply repeats. Embed
// or wrap it instead of reaching for a mock framework.
type scriptBackend struct {
	mu      sync.Mutex
	name    string
	family  string
	replies []string
	errs    []error
	usage   Usage
	calls   []LMRequest
}

func newScriptBackend(name, family string, replies ...string) *scriptBackend {
	return &scriptBackend{
		name:    name,
		family:  family,
		replies: replies,
		usage:   Usage{PromptTokens: 10, CompletionTokens: 5},
	}
}

func (b *scriptBackend) Name() string   { return b.name }
func (b *scriptBackend) Family() string { return b.family }

func (b *scriptBackend) Complete(_ context.Context, req LMRequest) (ChatCompletion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, req)
	n := len(b.calls) - 1
	if n < len(b.errs) && b.errs[n] != nil {
		return ChatCompletion{}, b.errs[n]
	}
	text := ""
	switch {
	case len(b.replies) == 0:
	case n < len(b.replies):
		text = b.replies[n]
	default:
		text = b.replies[len(b.replies)-1]
	}
	return ChatCompletion{Text: text, ModelName: b.name, Usage: b.usage}, nil
}

func (b *scriptBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *scriptBackend) lastCall() LMRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.calls) == 0 {
		return LMRequest{}
	}
	return b.calls[len(b.calls)-1]
}

// echoBackend answers every request with a transform of its prompt text.
// Useful when the test needs to see which prompt reached the backend.
type echoBackend struct {
	name   string
	family string
	prefix string
}

func (b *echoBackend) Name() string   { return b.name }
func (b *echoBackend) Family() string { return b.family }

func (b *echoBackend) Complete(_ context.Context, req LMRequest) (ChatCompletion, error) {
	return ChatCompletion{
		Text:      b.prefix + req.PromptText(),
		ModelName: b.name,
		Usage:     Usage{PromptTokens: len(req.PromptText()) / 4, CompletionTokens: 8},
	}, nil
}

// chunkBackend streams its reply in fixed-size chunks.
type chunkBackend struct {
	scriptBackend
	chunkSize int
}

func (b *chunkBackend) StreamComplete(ctx context.Context, req LMRequest, onChunk func(string)) (ChatCompletion, error) {
	c, err := b.Complete(ctx, req)
	if err != nil {
		return ChatCompletion{}, err
	}
	size := b.chunkSize
	if size <= 0 {
		size = 4
	}
	for text := c.Text; text != ""; {
		n := size
		if n > len(text) {
			n = len(text)
		}
		if onChunk != nil {
			onChunk(text[:n])
		}
		text = text[n:]
	}
	return c, nil
}

// blockBackend blocks until its context is cancelled, then fails.
type blockBackend struct {
	name    string
	started chan struct{}
	once    sync.Once
}

func (b *blockBackend) Name() string   { return b.name }
func (b *blockBackend) Family() string { return b.name }

func (b *blockBackend) Complete(ctx context.Context, _ LMRequest) (ChatCompletion, error) {
	b.once.Do(func() {
		if b.started != nil {
			close(b.started)
		}
	})
	<-ctx.Done()
	return ChatCompletion{}, ctx.Err()
}

// stubEnv is a scriptable Environment for engine tests. It recognizes
// FINAL("...") in executed code the way the real sandbox helper would.
type stubEnv struct {
	mu       sync.Mutex
	setupErr error
	execFn   func(code string) REPLResult
	execs    []string
	final    *string
	vars     map[string]string
	setups   int
	resets   int
}

var _ Environment = (*stubEnv)(nil)

func (s *stubEnv) Setup(_ context.Context, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setups++
	return s.setupErr
}

func (s *stubEnv) Execute(_ context.Context, code string) REPLResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, code)
	if i := strings.Index(code, "FINAL("); i >= 0 {
		arg := code[i+len("FINAL("):]
		if j := strings.IndexByte(arg, ')'); j >= 0 {
			answer := strings.Trim(arg[:j], `"' `)
			s.final = &answer
		}
	}
	if s.execFn != nil {
		return s.execFn(code)
	}
	return REPLResult{Stdout: "ok\n"}
}

func (s *stubEnv) TakeFinal() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final == nil {
		return "", false
	}
	answer := *s.final
	s.final = nil
	return answer, true
}

func (s *stubEnv) Vars() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vars
}

func (s *stubEnv) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

func (s *stubEnv) execCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.execs)
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
