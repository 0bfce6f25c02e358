package replenv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/relmlabs/relm"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultMaxOutput = 16 << 10
	maxValuePreview  = 120

	ctxLocalKey = "relm.ctx"
)

// Env is a persistent Starlark namespace driven by the recursion engine.
// Each Execute runs one chunk against the same globals, so values bound
// in one iteration remain visible in the next. Sub-calls issued through
// the llm_query helpers are routed to the configured Subcaller at
// depth+1.
//
// Env is confined to a single executing goroutine; only TakeFinal,
// Vars, and Snapshot may be called from elsewhere.
type Env struct {
	caller    relm.Subcaller
	tier      Tier
	timeout   time.Duration
	workdir   string
	depth     int
	scopeID   string
	maxOutput int
	logger    *slog.Logger

	mu           sync.Mutex
	globals      starlark.StringDict
	baseNames    map[string]bool
	contextValue any
	finalAnswer  *string
	finalVar     *string
	execUsage    relm.UsageMap
	timedOut     bool
}

var _ relm.Environment = (*Env)(nil)

// Option configures an Env.
type Option func(*Env)

// WithTier selects the sandbox posture. The default is TierREPL.
func WithTier(t Tier) Option {
	return func(e *Env) { e.tier = t }
}

// WithTimeout bounds a single Execute call. The default is 60s.
func WithTimeout(d time.Duration) Option {
	return func(e *Env) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithWorkdir confines open() to the given directory tree. Without it
// open() refuses every path.
func WithWorkdir(dir string) Option {
	return func(e *Env) { e.workdir = dir }
}

// WithDepth sets the recursion depth of the program this Env hosts.
// Sub-calls leave the environment at depth+1.
func WithDepth(depth int) Option {
	return func(e *Env) {
		if depth >= 0 {
			e.depth = depth
		}
	}
}

// WithScopeID tags outgoing sub-calls with a turn identifier.
func WithScopeID(id string) Option {
	return func(e *Env) { e.scopeID = id }
}

// WithMaxOutput caps captured stdout per Execute call.
func WithMaxOutput(n int) Option {
	return func(e *Env) {
		if n > 0 {
			e.maxOutput = n
		}
	}
}

// WithLogger sets the logger. Logging is off by default.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Env) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New returns an Env that issues sub-calls through caller. Call Setup
// before the first Execute.
func New(caller relm.Subcaller, opts ...Option) *Env {
	e := &Env{
		caller:    caller,
		tier:      TierREPL,
		timeout:   defaultTimeout,
		maxOutput: defaultMaxOutput,
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// --- lifecycle ---

// Setup initializes the namespace: the user's context value bound as
// `context`, the llm_query helpers, FINAL and FINAL_VAR, open() in the
// REPL tier, and inert stubs for every blocked module name.
func (e *Env) Setup(ctx context.Context, contextValue any) error {
	_ = ctx
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bind(contextValue)
}

// Reset restores the namespace to its post-Setup state, discarding all
// user bindings, any pending final answer, and accumulated usage.
func (e *Env) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.globals == nil {
		return
	}
	_ = e.bind(e.contextValue)
}

func (e *Env) bind(contextValue any) error {
	ctxVal, err := toStarlark(contextValue)
	if err != nil {
		return fmt.Errorf("bind context: %w", err)
	}
	globals := starlark.StringDict{
		"context":           ctxVal,
		"llm_query":         starlark.NewBuiltin("llm_query", e.llmQuery),
		"llm_query_batched": starlark.NewBuiltin("llm_query_batched", e.llmQueryBatched),
		"FINAL":             starlark.NewBuiltin("FINAL", e.finalBuiltin),
		"FINAL_VAR":         starlark.NewBuiltin("FINAL_VAR", e.finalVarBuiltin),
	}
	if e.tier == TierREPL {
		globals["open"] = starlark.NewBuiltin("open", e.openBuiltin)
	}
	for name := range blockedModules {
		globals[name] = stubModule{name: name}
	}
	base := make(map[string]bool, len(globals))
	for name := range globals {
		base[name] = true
	}
	e.globals = globals
	e.baseNames = base
	e.contextValue = contextValue
	e.finalAnswer = nil
	e.finalVar = nil
	e.execUsage = nil
	return nil
}

// --- execution ---

// Execute validates and runs one chunk of code. Failures never surface
// as Go errors: syntax errors, sandbox violations, raised exceptions,
// and timeouts all come back as an error result whose Stderr the model
// can read and correct against.
func (e *Env) Execute(ctx context.Context, code string) relm.REPLResult {
	e.mu.Lock()
	if e.globals == nil {
		e.mu.Unlock()
		return relm.REPLResult{Stderr: "environment is not initialized; call Setup first", IsError: true}
	}
	e.execUsage = relm.UsageMap{}
	e.finalVar = nil
	e.timedOut = false
	e.mu.Unlock()

	f, err := fileOptions().Parse("<repl>", code, 0)
	if err != nil {
		return relm.REPLResult{Stderr: fmt.Sprintf("syntax error: %v", err), IsError: true}
	}
	if err := validateFile(f, e.tier); err != nil {
		return relm.REPLResult{Stderr: err.Error(), IsError: true}
	}

	stdout := &limitedWriter{limit: e.maxOutput}
	thread := &starlark.Thread{
		Name: "repl",
		Print: func(_ *starlark.Thread, msg string) {
			stdout.Write([]byte(msg + "\n"))
		},
		Load: e.load,
	}
	thread.SetLocal(ctxLocalKey, ctx)

	timer := time.AfterFunc(e.timeout, func() {
		e.mu.Lock()
		e.timedOut = true
		e.mu.Unlock()
		thread.Cancel("timeout")
	})
	defer timer.Stop()

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("context cancelled")
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	started := time.Now()
	runErr := e.run(f, thread, stdout)
	e.logger.Debug("chunk executed",
		"tier", e.tier.String(),
		"duration", time.Since(started),
		"error", runErr != nil)

	e.mu.Lock()
	defer e.mu.Unlock()

	result := relm.REPLResult{Stdout: stdout.String()}
	if runErr != nil {
		result.IsError = true
		result.Stderr = e.renderError(runErr)
	} else if e.finalVar != nil {
		name := *e.finalVar
		if v, ok := e.globals[name]; ok {
			text := stringify(v)
			e.finalAnswer = &text
		} else {
			result.IsError = true
			result.Stderr = fmt.Sprintf("FINAL_VAR: name %q is not bound", name)
		}
	}
	if len(e.execUsage) > 0 {
		result.SubCallUsage = e.execUsage.Clone()
	}
	return result
}

// run evaluates a lone expression for its value so the result echoes
// like a REPL would, and otherwise executes the chunk against the
// persistent globals.
func (e *Env) run(f *syntax.File, thread *starlark.Thread, stdout *limitedWriter) error {
	if expr := soleExpr(f); expr != nil {
		v, err := starlark.EvalExprOptions(f.Options, thread, expr, e.globals)
		if err != nil {
			return err
		}
		if v != starlark.None {
			fmt.Fprintln(stdout, v)
		}
		return nil
	}
	return starlark.ExecREPLChunk(f, thread, e.globals)
}

func soleExpr(f *syntax.File) syntax.Expr {
	if len(f.Stmts) == 1 {
		if stmt, ok := f.Stmts[0].(*syntax.ExprStmt); ok {
			return stmt.X
		}
	}
	return nil
}

// renderError assumes e.mu is held.
func (e *Env) renderError(err error) string {
	if e.timedOut {
		return fmt.Sprintf("execution timed out after %s", e.timeout)
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Backtrace()
	}
	return err.Error()
}

func (e *Env) load(_ *starlark.Thread, module string) (starlark.StringDict, error) {
	name := strings.TrimSuffix(module, ".star")
	if blockedModules[name] {
		return nil, fmt.Errorf("module %s is disabled in the sandbox", name)
	}
	switch name {
	case "json":
		return starlark.StringDict{"json": starlarkjson.Module}, nil
	case "math":
		return starlark.StringDict{"math": starlarkmath.Module}, nil
	case "time":
		return starlark.StringDict{"time": starlarktime.Module}, nil
	}
	return nil, fmt.Errorf("module %s is not on the load allowlist", name)
}

// --- inspection ---

// TakeFinal returns the pending final answer, if any, and clears it.
func (e *Env) TakeFinal() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalAnswer == nil {
		return "", false
	}
	answer := *e.finalAnswer
	e.finalAnswer = nil
	return answer, true
}

// Vars reports the user's bindings as short previews, keyed by name.
// Helpers, module stubs, underscore names, and callables are omitted.
func (e *Env) Vars() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.globals == nil {
		return nil
	}
	vars := make(map[string]string)
	for name, v := range e.globals {
		if e.baseNames[name] || strings.HasPrefix(name, "_") {
			continue
		}
		if _, ok := v.(starlark.Callable); ok {
			continue
		}
		vars[name] = preview(v)
	}
	return vars
}

func preview(v starlark.Value) string {
	s := v.String()
	r := []rune(s)
	if len(r) <= maxValuePreview {
		return s
	}
	return string(r[:maxValuePreview]) + "..."
}

// --- blocked module stubs ---

// stubModule stands in for a blocked module so attribute access fails
// with the sandbox message instead of an undefined-name error.
type stubModule struct{ name string }

var _ starlark.HasAttrs = stubModule{}

func (m stubModule) String() string        { return "<module " + m.name + ">" }
func (m stubModule) Type() string          { return "module" }
func (m stubModule) Freeze()               {}
func (m stubModule) Truth() starlark.Bool  { return starlark.False }
func (m stubModule) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: module") }

func (m stubModule) Attr(string) (starlark.Value, error) {
	return nil, fmt.Errorf("module %s is disabled in the sandbox", m.name)
}

func (m stubModule) AttrNames() []string { return nil }

// --- output capture ---

// limitedWriter caps captured output so a print loop cannot flood the
// transcript. Writes past the limit are counted but not kept.
type limitedWriter struct {
	buf       strings.Builder
	limit     int
	truncated bool
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		w.truncated = true
		return n, nil
	}
	if len(p) > remaining {
		p = p[:remaining]
		w.truncated = true
	}
	w.buf.Write(p)
	return n, nil
}

func (w *limitedWriter) String() string {
	if w.truncated {
		return w.buf.String() + "\n... [output truncated]"
	}
	return w.buf.String()
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
