package relm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Environment is the execution surface the engine drives: a persistent
// sandboxed namespace holding the user's context, with the llm_query
// helpers wired back into the router. replenv.Env is the in-process
// implementation; wire.Client-backed setups satisfy it remotely.
type Environment interface {
	// Setup initializes the namespace with the user's context value.
	// Called once at the start of every turn.
	Setup(ctx context.Context, contextValue any) error
	// Execute runs one chunk of code. Failures come back inside the
	// result, never as a Go error.
	Execute(ctx context.Context, code string) REPLResult
	// TakeFinal returns the pending final answer, if any, and clears it.
	TakeFinal() (string, bool)
	// Vars reports the user's bindings as short previews, keyed by name.
	Vars() map[string]string
	// Reset restores the namespace to its post-Setup state.
	Reset()
}

// TurnRequest is one task for the engine.
type TurnRequest struct {
	// Prompt is the user's task. Required.
	Prompt string
	// Context is the payload bound as `context` in the environment.
	// Usually far larger than anything the model could read directly.
	Context any
	// Model optionally names the root model; empty falls through to the
	// engine's configured root model, then the registry default.
	Model string
	// ScopeID identifies the turn for budgets and tracing. Generated
	// when empty.
	ScopeID string
}

const (
	defaultMaxIterations    = 10
	defaultMaxErrors        = 3
	defaultCompactThreshold = 50_000
	defaultKeepRecent       = 2
)

// Engine runs the iterate loop: ask the root model for a reply, execute
// its ```repl blocks in the environment, feed results back, and stop on
// FINAL, iteration exhaustion, budget exhaustion, or cancellation.
type Engine struct {
	router *Router
	env    Environment

	maxIter          int
	maxErrors        int
	compactThreshold int
	keepRecent       int
	rootModel        string
	estimator        *Estimator
	tracer           Tracer
	logger           *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMaxIterations caps loop iterations per turn. The default is 10.
func WithMaxIterations(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxIter = n
		}
	}
}

// WithMaxErrors sets how many consecutive failed iterations end the
// turn early. An iteration fails when the root call fails or every one
// of its blocks errors. The default is 3.
func WithMaxErrors(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxErrors = n
		}
	}
}

// WithCompactThreshold sets the estimated transcript token count at
// which old iterations are folded into a summary. Zero keeps the
// default of 50000; negative disables compaction.
func WithCompactThreshold(tokens int) EngineOption {
	return func(e *Engine) {
		if tokens != 0 {
			e.compactThreshold = tokens
		}
	}
}

// WithKeepRecent sets how many recent iterations compaction preserves
// verbatim. The default is 2.
func WithKeepRecent(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.keepRecent = n
		}
	}
}

// WithRootModel names the model that drives the loop. Empty falls
// through to the registry default.
func WithRootModel(name string) EngineOption {
	return func(e *Engine) { e.rootModel = name }
}

// WithTracer enables span emission for turns, iterations, executions,
// and compaction.
func WithTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithLogger sets the logger. Logging is off by default.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine builds an engine over a router and an environment. The
// environment's sub-calls should route to the same router so one turn
// draws on one budget ledger.
func NewEngine(router *Router, env Environment, opts ...EngineOption) *Engine {
	e := &Engine{
		router:           router,
		env:              env,
		maxIter:          defaultMaxIterations,
		maxErrors:        defaultMaxErrors,
		compactThreshold: defaultCompactThreshold,
		keepRecent:       defaultKeepRecent,
		estimator:        router.Estimator(),
		logger:           nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.estimator == nil {
		e.estimator = &Estimator{}
	}
	return e
}

// Run executes one turn to completion. A turn that is cancelled or
// runs out of iterations, errors, or budget still returns its best
// result, with the Cancelled or Exhausted flag set; the error return
// is for setup failures only. An Engine runs one turn at a time.
func (e *Engine) Run(ctx context.Context, req TurnRequest) (TurnCompletion, error) {
	return e.run(ctx, req, nil)
}

// RunStream is Run with live events: model output chunks, block
// executions, and the final answer are emitted into ch as they happen.
// The channel is closed when the turn completes.
func (e *Engine) RunStream(ctx context.Context, req TurnRequest, ch chan<- TurnEvent) (TurnCompletion, error) {
	return e.run(ctx, req, ch)
}

func (e *Engine) run(ctx context.Context, req TurnRequest, ch chan<- TurnEvent) (TurnCompletion, error) {
	// safeCloseCh closes the streaming channel exactly once across all
	// exit paths.
	var closeOnce sync.Once
	safeCloseCh := func() {
		if ch != nil {
			closeOnce.Do(func() {
				defer func() { recover() }()
				close(ch)
			})
		}
	}

	if strings.TrimSpace(req.Prompt) == "" {
		safeCloseCh()
		return TurnCompletion{}, &ErrInvariant{Op: "run", Reason: "empty prompt"}
	}
	scopeID := req.ScopeID
	if scopeID == "" {
		scopeID = NewID()
	}

	emit := func(ev TurnEvent) {
		if ch == nil {
			return
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	}

	if err := e.env.Setup(ctx, req.Context); err != nil {
		safeCloseCh()
		return TurnCompletion{}, fmt.Errorf("set up environment: %w", err)
	}
	if ledger := e.router.Ledger(); ledger != nil {
		ledger.ResetTurn()
	}

	turnCtx := ctx
	if e.tracer != nil {
		var turnSpan Span
		turnCtx, turnSpan = e.tracer.Start(ctx, "engine.turn",
			StringAttr("scope_id", scopeID),
			IntAttr("max_iterations", e.maxIter))
		defer turnSpan.End()
	}

	emit(TurnEvent{Type: EventTurnStart, Content: scopeID})

	messages := []ChatMessage{
		SystemMessage(rootSystemPrompt(e.maxIter)),
		UserMessage(req.Prompt),
	}

	usage := UsageMap{}
	var iterations []Iteration
	errorStreak := 0
	exhaustedByBudget := false

	for i := 0; i < e.maxIter; i++ {
		if turnCtx.Err() != nil {
			safeCloseCh()
			return e.cancelled(iterations, usage), nil
		}

		iterCtx := turnCtx
		var iterSpan Span
		if e.tracer != nil {
			iterCtx, iterSpan = e.tracer.Start(turnCtx, "engine.iteration",
				IntAttr("iteration", i))
		}
		endIter := func() {
			if iterSpan != nil {
				iterSpan.End()
			}
		}

		emit(TurnEvent{Type: EventIterationStart, Iteration: i})

		resp := e.rootCall(iterCtx, req, scopeID, messages, emit, ch != nil, i)
		if resp.IsError() {
			endIter()
			if resp.ErrorKind == ErrKindBudget {
				e.logger.Warn("root budget exhausted",
					"scope_id", scopeID, "iteration", i)
				exhaustedByBudget = true
				break
			}
			errorStreak++
			e.logger.Warn("root call failed",
				"scope_id", scopeID, "iteration", i,
				"kind", resp.ErrorKind, "error", resp.Message)
			iterations = append(iterations, Iteration{Index: i, Output: "error: " + resp.Message})
			if errorStreak >= e.maxErrors {
				break
			}
			continue
		}

		output := resp.ChatCompletion.Text
		usage.Merge(resp.UsageByModel())
		messages = append(messages, AssistantMessage(output))

		iter := Iteration{Index: i, Output: output}

		codes := ExtractBlocks(output)
		allErrored := len(codes) > 0
		for _, code := range codes {
			emit(TurnEvent{Type: EventBlockStart, Iteration: i, Content: code})
			res := e.env.Execute(iterCtx, code)
			iter.Blocks = append(iter.Blocks, ExecutedBlock{Code: code, Result: res})
			usage.Merge(res.SubCallUsage)
			if !res.IsError {
				allErrored = false
			}
			emit(TurnEvent{Type: EventBlockResult, Iteration: i, Result: &res})
		}

		// A FINAL set from code wins over one written in prose.
		if answer, ok := e.env.TakeFinal(); ok {
			iter.HasFinal = true
			iter.Final = answer
		} else if answer, ok := FindFinal(output); ok {
			iter.HasFinal = true
			iter.Final = answer
		}

		if len(iter.Blocks) > 0 {
			messages = append(messages, UserMessage(FormatResults(iter.Blocks, e.env.Vars())))
		} else if !iter.HasFinal {
			messages = append(messages, UserMessage(continueNudge))
		}

		iterations = append(iterations, iter)

		if iter.HasFinal {
			endIter()
			emit(TurnEvent{Type: EventFinal, Iteration: i, Content: iter.Final})
			emit(TurnEvent{Type: EventTurnEnd})
			safeCloseCh()
			e.logger.Info("turn complete",
				"scope_id", scopeID, "iterations", len(iterations))
			return TurnCompletion{Answer: iter.Final, Iterations: iterations, Usage: usage}, nil
		}

		// A sub-call that ran into the budget surfaces to the model only
		// as an error string, so ask the ledger directly.
		if ledger := e.router.Ledger(); ledger != nil && ledger.Denied(BudgetSub) {
			endIter()
			e.logger.Warn("sub-call budget exhausted",
				"scope_id", scopeID, "iteration", i)
			exhaustedByBudget = true
			break
		}

		if allErrored {
			errorStreak++
			if errorStreak >= e.maxErrors {
				endIter()
				e.logger.Warn("error ceiling reached",
					"scope_id", scopeID, "iteration", i, "streak", errorStreak)
				break
			}
		} else {
			errorStreak = 0
		}

		if e.compactThreshold > 0 && e.estimator.CountMessages(messages) > e.compactThreshold {
			var folded int
			messages, folded = e.compact(iterCtx, scopeID, messages, usage)
			if folded > 0 {
				markCompacted(iterations, folded)
				emit(TurnEvent{Type: EventCompaction, Iteration: i})
			}
		}
		endIter()
	}

	if turnCtx.Err() != nil {
		safeCloseCh()
		return e.cancelled(iterations, usage), nil
	}

	// Out of iterations, errors, or budget: force a direct answer from
	// what the model has so far.
	e.logger.Warn("turn exhausted, forcing final answer",
		"scope_id", scopeID,
		"iterations", len(iterations),
		"budget", exhaustedByBudget)
	completion := TurnCompletion{Iterations: iterations, Usage: usage, Exhausted: true}

	if exhaustedByBudget {
		completion.Answer = budgetExhaustedAnswer
	} else {
		synthCtx := turnCtx
		if e.tracer != nil {
			var synthSpan Span
			synthCtx, synthSpan = e.tracer.Start(turnCtx, "engine.synthesis",
				BoolAttr("forced", true))
			defer synthSpan.End()
		}
		messages = append(messages, UserMessage(forcedAnswerPrompt(e.env.Vars())))
		resp := e.rootCall(synthCtx, req, scopeID, messages, emit, ch != nil, len(iterations))
		if resp.IsError() {
			e.logger.Warn("forced synthesis failed",
				"scope_id", scopeID, "kind", resp.ErrorKind, "error", resp.Message)
		} else {
			usage.Merge(resp.UsageByModel())
			answer := resp.ChatCompletion.Text
			if a, ok := FindFinal(answer); ok {
				answer = a
			}
			completion.Answer = answer
		}
	}
	if completion.Answer == "" {
		completion.Answer = lastOutput(iterations)
	}
	emit(TurnEvent{Type: EventTurnEnd})
	safeCloseCh()
	return completion, nil
}

// rootCall issues one root-scope model call, streaming output deltas
// when the turn is streaming.
func (e *Engine) rootCall(ctx context.Context, req TurnRequest, scopeID string, messages []ChatMessage, emit func(TurnEvent), streaming bool, iteration int) LMResponse {
	lmReq := LMRequest{
		ID:       NewID(),
		Messages: messages,
		ScopeID:  scopeID,
		Depth:    0,
		Caller:   "engine",
	}
	model := req.Model
	if model == "" {
		model = e.rootModel
	}
	if model != "" {
		lmReq.Prefs = &ModelPreferences{Model: model}
	}
	if streaming {
		return e.router.StreamCompletion(ctx, lmReq, func(chunk string) {
			emit(TurnEvent{Type: EventOutputDelta, Iteration: iteration, Content: chunk})
		})
	}
	return e.router.CompleteSingle(ctx, lmReq)
}

func (e *Engine) cancelled(iterations []Iteration, usage UsageMap) TurnCompletion {
	return TurnCompletion{
		Answer:     lastOutput(iterations),
		Iterations: iterations,
		Usage:      usage,
		Cancelled:  true,
	}
}

// lastOutput returns the most recent model output that was not itself
// an error marker, as the best-so-far answer.
func lastOutput(iterations []Iteration) string {
	for i := len(iterations) - 1; i >= 0; i-- {
		out := iterations[i].Output
		if out != "" && !strings.HasPrefix(out, "error: ") {
			return out
		}
	}
	return ""
}

// markCompacted flags the oldest n unflagged iterations as folded.
func markCompacted(iterations []Iteration, n int) {
	for i := range iterations {
		if n == 0 {
			return
		}
		if !iterations[i].Compacted {
			iterations[i].Compacted = true
			n--
		}
	}
}

// nopLogger is a logger that discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
