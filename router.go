package relm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// maxParallelSlots caps the number of concurrent backend calls a batched
// request may hold in flight. Batches larger than this queue behind a fixed
// worker pool rather than spawning a goroutine per prompt.
const maxParallelSlots = 10

// completionFloor is the minimum completion charge reserved per call before
// dispatch. The reservation is reconciled upward once actual usage is known.
const completionFloor = 16

// Router dispatches LMRequests onto registered backends. It resolves model
// preferences, enforces the turn's token budgets, fans batched requests out
// over a bounded worker pool with order preserved, and reports model-level
// failures as error-variant responses rather than Go errors.
type Router struct {
	registry  *Registry
	ledger    *Ledger
	estimator *Estimator
	parallel  int
	tracer    Tracer
	meter     Meter
	logger    *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// RouterBudget sets the per-turn token limits for root calls and for the
// shared sub-call pool. Zero disables the corresponding limit.
func RouterBudget(maxRootTokens, maxSubTokens int) RouterOption {
	return func(r *Router) { r.ledger = NewLedger(maxRootTokens, maxSubTokens) }
}

// RouterEstimator sets the token estimator used for budget projections
// (default: an approximate estimator).
func RouterEstimator(e *Estimator) RouterOption {
	return func(r *Router) { r.estimator = e }
}

// RouterParallel caps concurrent slots for batched dispatch (default: 10).
func RouterParallel(n int) RouterOption {
	return func(r *Router) { r.parallel = n }
}

// RouterTracer sets the span emitter for per-call traces.
func RouterTracer(t Tracer) RouterOption {
	return func(r *Router) { r.tracer = t }
}

// RouterMeter sets the metrics sink for per-call usage recording.
func RouterMeter(m Meter) RouterOption {
	return func(r *Router) { r.meter = m }
}

// RouterLogger sets the structured logger (default: no output).
func RouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

func NewRouter(reg *Registry, opts ...RouterOption) *Router {
	r := &Router{
		registry: reg,
		parallel: maxParallelSlots,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.estimator == nil {
		r.estimator = &Estimator{}
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Ledger exposes the router's budget ledger so the engine can reset it
// between turns. Nil when no budget was configured.
func (r *Router) Ledger() *Ledger { return r.ledger }

// Registry returns the backend registry the router dispatches to.
func (r *Router) Registry() *Registry { return r.registry }

// Estimator returns the token estimator used for budget projection.
func (r *Router) Estimator() *Estimator { return r.estimator }

// Subcall implements Subcaller. Model-level failures (resolution, budget,
// backend errors) come back as error-variant responses; the Go error is
// reserved for context cancellation.
func (r *Router) Subcall(ctx context.Context, req LMRequest) (LMResponse, error) {
	if err := ctx.Err(); err != nil {
		return LMResponse{}, err
	}
	if req.Batched {
		return r.CompleteBatched(ctx, req), nil
	}
	return r.CompleteSingle(ctx, req), nil
}

// CompleteSingle resolves and dispatches one request.
func (r *Router) CompleteSingle(ctx context.Context, req LMRequest) LMResponse {
	ctx, span := r.startSpan(ctx, "lm.call", req)
	resp := r.dispatchOne(ctx, req, nil)
	r.endSpan(span, &resp)
	return resp
}

// StreamCompletion dispatches one request with incremental delivery when
// the resolved backend supports it; otherwise the full text arrives as a
// single chunk. Root calls use this for display; correctness never depends
// on the chunks.
func (r *Router) StreamCompletion(ctx context.Context, req LMRequest, onChunk func(string)) LMResponse {
	ctx, span := r.startSpan(ctx, "lm.stream", req)
	resp := r.dispatchOne(ctx, req, onChunk)
	r.endSpan(span, &resp)
	return resp
}

// CompleteBatched fans the request's prompts out over the worker pool. The
// response preserves prompt order; failed slots carry an explanatory error
// text instead of failing the batch. The whole batch's projection is
// reserved atomically up front, so a batch either fits the budget or is
// rejected as a unit.
func (r *Router) CompleteBatched(ctx context.Context, req LMRequest) LMResponse {
	ctx, span := r.startSpan(ctx, "lm.batch", req)

	backend, err := r.registry.Resolve(req.Prefs)
	if err != nil {
		r.logger.Warn("batch resolution failed", "error", err)
		resp := ErrorResponse(ErrorKindOf(err), err.Error())
		r.endSpan(span, &resp)
		return resp
	}

	scope := ScopeFor(req.Depth)
	projected := r.estimator.CountRequest(&req) + completionFloor*len(req.Prompts)
	if err := r.ledger.Reserve(scope, projected); err != nil {
		r.logger.Warn("batch rejected by budget", "scope", scope, "projected", projected)
		resp := ErrorResponse(ErrKindBudget, err.Error())
		r.endSpan(span, &resp)
		return resp
	}

	completions := r.dispatchSlots(ctx, backend, req)

	actual := 0
	for _, c := range completions {
		actual += c.Usage.Total()
	}
	r.ledger.Reconcile(scope, projected, actual)
	r.recordUsage(ctx, completions, scope)

	resp := BatchedResponse(completions)
	if span != nil {
		span.SetAttr(IntAttr("slots", len(req.Prompts)))
	}
	r.endSpan(span, &resp)
	return resp
}

// dispatchOne runs the single-request path shared by CompleteSingle and
// StreamCompletion.
func (r *Router) dispatchOne(ctx context.Context, req LMRequest, onChunk func(string)) LMResponse {
	backend, err := r.registry.Resolve(req.Prefs)
	if err != nil {
		r.logger.Warn("resolution failed", "error", err, "depth", req.Depth)
		return ErrorResponse(ErrorKindOf(err), err.Error())
	}

	scope := ScopeFor(req.Depth)
	projected := r.estimator.CountRequest(&req) + completionFloor
	if err := r.ledger.Reserve(scope, projected); err != nil {
		r.logger.Warn("call rejected by budget",
			"scope", scope, "backend", backend.Name(), "projected", projected)
		return ErrorResponse(ErrKindBudget, err.Error())
	}

	var completion ChatCompletion
	if onChunk != nil {
		if sb, ok := backend.(StreamingBackend); ok {
			completion, err = sb.StreamComplete(ctx, req, onChunk)
		} else {
			completion, err = backend.Complete(ctx, req)
			if err == nil {
				onChunk(completion.Text)
			}
		}
	} else {
		completion, err = backend.Complete(ctx, req)
	}
	if err != nil {
		r.ledger.Reconcile(scope, projected, projected)
		r.logger.Error("backend call failed",
			"backend", backend.Name(), "scope", scope, "error", err)
		if r.meter != nil {
			r.meter.RecordLMCall(ctx, backend.Name(), scope, Usage{}, true)
		}
		return ErrorResponse(ErrorKindOf(err), fmt.Sprintf("%s: %v", backend.Name(), err))
	}

	if completion.ModelName == "" {
		completion.ModelName = backend.Name()
	}
	r.ledger.Reconcile(scope, projected, completion.Usage.Total())
	if r.meter != nil {
		r.meter.RecordLMCall(ctx, completion.ModelName, scope, completion.Usage, false)
	}
	return SingleResponse(completion)
}

// indexedSlot pairs a slot result with its position in the prompt slice so
// channel-based collection can restore order.
type indexedSlot struct {
	idx int
	c   ChatCompletion
}

// dispatchSlots runs every prompt of a batched request against the resolved
// backend and returns completions in prompt order. Single prompts run
// inline; larger batches use a fixed worker pool pulling from a shared work
// channel. The collection loop is context-aware: on cancellation the
// remaining slots are filled with error texts instead of blocking.
func (r *Router) dispatchSlots(ctx context.Context, backend Backend, req LMRequest) []ChatCompletion {
	slotReq := func(i int) LMRequest {
		return LMRequest{
			ID:      fmt.Sprintf("%s/%d", req.ID, i),
			Prompt:  req.Prompts[i],
			Prefs:   req.Prefs,
			ScopeID: req.ScopeID,
			Depth:   req.Depth,
			Caller:  req.Caller,
		}
	}

	if len(req.Prompts) == 1 {
		return []ChatCompletion{r.runSlot(ctx, backend, slotReq(0))}
	}

	resultCh := make(chan indexedSlot, len(req.Prompts))
	workCh := make(chan int, len(req.Prompts))
	for i := range req.Prompts {
		workCh <- i
	}
	close(workCh)

	numWorkers := min(len(req.Prompts), r.parallel)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for i := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedSlot{i, errorSlot(backend.Name(), ctx.Err())}
					continue
				}
				resultCh <- indexedSlot{i, r.runSlot(ctx, backend, slotReq(i))}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]ChatCompletion, len(req.Prompts))
	seen := make([]bool, len(req.Prompts))
collect:
	for received := 0; received < len(req.Prompts); received++ {
		select {
		case s, ok := <-resultCh:
			if !ok {
				break collect
			}
			results[s.idx] = s.c
			seen[s.idx] = true
		case <-ctx.Done():
			for i := range results {
				if !seen[i] {
					results[i] = errorSlot(backend.Name(), ctx.Err())
				}
			}
			return results
		}
	}
	for i := range results {
		if !seen[i] {
			results[i] = errorSlot(backend.Name(), fmt.Errorf("slot result not received"))
		}
	}
	return results
}

// runSlot executes one slot with panic recovery so a misbehaving backend
// cannot take down the whole batch.
func (r *Router) runSlot(ctx context.Context, backend Backend, req LMRequest) (out ChatCompletion) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("backend panicked", "backend", backend.Name(), "panic", p)
			out = errorSlot(backend.Name(), fmt.Errorf("panic: %v", p))
		}
	}()
	c, err := backend.Complete(ctx, req)
	if err != nil {
		return errorSlot(backend.Name(), err)
	}
	if c.ModelName == "" {
		c.ModelName = backend.Name()
	}
	return c
}

// errorSlot renders a failed batch slot as an in-place explanatory text.
// Batched callers get per-slot independence, never a failed batch.
func errorSlot(backend string, err error) ChatCompletion {
	return ChatCompletion{Text: fmt.Sprintf("error: %v", err), ModelName: backend}
}

func (r *Router) recordUsage(ctx context.Context, completions []ChatCompletion, scope string) {
	if r.meter == nil {
		return
	}
	for _, c := range completions {
		r.meter.RecordLMCall(ctx, c.ModelName, scope, c.Usage, false)
	}
}

func (r *Router) startSpan(ctx context.Context, name string, req LMRequest) (context.Context, Span) {
	if r.tracer == nil {
		return ctx, nil
	}
	return r.tracer.Start(ctx, name,
		StringAttr("scope", ScopeFor(req.Depth)),
		IntAttr("depth", req.Depth),
		StringAttr("caller", req.Caller))
}

func (r *Router) endSpan(span Span, resp *LMResponse) {
	if span == nil {
		return
	}
	if resp.IsError() {
		span.SetAttr(StringAttr("error_kind", resp.ErrorKind))
	}
	span.End()
}

// compile-time check
var _ Subcaller = (*Router)(nil)
