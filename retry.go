package relm

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryBackend wraps a Backend and automatically retries transient failures
// (rate limits, 5xx transport errors, dropped connections) with exponential
// backoff.
type retryBackend struct {
	inner       Backend
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
	logger      *slog.Logger  // nil = nopLogger
}

// RetryOption configures a retryBackend.
type RetryOption func(*retryBackend)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryBackend) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryBackend) { r.baseDelay = d }
}

// RetryTimeout sets the overall timeout for the entire retry sequence. When
// the total time across attempts exceeds this duration, the loop gives up
// and returns the last error. The zero value (default) disables the timeout.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryBackend) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN, final failures at ERROR. If not set, a no-op logger is used.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryBackend) { r.logger = l }
}

// WithRetry wraps b with automatic retry on transient errors. Retries use
// exponential backoff with jitter; when the error carries a Retry-After
// duration, the delay is at least that long. Compose with any Backend:
//
//	backend = relm.WithRetry(backend)
//	backend = relm.WithRetry(backend, relm.RetryMaxAttempts(5))
//	backend = relm.WithRetry(backend, relm.RetryTimeout(30*time.Second))
func WithRetry(b Backend, opts ...RetryOption) Backend {
	r := &retryBackend{
		inner:       b,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Name delegates to the inner backend.
func (r *retryBackend) Name() string { return r.inner.Name() }

// Family delegates to the inner backend.
func (r *retryBackend) Family() string { return r.inner.Family() }

// Complete implements Backend with retry.
func (r *retryBackend) Complete(ctx context.Context, req LMRequest) (ChatCompletion, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.inner.Name(), r.logger, func() (ChatCompletion, error) {
		return r.inner.Complete(ctx, req)
	})
}

// StreamComplete implements StreamingBackend with retry. Retries happen only
// while no chunk has been emitted yet — once streaming has started, errors
// pass through immediately to avoid duplicating content. When the inner
// backend does not stream, the call degrades to Complete with the full text
// delivered as one chunk.
func (r *retryBackend) StreamComplete(ctx context.Context, req LMRequest, onChunk func(string)) (ChatCompletion, error) {
	sb, ok := r.inner.(StreamingBackend)
	if !ok {
		c, err := r.Complete(ctx, req)
		if err == nil && onChunk != nil {
			onChunk(c.Text)
		}
		return c, err
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var lastErr error
	for i := 0; i < r.maxAttempts; i++ {
		var chunkSent bool
		wrapped := func(chunk string) {
			chunkSent = true
			if onChunk != nil {
				onChunk(chunk)
			}
		}
		resp, err := sb.StreamComplete(ctx, req, wrapped)
		if err == nil || !IsTransient(err) || chunkSent {
			return resp, err
		}
		lastErr = err
		r.logger.Warn("retrying transient error",
			"backend", r.inner.Name(),
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", r.maxAttempts)
		if i < r.maxAttempts-1 {
			delay := retryDelay(r.baseDelay, i, err)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ChatCompletion{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	r.logger.Error("all retry attempts exhausted (stream)",
		"backend", r.inner.Name(),
		"attempts", r.maxAttempts,
		"error", lastErr)
	return ChatCompletion{}, lastErr
}

// withTimeout returns a child context with a deadline if r.timeout is set.
// If timeout is zero or ctx already has an earlier deadline, returns ctx
// unchanged. The caller must call the returned CancelFunc when done.
func (r *retryBackend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// statusOf extracts the status code from an ErrTransport, or 0.
func statusOf(err error) int {
	var e *ErrTransport
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrTransport, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrTransport
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the peer's Retry-After value (if present) as a
// minimum. The effective delay is max(backoff, retryAfter).
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryCall calls fn up to maxAttempts times, sleeping between transient failures.
func retryCall[T any](ctx context.Context, maxAttempts int, base time.Duration, name string, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !IsTransient(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying transient error",
			"backend", name,
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", maxAttempts)
		if i < maxAttempts-1 {
			delay := retryDelay(base, i, err)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"backend", name,
		"attempts", maxAttempts,
		"error", last)
	return zero, last
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// compile-time checks
var (
	_ Backend          = (*retryBackend)(nil)
	_ StreamingBackend = (*retryBackend)(nil)
)
