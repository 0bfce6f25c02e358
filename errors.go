package relm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrBudget reports a token ledger that cannot admit a request. Scope is
// "root" or "sub".
type ErrBudget struct {
	Scope     string
	Limit     int
	Used      int
	Requested int
}

func (e *ErrBudget) Error() string {
	return fmt.Sprintf("%s budget exceeded: %d used + %d requested > limit %d", e.Scope, e.Used, e.Requested, e.Limit)
}

// ErrResolution reports model preferences that name a backend the registry
// does not have. Explicit names never fall back silently.
type ErrResolution struct {
	Name string
	Hint string
}

func (e *ErrResolution) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("no backend for model %q: %s", e.Name, e.Hint)
	}
	return fmt.Sprintf("no backend for model %q", e.Name)
}

// ErrInvariant reports a broken internal invariant, such as an LMResponse
// with no variant. These are programming errors and fail fast.
type ErrInvariant struct {
	Op     string
	Reason string
}

func (e *ErrInvariant) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// ErrBackend reports a failure inside a backend call.
type ErrBackend struct {
	Backend string
	Message string
}

func (e *ErrBackend) Error() string {
	return fmt.Sprintf("%s: %s", e.Backend, e.Message)
}

// ErrTransport reports a failed exchange with a remote peer (broker,
// socket server, tool gateway). RetryAfter, when non-zero, carries the
// peer's requested backoff.
type ErrTransport struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrTransport) Error() string {
	return fmt.Sprintf("transport %d: %s", e.Status, e.Body)
}

// ErrorKindOf maps an error onto the wire error kind carried by
// error-variant responses.
func ErrorKindOf(err error) string {
	var budget *ErrBudget
	if errors.As(err, &budget) {
		return ErrKindBudget
	}
	var res *ErrResolution
	if errors.As(err, &res) {
		return ErrKindResolution
	}
	var inv *ErrInvariant
	if errors.As(err, &inv) {
		return ErrKindInternal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	return ErrKindBackend
}

// IsTransient reports whether err is a transient network/server error that
// should be retried.
func IsTransient(err error) bool {
	var transport *ErrTransport
	if errors.As(err, &transport) {
		return transport.Status == 429 || transport.Status >= 500
	}
	// net/http wraps network errors — check for timeout.
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Connection refused, reset, etc.
	errMsg := err.Error()
	return strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "EOF")
}
