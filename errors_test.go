package relm

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrBudgetError(t *testing.T) {
	tests := []struct {
		scope     string
		limit     int
		used      int
		requested int
		want      string
	}{
		{"root", 1000, 900, 200, "root budget exceeded: 900 used + 200 requested > limit 1000"},
		{"sub", 400, 400, 1, "sub budget exceeded: 400 used + 1 requested > limit 400"},
	}
	for _, tt := range tests {
		e := &ErrBudget{Scope: tt.scope, Limit: tt.limit, Used: tt.used, Requested: tt.requested}
		if got := e.Error(); got != tt.want {
			t.Errorf("ErrBudget.Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestErrResolutionError(t *testing.T) {
	tests := []struct {
		name string
		hint string
		want string
	}{
		{"gpt-5-mini", "", `no backend for model "gpt-5-mini"`},
		{"claude", "registered: local-7b", `no backend for model "claude": registered: local-7b`},
	}
	for _, tt := range tests {
		e := &ErrResolution{Name: tt.name, Hint: tt.hint}
		if got := e.Error(); got != tt.want {
			t.Errorf("ErrResolution.Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestErrorTypesImplementError(t *testing.T) {
	var _ error = (*ErrBudget)(nil)
	var _ error = (*ErrResolution)(nil)
	var _ error = (*ErrInvariant)(nil)
	var _ error = (*ErrBackend)(nil)
	var _ error = (*ErrTransport)(nil)
}

func TestErrorKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"budget", &ErrBudget{Scope: "sub"}, ErrKindBudget},
		{"wrapped budget", fmt.Errorf("dispatch: %w", &ErrBudget{Scope: "root"}), ErrKindBudget},
		{"resolution", &ErrResolution{Name: "x"}, ErrKindResolution},
		{"invariant", &ErrInvariant{Op: "op", Reason: "r"}, ErrKindInternal},
		{"deadline", context.DeadlineExceeded, ErrKindTimeout},
		{"plain", errors.New("boom"), ErrKindBackend},
		{"backend", &ErrBackend{Backend: "local", Message: "boom"}, ErrKindBackend},
	}
	for _, tt := range tests {
		if got := ErrorKindOf(tt.err); got != tt.want {
			t.Errorf("ErrorKindOf(%s) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "deadline exceeded" }
func (timeoutErr) Timeout() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"server 500", &ErrTransport{Status: 500, Body: "oops"}, true},
		{"rate limited", &ErrTransport{Status: 429, Body: "slow down"}, true},
		{"server 400", &ErrTransport{Status: 400, Body: "bad request"}, false},
		{"timeout iface", timeoutErr{}, true},
		{"refused", errors.New("dial tcp 127.0.0.1:9771: connection refused"), true},
		{"reset", errors.New("read: connection reset by peer"), true},
		{"eof", errors.New("unexpected EOF"), true},
		{"plain", errors.New("model rejected the prompt"), false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
