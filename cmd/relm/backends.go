package main

import (
	"context"
	"fmt"
	"log/slog"

	relm "github.com/relmlabs/relm"
	"github.com/relmlabs/relm/internal/config"
	"github.com/relmlabs/relm/wire"
)

// socketBackend answers completions over the frame protocol: each Complete
// is one request/response roundtrip against a remote LM handler.
type socketBackend struct {
	name   string
	family string
	client *wire.Client
}

func newSocketBackend(cfg config.BackendConfig) *socketBackend {
	return &socketBackend{
		name:   cfg.Name,
		family: cfg.Family,
		client: wire.NewClient(cfg.Addr),
	}
}

func (b *socketBackend) Name() string   { return b.name }
func (b *socketBackend) Family() string { return b.family }

func (b *socketBackend) Complete(ctx context.Context, req relm.LMRequest) (relm.ChatCompletion, error) {
	resp, err := b.client.Subcall(ctx, req)
	if err != nil {
		return relm.ChatCompletion{}, err
	}
	kind, err := resp.ResolveKind()
	if err != nil {
		return relm.ChatCompletion{}, err
	}
	switch kind {
	case relm.KindSingle:
		c := *resp.ChatCompletion
		if c.ModelName == "" {
			c.ModelName = b.name
		}
		return c, nil
	case relm.KindError:
		return relm.ChatCompletion{}, &relm.ErrBackend{Backend: b.name, Message: resp.Message}
	default:
		return relm.ChatCompletion{}, &relm.ErrInvariant{
			Op:     "socket complete",
			Reason: fmt.Sprintf("handler returned %s variant for a single request", kind),
		}
	}
}

// echoBackend answers with its own prompt. Useful for smoke-testing the
// loop without a model attached.
type echoBackend struct {
	name string
}

func (b *echoBackend) Name() string   { return b.name }
func (b *echoBackend) Family() string { return "echo" }

func (b *echoBackend) Complete(_ context.Context, req relm.LMRequest) (relm.ChatCompletion, error) {
	text := req.PromptText()
	return relm.ChatCompletion{
		Text:      text,
		ModelName: b.name,
		Usage:     relm.Usage{PromptTokens: len(text) / 4, CompletionTokens: len(text) / 4},
	}, nil
}

// buildBackend maps one config entry onto a backend implementation.
// Socket backends cross a network and get the retry wrapper; echo is
// in-process and does not.
func buildBackend(cfg config.BackendConfig, logger *slog.Logger) (relm.Backend, error) {
	switch cfg.Kind {
	case "socket":
		if cfg.Addr == "" {
			return nil, fmt.Errorf("backend %q: socket kind requires addr", cfg.Name)
		}
		return relm.WithRetry(newSocketBackend(cfg), relm.RetryLogger(logger)), nil
	case "echo":
		return &echoBackend{name: cfg.Name}, nil
	default:
		return nil, fmt.Errorf("backend %q: unknown kind %q", cfg.Name, cfg.Kind)
	}
}

var (
	_ relm.Backend = (*socketBackend)(nil)
	_ relm.Backend = (*echoBackend)(nil)
)
