// Command relm runs the recursion runtime as an MCP server: the retrieval
// tool gateway plus the complete tool backed by the recursion engine.
//
// By default the server speaks MCP over stdio. Set gateway.http_addr (or
// RELM_GATEWAY_HTTP_ADDR) to serve over HTTP instead. When wire.listen_addr
// is set the router is also exposed on a frame socket so that sandboxed
// REPL processes can issue sub-calls.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	relm "github.com/relmlabs/relm"
	"github.com/relmlabs/relm/gateway"
	"github.com/relmlabs/relm/ingest"
	"github.com/relmlabs/relm/internal/config"
	"github.com/relmlabs/relm/mcp"
	"github.com/relmlabs/relm/observer"
	"github.com/relmlabs/relm/replenv"
	"github.com/relmlabs/relm/wire"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmsgprefix)
	log.SetPrefix("[relm] ")

	cfg := config.Load(os.Getenv("RELM_CONFIG"))
	if len(cfg.Backends) == 0 {
		log.Fatal("no backends configured; add [[backends]] entries to relm.toml")
	}

	// Stdout carries the MCP stdio transport, so logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Observability
	var (
		inst   *observer.Instruments
		tracer relm.Tracer
		meter  relm.Meter
	)
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(shutCtx); err != nil {
				log.Printf("observer shutdown: %v", err)
			}
		}()
		tracer = observer.NewTracer()
		meter = observer.NewMeter(inst)
	}

	// Backend registry
	registry := relm.NewRegistry()
	for _, bc := range cfg.Backends {
		backend, err := buildBackend(bc, logger)
		if err != nil {
			log.Fatalf("configure backend: %v", err)
		}
		if inst != nil {
			backend = observer.WrapBackend(backend, inst)
		}
		if err := registry.Register(backend); err != nil {
			log.Fatalf("register backend: %v", err)
		}
		if bc.Default {
			if err := registry.SetDefault(bc.Name); err != nil {
				log.Fatalf("set default backend: %v", err)
			}
		}
	}

	// Router with per-turn budgets
	router := relm.NewRouter(registry,
		relm.RouterBudget(cfg.Budget.MaxRootTokens, cfg.Budget.MaxSubTokens),
		relm.RouterTracer(tracer),
		relm.RouterMeter(meter),
		relm.RouterLogger(logger),
	)

	// Frame socket for sandboxed sub-callers
	if cfg.Wire.ListenAddr != "" {
		ws := wire.NewServer(router, wire.WithLogger(logger))
		go func() {
			if err := ws.ListenAndServe(cfg.Wire.ListenAddr); err != nil {
				log.Printf("wire server: %v", err)
			}
		}()
		defer ws.Close()
		log.Printf("sub-call socket on %s", cfg.Wire.ListenAddr)
	}

	tier := replenv.TierREPL
	if cfg.Sandbox.Tier == "strict" {
		tier = replenv.TierStrict
	}
	execTimeout := time.Duration(cfg.Sandbox.TimeoutSeconds) * time.Second

	// One engine per turn: the gateway asks for a fresh runner each time
	// the complete tool fires.
	newRunner := func() (gateway.Runner, error) {
		env := replenv.New(router,
			replenv.WithTier(tier),
			replenv.WithTimeout(execTimeout),
			replenv.WithLogger(logger),
		)
		eng := relm.NewEngine(router, env,
			relm.WithMaxIterations(cfg.Engine.MaxIterations),
			relm.WithMaxErrors(cfg.Engine.MaxErrors),
			relm.WithCompactThreshold(cfg.Engine.CompactThreshold),
			relm.WithKeepRecent(cfg.Engine.KeepRecent),
			relm.WithRootModel(cfg.Engine.RootModel),
			relm.WithTracer(tracer),
			relm.WithLogger(logger),
		)
		return eng, nil
	}

	gw, err := gateway.New(cfg.Gateway.AllowedRoots,
		gateway.WithSessionTTL(time.Duration(cfg.Gateway.SessionTTLMinutes)*time.Minute),
		gateway.WithMaxReadBytes(cfg.Gateway.MaxReadBytes),
		gateway.WithRunnerFactory(newRunner),
		gateway.WithContextLoader(ingest.Load),
		gateway.WithTracer(tracer),
		gateway.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("gateway: %v", err)
	}
	defer gw.Close()

	srv := mcp.New("relm", version)
	gw.Register(srv)

	if cfg.Gateway.HTTPAddr != "" {
		var opts []mcp.HTTPOption
		if cfg.Gateway.AuthToken != "" {
			opts = append(opts, mcp.WithAuth(mcp.AuthConfig{Token: cfg.Gateway.AuthToken}))
		}
		hs := mcp.NewHTTPServer(srv, opts...)
		go func() {
			log.Printf("serving MCP over HTTP on %s", cfg.Gateway.HTTPAddr)
			if err := hs.ListenAndServe(cfg.Gateway.HTTPAddr); err != nil {
				log.Fatalf("http server: %v", err)
			}
		}()
		<-ctx.Done()
		log.Println("shutting down...")
		if err := hs.Close(); err != nil {
			log.Printf("close: %v", err)
		}
		return
	}

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("serve: %v", err)
	}
}
