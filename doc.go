// Package relm is a recursive-inference runtime for language models in Go.
//
// Instead of answering in one shot, a model is given a sandboxed REPL that
// holds the user's context and a pair of helpers for issuing further LM
// calls. The model writes small programs, the runtime executes them, feeds
// the results back, and the loop continues until the model declares a final
// answer or a budget runs out.
//
// # Quick Start
//
// Wire a registry of backends into a router, bind a REPL environment, and
// run a turn through the engine:
//
//	reg := relm.NewRegistry()
//	reg.Register(backend)               // any relm.Backend implementation
//	reg.SetDefault(backend.Name())
//
//	router := relm.NewRouter(reg,
//		relm.RouterBudget(1_000_000, 400_000),
//	)
//
//	env := replenv.New(router, replenv.WithTier(replenv.TierREPL))
//	engine := relm.NewEngine(router, env)
//
//	result, err := engine.Run(ctx, relm.TurnRequest{
//		Prompt:  "How many distinct error codes appear in the log?",
//		Context: logText,
//	})
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Backend] — an LM endpoint (completion, optional streaming)
//   - [Subcaller] — anything that can answer an [LMRequest] (the router
//     locally, a wire client across a socket, a broker client inside a
//     sandbox)
//   - [Tracer] — pluggable span emission, with an OTEL adapter in observer
//
// # Included Components
//
// Execution: replenv (sandboxed Starlark REPL with persistent namespace).
// Transport: wire (length-prefixed JSON frames over TCP), broker (HTTP
// queue for network-isolated sandboxes). Tools: mcp plus gateway (a
// retrieval tool server speaking JSON-RPC over stdio and HTTP).
//
// See cmd/relm and cmd/relm-broker for the runnable servers.
package relm
