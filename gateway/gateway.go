package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/relmlabs/relm"
	"github.com/relmlabs/relm/mcp"
)

const (
	defaultSessionTTL      = 30 * time.Minute
	defaultCleanupInterval = time.Minute
	defaultMaxReadBytes    = 1 << 20 // per-file read cap
)

// Runner executes one recursion-engine turn. *relm.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, req relm.TurnRequest) (relm.TurnCompletion, error)
}

// RunnerFactory builds a fresh Runner for one complete call. An engine runs
// one turn at a time, so concurrent complete calls each get their own.
type RunnerFactory func() (Runner, error)

// ContextLoader turns a validated file path into the context string bound
// into the engine. ingest.Load is the standard implementation.
type ContextLoader func(path string) (string, error)

// Gateway is the retrieval tool server: it owns the session table, the path
// validator, and the engine factory, and registers the toolset on an MCP
// server.
type Gateway struct {
	validator *PathValidator
	sessions  *sessionManager
	newRunner RunnerFactory
	loadCtx   ContextLoader

	maxReadBytes int64
	tracer       relm.Tracer
	logger       *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithSessionTTL sets the idle expiry for sessions. The default is 30m.
func WithSessionTTL(ttl time.Duration) Option {
	return func(g *Gateway) {
		if ttl > 0 {
			g.sessions = newSessionManager(ttl)
		}
	}
}

// WithRunnerFactory wires the complete tool to the recursion engine. Without
// it the complete tool reports that no engine is configured.
func WithRunnerFactory(f RunnerFactory) Option {
	return func(g *Gateway) { g.newRunner = f }
}

// WithContextLoader sets the loader used when complete is given a
// context_path instead of inline context.
func WithContextLoader(l ContextLoader) Option {
	return func(g *Gateway) { g.loadCtx = l }
}

// WithMaxReadBytes caps how much of any single file the tools will read.
func WithMaxReadBytes(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxReadBytes = n
		}
	}
}

// WithTracer enables span emission for tool calls.
func WithTracer(t relm.Tracer) Option {
	return func(g *Gateway) { g.tracer = t }
}

// WithLogger sets the logger. Logging is off by default.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// New builds a gateway confined to the given roots.
func New(allowedRoots []string, opts ...Option) (*Gateway, error) {
	validator, err := NewPathValidator(allowedRoots)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		validator:    validator,
		sessions:     newSessionManager(defaultSessionTTL),
		maxReadBytes: defaultMaxReadBytes,
		logger:       nopLogger,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.sessions.start(defaultCleanupInterval)
	return g, nil
}

// Close stops the session cleanup loop.
func (g *Gateway) Close() {
	g.sessions.close()
}

// Register adds the full toolset to srv.
func (g *Gateway) Register(srv *mcp.Server) {
	for _, t := range g.toolHandlers() {
		srv.AddTool(t)
	}
}

// toolHandlers returns the toolset in its published order.
func (g *Gateway) toolHandlers() []mcp.ToolHandler {
	return []mcp.ToolHandler{
		{
			Definition: mcp.ToolDefinition{
				Name:        "session.create",
				Description: "Create a retrieval session. All other tools take the returned session id.",
				InputSchema: objSchema(nil),
			},
			Execute: g.handleSessionCreate,
		},
		{
			Definition: mcp.ToolDefinition{
				Name:        "session.close",
				Description: "Close a session and discard its state.",
				InputSchema: objSchema(map[string]any{
					"session_id": strProp("Session id from session.create"),
				}, "session_id"),
			},
			Execute: g.handleSessionClose,
		},
		{
			Definition: mcp.ToolDefinition{
				Name:        "session.info",
				Description: "Summarize a session: age, usage totals, span/chunk/handle counts.",
				InputSchema: objSchema(map[string]any{
					"session_id": strProp("Session id"),
				}, "session_id"),
			},
			Execute: g.handleSessionInfo,
		},
		{
			Definition: mcp.ToolDefinition{
				Name:        "fs.list",
				Description: "List a directory with per-entry metadata. Paths are confined to the allowed roots.",
				InputSchema: objSchema(map[string]any{
					"session_id": strProp("Session id"),
					"path":       strProp("Directory to list; relative paths resolve against the allowed roots"),
				}, "session_id", "path"),
				OutputSchema: objSchema(map[string]any{
					"path": strProp("Resolved directory path"),
					"entries": map[string]any{
						"type":        "array",
						"description": "Entries in name order",
						"items": objSchema(map[string]any{
							"name":  strProp("Entry name"),
							"dir":   map[string]any{"type": "boolean"},
							"size":  map[string]any{"type": "integer"},
							"mtime": strProp("Modification time, RFC 3339"),
						}),
					},
				}, "path", "entries"),
			},
			Execute: g.handleFsList,
		},
		{
			Definition: mcp.ToolDefinition{
				Name:        "fs.manifest",
				Description: "Recursive file tree with metadata, bounded by depth and file count.",
				InputSchema: objSchema(map[string]any{
					"session_id": strProp("Session id"),
					"path":       strProp("Root of the tree"),
					"max_depth":  intProp("Depth bound; default 4"),
					"max_files":  intProp("File count bound; default 500"),
				}, "session_id", "path"),
			},
			Execute: g.handleFsManifest,
		},
		{
			Definition: mcp.ToolDefinition{
				Name:        "fs.read",
				Description: "Read a whole file, size-capped, with provenance recorded.",
				InputSchema: objSchema(map[string]any{
					"session_id": strProp("Session id"),
					"path":       strProp("File to read"),
				}, "session_id", "path"),
			},
			Execute: g.handleFsRead,
		},
		{
			Definition: mcp.ToolDefinition{
				Name:        "fs.handle.create",
				Description: "Create a stable handle for a path, pinning its current mtime and size. Chunkings made against the handle report staleness when the file changes.",
				InputSchema: objSchema(map[string]any{
					"session_id": strProp("Session id"),
					"path":       strProp("File to pin"),
				}, "session_id", "path"),
			},
			Execute: g.handleHandleCreate,
		},
		{
			Definition: mcp.ToolDefinition{
				Name:        "search.query",
				Description: "Scored substring search over files under the allowed roots. Phrase matches rank above word-start matches, which rank above bare substrings.",
				InputSchema: objSchema(map[string]any{
					"session_id": strProp("Session id"),
					"query":      strProp("Search text"),
					"path":       strProp("Subtree to search; default all roots"),
					"include": map[string]any{
						"type":        "array",
						"description": "Glob patterns on the file name, e.g. *.go",
						"items":       map[string]any{"type": "string"},
					},
					"max_results": intProp("Result cap; default 20"),
				}, "session_id", "query"),
				OutputSchema: objSchema(map[string]any{
					"results": map[string]any{
						"type": "array",
						"items": objSchema(map[string]any{
							"path":  strProp("File path"),
							"line":  intProp("1-based line number"),
							"text":  strProp("Matching line"),
							"score": map[string]any{"type": "number"},
						}),
					},
					"truncated": map[string]any{"type": "boolean"},
				}, "results"),
			},
			Execute: g.handleSearchQuery,
		},
		{
			Definition: mcp.ToolDefinition{
				Name:        "search.regex",
				Description: "Regex scan over files under the allowed roots, bounded by result count.",
				InputSchema: objSchema(map[string]any{
					"session_id": strProp("Session id"),
					"pattern":    strProp("Go regexp"),
					"path":       strProp("Subtree to search; default all roots"),
					"include": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
					"max_results": intProp("Result cap; default 20"),
				}, "session_id", "pattern"),
			},
			Execute: g.handleSearchRegex,
		},
		{
			Definition: mcp.ToolDefinition{
				Name:        "span.read",
				Description: "Read a line range from a file. Bounds clamp to the file; every read records provenance and repeat reads of the same range warn.",
				InputSchema: objSchema(map[string]any{
					"session_id": strProp("Session id"),
					"path":       strProp("File to read"),
					"start_line": intProp("1-based first line"),
					"end_line":   intProp("1-based last line, inclusive"),
				}, "session_id", "path", "start_line", "end_line"),
			},
			Execute: g.handleSpanRead,
		},
		{
			Definition: mcp.ToolDefinition{
				Name:        "chunk.create",
				Description: "Split a file into deterministic line chunks (fixed or overlap strategy). Boundaries persist for later chunk.get calls.",
				InputSchema: objSchema(map[string]any{
					"session_id": strProp("Session id"),
					"path":       strProp("File to chunk"),
					"handle_id":  strProp("Optional fs.handle id; lets chunk.get detect stale bounds"),
					"strategy":   strProp("fixed or overlap; default fixed"),
					"chunk_size": intProp("Lines per chunk; default 100"),
					"overlap":    intProp("Overlapping lines between neighbors (overlap strategy); default 10"),
				}, "session_id", "path"),
			},
			Execute: g.handleChunkCreate,
		},
		{
			Definition: mcp.ToolDefinition{
				Name:        "chunk.get",
				Description: "Read one chunk by chunking id and index, using the bounds persisted at creation. Shrunken files clip with a warning rather than an error.",
				InputSchema: objSchema(map[string]any{
					"session_id":  strProp("Session id"),
					"chunking_id": strProp("Id from chunk.create"),
					"index":       intProp("0-based chunk index"),
				}, "session_id", "chunking_id", "index"),
			},
			Execute: g.handleChunkGet,
		},
		{
			Definition: mcp.ToolDefinition{
				Name:        "provenance.report",
				Description: "Report every snippet surfaced in this session: path, line range, content hash, source tool.",
				InputSchema: objSchema(map[string]any{
					"session_id": strProp("Session id"),
				}, "session_id"),
			},
			Execute: g.handleProvenanceReport,
		},
		{
			Definition: mcp.ToolDefinition{
				Name:        "complete",
				Description: "Run the recursion engine over a prompt plus the session context. The model works in a sandboxed REPL holding the context and may issue sub-calls; returns the final answer with iteration and usage detail.",
				InputSchema: objSchema(map[string]any{
					"session_id":   strProp("Session id"),
					"prompt":       strProp("The task"),
					"context":      strProp("Inline context; bound as `context` in the REPL"),
					"context_path": strProp("File to load as context (text, PDF, or HTML); overrides any context bound earlier"),
					"model":        strProp("Optional root model name"),
				}, "session_id", "prompt"),
				OutputSchema: objSchema(map[string]any{
					"answer":     strProp("Final answer"),
					"iterations": intProp("Loop iterations used"),
					"usage": map[string]any{
						"type":        "object",
						"description": "Per-model call and token counts",
					},
					"exhausted": map[string]any{"type": "boolean"},
				}, "answer", "iterations", "usage"),
			},
			Execute: g.handleComplete,
		},
	}
}

// --- session tools ---

func (g *Gateway) handleSessionCreate(ctx context.Context, _ json.RawMessage) mcp.ToolCallResult {
	s := g.sessions.create()
	g.logger.Info("session created", "session_id", s.ID)
	return mcp.TextResult(`{"session_id": "` + s.ID + `"}`)
}

func (g *Gateway) handleSessionClose(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return mcp.ErrorResult("invalid arguments: " + err.Error())
	}
	if !g.sessions.delete(req.SessionID) {
		return mcp.ErrorResult("unknown session: " + req.SessionID)
	}
	g.logger.Info("session closed", "session_id", req.SessionID)
	return mcp.TextResult("session closed")
}

func (g *Gateway) handleSessionInfo(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return mcp.ErrorResult("invalid arguments: " + err.Error())
	}
	s, err := g.sessions.get(req.SessionID)
	if err != nil {
		return mcp.ErrorResult(err.Error())
	}
	s.touch("session.info")
	return jsonResult(s.info())
}

// --- shared helpers ---

// session decodes the common session_id argument and resolves the session.
func (g *Gateway) session(args json.RawMessage, tool string) (*Session, error) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, err
	}
	s, err := g.sessions.get(req.SessionID)
	if err != nil {
		return nil, err
	}
	s.touch(tool)
	return s, nil
}

// span starts a tool span when a tracer is configured.
func (g *Gateway) span(ctx context.Context, tool string) (context.Context, relm.Span) {
	if g.tracer == nil {
		return ctx, nil
	}
	return g.tracer.Start(ctx, "gateway.tool", relm.StringAttr("tool", tool))
}

func endSpan(s relm.Span) {
	if s != nil {
		s.End()
	}
}

// jsonResult renders v as both the text block and the structured content.
func jsonResult(v any) mcp.ToolCallResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.ErrorResult("encode result: " + err.Error())
	}
	return mcp.StructuredResult(string(data), v)
}

// objSchema builds a JSON-schema object literal.
func objSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object"}
	if len(props) > 0 {
		schema["properties"] = props
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
