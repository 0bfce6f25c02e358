package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
)

// ToolHandler is a tool that the MCP server exposes to clients.
type ToolHandler struct {
	// Definition describes the tool (name, description, schemas).
	Definition ToolDefinition
	// Execute is called when the client invokes tools/call for this tool.
	// The context is cancelled if the client sends notifications/cancelled
	// for the request while the call is in flight.
	Execute func(ctx context.Context, args json.RawMessage) ToolCallResult
}

// PromptHandler is a prompt template exposed via prompts/list and prompts/get.
type PromptHandler struct {
	Definition PromptDefinition
	// Render produces the prompt messages for the given arguments.
	Render func(args map[string]string) PromptGetResult
}

// Resource is a readable data source exposed via MCP resources/list and resources/read.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	// Read returns the resource content. Called on each resources/read request.
	Read func() string
}

// Server dispatches MCP requests to registered tools, prompts, and resources.
// Serve runs it over stdio; NewHTTPServer runs the same dispatcher over HTTP.
// Registrations made while the server is running emit
// notifications/tools/list_changed to connected clients.
type Server struct {
	name    string
	version string

	regMu     sync.RWMutex
	tools     []ToolHandler
	prompts   []PromptHandler
	resources []Resource

	// reader/writer can be overridden for testing (defaults to stdin/stdout).
	reader io.Reader
	writer io.Writer
	mu     sync.Mutex // protects writes

	serving  atomic.Bool
	handlers sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc

	// sinks receive server-initiated notifications. The HTTP transport
	// registers one per event stream.
	sinksMu sync.Mutex
	sinks   []func([]byte)
}

// New creates an MCP server with the given name and version.
func New(name, version string) *Server {
	return &Server{
		name:     name,
		version:  version,
		reader:   os.Stdin,
		writer:   os.Stdout,
		inflight: make(map[string]context.CancelFunc),
	}
}

// AddTool registers a tool handler. When the server is already running the
// registration is announced via notifications/tools/list_changed.
func (s *Server) AddTool(h ToolHandler) {
	s.regMu.Lock()
	s.tools = append(s.tools, h)
	s.regMu.Unlock()
	s.notifyToolsChanged()
}

// AddPrompt registers a prompt template.
func (s *Server) AddPrompt(h PromptHandler) {
	s.regMu.Lock()
	s.prompts = append(s.prompts, h)
	s.regMu.Unlock()
}

// AddResource registers a resource.
func (s *Server) AddResource(r Resource) {
	s.regMu.Lock()
	s.resources = append(s.resources, r)
	s.regMu.Unlock()
}

// Serve runs the MCP server, reading JSON-RPC messages from stdin and writing
// responses to stdout. Blocks until stdin is closed or ctx is cancelled.
// Requests are handled concurrently so a notifications/cancelled arriving
// mid-call can interrupt the tool it names; notifications are handled inline.
func (s *Server) Serve(ctx context.Context) error {
	s.serving.Store(true)
	defer s.serving.Store(false)

	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20) // 10MB max message

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			s.handlers.Wait()
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// Scanner reuses its buffer across Scan calls.
		data := make([]byte, len(line))
		copy(data, line)
		s.handleMessage(ctx, data)
	}

	s.handlers.Wait()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcp: read stdin: %w", err)
	}
	return nil
}

// handleMessage parses a single JSON-RPC message (or batch) and dispatches it.
func (s *Server) handleMessage(ctx context.Context, data []byte) {
	// Check for batch (JSON array).
	if len(data) > 0 && data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			s.writeResponse(response{
				JSONRPC: "2.0",
				ID:      json.RawMessage("null"),
				Error:   &rpcError{Code: errCodeParse, Message: "parse error"},
			})
			return
		}
		for _, raw := range batch {
			s.handleSingleMessage(ctx, raw)
		}
		return
	}

	s.handleSingleMessage(ctx, data)
}

// handleSingleMessage parses and dispatches a single JSON-RPC request.
// Notifications are processed inline; requests run in their own goroutine so
// the read loop keeps consuming (and can see a cancellation for them).
func (s *Server) handleSingleMessage(ctx context.Context, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeResponse(response{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &rpcError{Code: errCodeParse, Message: "parse error"},
		})
		return
	}

	if req.isNotification() {
		s.dispatch(ctx, &req)
		return
	}

	// The cancel function is registered before the handler goroutine starts
	// so a notifications/cancelled read next from the stream finds it.
	callCtx, cancel := context.WithCancel(ctx)
	s.track(string(req.ID), cancel)

	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		defer s.untrack(string(req.ID))
		defer cancel()
		if resp := s.dispatch(callCtx, &req); resp != nil {
			s.writeResponse(*resp)
		}
	}()
}

// dispatch routes a request to the appropriate handler. Returns nil for notifications.
func (s *Server) dispatch(ctx context.Context, req *request) *response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized":
		return nil // notification, no response
	case "notifications/cancelled":
		s.handleCancelled(req)
		return nil
	case "ping":
		return s.respond(req.ID, struct{}{})
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "prompts/list":
		return s.handlePromptsList(req)
	case "prompts/get":
		return s.handlePromptsGet(req)
	case "resources/list":
		return s.handleResourcesList(req)
	case "resources/read":
		return s.handleResourcesRead(req)
	default:
		if req.isNotification() {
			return nil
		}
		return s.respondError(req.ID, errCodeMethodNotFound, "method not found: "+req.Method)
	}
}

// --- cancellation tracking ---

// track registers the cancel function for an in-flight request id.
func (s *Server) track(id string, cancel context.CancelFunc) {
	s.inflightMu.Lock()
	s.inflight[id] = cancel
	s.inflightMu.Unlock()
}

// untrack removes a request id from the in-flight set.
func (s *Server) untrack(id string) {
	s.inflightMu.Lock()
	delete(s.inflight, id)
	s.inflightMu.Unlock()
}

// handleCancelled cancels the in-flight request named by the notification.
// Unknown or already-finished ids are ignored.
func (s *Server) handleCancelled(req *request) {
	var params cancelledParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return
	}
	s.inflightMu.Lock()
	cancel, ok := s.inflight[string(params.RequestID)]
	s.inflightMu.Unlock()
	if ok {
		cancel()
	}
}

// --- handlers ---

func (s *Server) handleInitialize(req *request) *response {
	s.regMu.RLock()
	nTools, nPrompts, nResources := len(s.tools), len(s.prompts), len(s.resources)
	s.regMu.RUnlock()

	caps := serverCapabilities{}
	if nTools > 0 {
		caps.Tools = &capability{ListChanged: true}
	}
	if nPrompts > 0 {
		caps.Prompts = &capability{}
	}
	if nResources > 0 {
		caps.Resources = &capability{}
	}

	return s.respond(req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    caps,
		ServerInfo:      serverInfo{Name: s.name, Version: s.version},
	})
}

func (s *Server) handleToolsList(req *request) *response {
	s.regMu.RLock()
	defs := make([]ToolDefinition, len(s.tools))
	for i, t := range s.tools {
		defs[i] = t.Definition
	}
	s.regMu.RUnlock()
	return s.respond(req.ID, toolsListResult{Tools: defs})
}

func (s *Server) handleToolsCall(ctx context.Context, req *request) *response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}

	s.regMu.RLock()
	tools := s.tools
	s.regMu.RUnlock()

	for _, t := range tools {
		if t.Definition.Name == params.Name {
			result := t.Execute(ctx, params.Arguments)
			return s.respond(req.ID, result)
		}
	}

	return s.respond(req.ID, ErrorResult("unknown tool: "+params.Name))
}

func (s *Server) handlePromptsList(req *request) *response {
	s.regMu.RLock()
	defs := make([]PromptDefinition, len(s.prompts))
	for i, p := range s.prompts {
		defs[i] = p.Definition
	}
	s.regMu.RUnlock()
	return s.respond(req.ID, promptsListResult{Prompts: defs})
}

func (s *Server) handlePromptsGet(req *request) *response {
	var params promptGetParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}

	s.regMu.RLock()
	prompts := s.prompts
	s.regMu.RUnlock()

	for _, p := range prompts {
		if p.Definition.Name == params.Name {
			return s.respond(req.ID, p.Render(params.Arguments))
		}
	}

	return s.respondError(req.ID, errCodeInvalidParams, "prompt not found: "+params.Name)
}

func (s *Server) handleResourcesList(req *request) *response {
	s.regMu.RLock()
	defs := make([]resourceDef, len(s.resources))
	for i, r := range s.resources {
		defs[i] = resourceDef{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MimeType:    r.MimeType,
		}
	}
	s.regMu.RUnlock()
	return s.respond(req.ID, resourcesListResult{Resources: defs})
}

func (s *Server) handleResourcesRead(req *request) *response {
	var params resourceReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}

	s.regMu.RLock()
	resources := s.resources
	s.regMu.RUnlock()

	for _, r := range resources {
		if r.URI == params.URI {
			return s.respond(req.ID, resourceReadResult{
				Contents: []resourceContent{{
					URI:      r.URI,
					MimeType: r.MimeType,
					Text:     r.Read(),
				}},
			})
		}
	}

	return s.respondError(req.ID, errCodeInvalidParams, "resource not found: "+params.URI)
}

// --- notifications out ---

// addSink registers a receiver for server-initiated notifications.
// It returns a function that removes the sink again.
func (s *Server) addSink(fn func([]byte)) func() {
	s.sinksMu.Lock()
	s.sinks = append(s.sinks, fn)
	idx := len(s.sinks) - 1
	s.sinksMu.Unlock()
	return func() {
		s.sinksMu.Lock()
		s.sinks[idx] = nil
		s.sinksMu.Unlock()
	}
}

// notifyToolsChanged announces a tool-set change to every connected client:
// the stdio stream when serving, and any registered sinks.
func (s *Server) notifyToolsChanged() {
	data, err := json.Marshal(notification{JSONRPC: "2.0", Method: "notifications/tools/list_changed"})
	if err != nil {
		return
	}
	if s.serving.Load() {
		s.writeRaw(data)
	}
	s.sinksMu.Lock()
	sinks := make([]func([]byte), len(s.sinks))
	copy(sinks, s.sinks)
	s.sinksMu.Unlock()
	for _, fn := range sinks {
		if fn != nil {
			fn(data)
		}
	}
}

// --- response helpers ---

func (s *Server) respond(id json.RawMessage, result any) *response {
	return &response{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) respondError(id json.RawMessage, code int, message string) *response {
	return &response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func (s *Server) writeResponse(resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf(" [mcp] marshal response: %v", err)
		return
	}
	s.writeRaw(data)
}

func (s *Server) writeRaw(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		log.Printf(" [mcp] write response: %v", err)
	}
}
