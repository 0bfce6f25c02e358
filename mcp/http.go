package mcp

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// AuthConfig enables bearer-token auth on the HTTP transport. When no token
// is configured the server accepts anonymous callers and the OAuth discovery
// endpoints are not served.
type AuthConfig struct {
	// Token is the static bearer token callers must present.
	Token string
	// ResourceURL is the canonical URL of this server, advertised in the
	// OAuth protected-resource metadata.
	ResourceURL string
	// AuthorizationServers lists issuer URLs advertised to clients that
	// want to obtain a token.
	AuthorizationServers []string
}

func (a *AuthConfig) enabled() bool {
	return a != nil && a.Token != ""
}

// sseEvent is one event queued for a connected event-stream client.
type sseEvent struct {
	event string
	data  []byte
}

// HTTPServer exposes a Server over HTTP: JSON-RPC on POST /mcp/messages
// (single or batched bodies) and a server-sent event stream of
// request/response lifecycle events on GET /mcp/messages. When auth is
// configured it also serves the OAuth 2.1 discovery documents under
// /.well-known/.
type HTTPServer struct {
	srv  *Server
	auth *AuthConfig

	mux        *http.ServeMux
	httpServer *http.Server
	ln         net.Listener
	done       chan struct{}

	subsMu sync.Mutex
	subs   map[chan sseEvent]struct{}

	removeSink func()
}

// HTTPOption configures an HTTPServer.
type HTTPOption func(*HTTPServer)

// WithAuth requires callers to present the configured bearer token and
// enables the OAuth discovery endpoints.
func WithAuth(cfg AuthConfig) HTTPOption {
	return func(h *HTTPServer) { h.auth = &cfg }
}

// NewHTTPServer wraps srv in an HTTP transport. Server-initiated
// notifications (tools/list_changed) are forwarded to event-stream clients.
func NewHTTPServer(srv *Server, opts ...HTTPOption) *HTTPServer {
	h := &HTTPServer{
		srv:  srv,
		done: make(chan struct{}),
		subs: make(map[chan sseEvent]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.removeSink = srv.addSink(func(data []byte) {
		h.publish("message", data)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp/messages", h.requireAuth(h.handleMessages))
	if h.auth.enabled() {
		mux.HandleFunc("/.well-known/oauth-protected-resource", h.handleProtectedResource)
		mux.HandleFunc("/.well-known/oauth-authorization-server", h.handleAuthorizationServer)
	}
	h.mux = mux
	return h
}

// Handler returns the HTTP handler, for mounting in tests or a larger mux.
func (h *HTTPServer) Handler() http.Handler {
	return h.mux
}

// Listen binds the listener without serving yet.
func (h *HTTPServer) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mcp: listen %s: %w", addr, err)
	}
	h.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (h *HTTPServer) Addr() net.Addr {
	if h.ln == nil {
		return nil
	}
	return h.ln.Addr()
}

// Serve accepts connections on the bound listener until Close.
func (h *HTTPServer) Serve() error {
	if h.ln == nil {
		return fmt.Errorf("mcp: serve called before listen")
	}
	h.httpServer = &http.Server{
		Handler:           h.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := h.httpServer.Serve(h.ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("mcp: serve: %w", err)
	}
	return nil
}

// ListenAndServe binds addr and serves until Close.
func (h *HTTPServer) ListenAndServe(addr string) error {
	if err := h.Listen(addr); err != nil {
		return err
	}
	return h.Serve()
}

// Close stops the event streams and shuts the HTTP server down.
func (h *HTTPServer) Close() error {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
	if h.removeSink != nil {
		h.removeSink()
	}
	if h.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.httpServer.Shutdown(ctx)
}

// --- auth ---

// requireAuth checks the bearer token when auth is configured. Anonymous
// access is allowed otherwise.
func (h *HTTPServer) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.auth.enabled() {
			next(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if strings.HasPrefix(strings.ToLower(header), "bearer ") {
			token := strings.TrimSpace(header[7:])
			if subtle.ConstantTimeCompare([]byte(token), []byte(h.auth.Token)) == 1 {
				next(w, r)
				return
			}
		}

		challenge := "Bearer"
		if h.auth.ResourceURL != "" {
			challenge = fmt.Sprintf("Bearer resource_metadata=%q",
				strings.TrimSuffix(h.auth.ResourceURL, "/")+"/.well-known/oauth-protected-resource")
		}
		w.Header().Set("WWW-Authenticate", challenge)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func (h *HTTPServer) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	writeMetadata(w, map[string]any{
		"resource":                 h.auth.ResourceURL,
		"authorization_servers":    h.auth.AuthorizationServers,
		"bearer_methods_supported": []string{"header"},
	})
}

func (h *HTTPServer) handleAuthorizationServer(w http.ResponseWriter, r *http.Request) {
	if len(h.auth.AuthorizationServers) == 0 {
		http.NotFound(w, r)
		return
	}
	issuer := strings.TrimSuffix(h.auth.AuthorizationServers[0], "/")
	writeMetadata(w, map[string]any{
		"issuer":                           issuer,
		"authorization_endpoint":           issuer + "/authorize",
		"token_endpoint":                   issuer + "/token",
		"response_types_supported":         []string{"code"},
		"grant_types_supported":            []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported": []string{"S256"},
	})
}

func writeMetadata(w http.ResponseWriter, doc map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		log.Printf(" [mcp] write metadata: %v", err)
	}
}

// --- JSON-RPC over POST ---

// handleMessages dispatches POST bodies and serves the event stream on GET.
func (h *HTTPServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleEvents(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	trimmed := bytes.TrimSpace(body)
	w.Header().Set("Content-Type", "application/json")

	// Batch bodies return an array of responses, in request order.
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			h.writeJSON(w, response{
				JSONRPC: "2.0",
				ID:      json.RawMessage("null"),
				Error:   &rpcError{Code: errCodeParse, Message: "parse error"},
			})
			return
		}
		responses := make([]response, 0, len(batch))
		for _, raw := range batch {
			if resp := h.process(r, raw); resp != nil {
				responses = append(responses, *resp)
			}
		}
		if len(responses) == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		h.writeJSON(w, responses)
		return
	}

	resp := h.process(r, trimmed)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	h.writeJSON(w, *resp)
}

// process parses and dispatches one message, emitting lifecycle events to
// event-stream clients. Returns nil for notifications.
func (h *HTTPServer) process(r *http.Request, data []byte) *response {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		return &response{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &rpcError{Code: errCodeParse, Message: "parse error"},
		}
	}

	// Requests get a cancellable context registered under their id so a
	// notifications/cancelled arriving on another connection can interrupt.
	ctx := r.Context()
	if !req.isNotification() {
		callCtx, cancel := context.WithCancel(ctx)
		h.srv.track(string(req.ID), cancel)
		defer h.srv.untrack(string(req.ID))
		defer cancel()
		ctx = callCtx
	}

	h.publishLifecycle("request", req.ID, req.Method)
	resp := h.srv.dispatch(ctx, &req)
	if resp != nil {
		h.publishLifecycle("response", req.ID, req.Method)
	}
	return resp
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf(" [mcp] write response: %v", err)
	}
}

// --- event stream ---

// lifecycleEvent describes one request or response passing through the
// transport, as published on the event stream.
type lifecycleEvent struct {
	Type   string          `json:"type"`
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
}

// handleEvents streams lifecycle events and server notifications as SSE.
func (h *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan sseEvent, 16)
	h.subsMu.Lock()
	h.subs[ch] = struct{}{}
	h.subsMu.Unlock()
	defer func() {
		h.subsMu.Lock()
		delete(h.subs, ch)
		h.subsMu.Unlock()
	}()

	_, _ = fmt.Fprintf(w, "event: hello\ndata: %d\n\n", time.Now().Unix())
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case ev := <-ch:
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.event, ev.data)
			flusher.Flush()
		}
	}
}

func (h *HTTPServer) publishLifecycle(typ string, id json.RawMessage, method string) {
	data, err := json.Marshal(lifecycleEvent{Type: typ, ID: id, Method: method})
	if err != nil {
		return
	}
	h.publish("lifecycle", data)
}

// publish fans an event out to all subscribers. Slow subscribers drop
// events rather than block the request path.
func (h *HTTPServer) publish(event string, data []byte) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- sseEvent{event: event, data: data}:
		default:
		}
	}
}
