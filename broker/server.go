// Package broker bridges llm_query across a sandbox boundary that only
// permits HTTP to the host. The Server runs inside the sandbox and holds
// a queue of outbound requests; the host-side Poller drains the queue,
// answers each request through a relm.Subcaller, and posts the responses
// back. Client is the in-sandbox Subcaller that enqueues and waits.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	relm "github.com/relmlabs/relm"
)

// PendingItem is one queued exchange as reported by GET /pending.
type PendingItem struct {
	ID      string         `json:"id"`
	Request relm.LMRequest `json:"request"`
}

// respondPayload is the body of POST /respond.
type respondPayload struct {
	ID       string          `json:"id"`
	Response relm.LMResponse `json:"response"`
}

// pending is one in-flight exchange: the enqueue handler blocks on respCh
// until /respond delivers the matching response.
type pending struct {
	id     string
	req    relm.LMRequest
	respCh chan relm.LMResponse // buffered 1
}

// Server is the in-sandbox half of the broker: an HTTP queue where
// POST /enqueue blocks until the host answers via POST /respond.
// GET /pending is an idempotent FIFO snapshot of unanswered exchanges.
type Server struct {
	logger *slog.Logger
	mux    *http.ServeMux

	mu       sync.Mutex
	queue    []*pending          // FIFO, unanswered exchanges only
	byID     map[string]*pending // same set keyed by exchange id
	answered map[string]bool     // ids that already received a response
	closed   bool

	httpServer *http.Server
	ln         net.Listener
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the structured logger (default: no output).
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		byID:     make(map[string]*pending),
		answered: make(map[string]bool),
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/enqueue", s.handleEnqueue)
	mux.HandleFunc("/pending", s.handlePending)
	mux.HandleFunc("/respond", s.handleRespond)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return s
}

// Handler exposes the route table so tests can mount the server on
// httptest without binding a port.
func (s *Server) Handler() http.Handler { return s.mux }

// Listen binds addr without starting the serve loop, so callers can read
// Addr before serving.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve runs the HTTP server until Close. Listen must have succeeded.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	if ln == nil {
		s.mu.Unlock()
		return errors.New("serve before listen")
	}
	server := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpServer = server
	s.mu.Unlock()

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// ListenAndServe binds addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Close releases every blocked enqueue with an error-variant response,
// then shuts the HTTP server down.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	waiters := s.queue
	s.queue = nil
	s.byID = make(map[string]*pending)
	server := s.httpServer
	s.mu.Unlock()

	for _, p := range waiters {
		p.respCh <- relm.ErrorResponse(relm.ErrKindInternal, "broker shutting down")
	}
	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// --- handlers ---

// handleEnqueue queues the request and blocks until the host responds or
// the caller gives up. The exchange id is assigned here; request ids from
// the sandbox are not trusted to be unique.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	var req relm.LMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	p := &pending{
		id:     relm.NewID(),
		req:    req,
		respCh: make(chan relm.LMResponse, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "broker shutting down")
		return
	}
	s.queue = append(s.queue, p)
	s.byID[p.id] = p
	s.mu.Unlock()

	s.logger.Debug("request enqueued", "id", p.id, "depth", req.Depth, "caller", req.Caller)

	select {
	case resp := <-p.respCh:
		writeJSON(w, http.StatusOK, resp)
	case <-r.Context().Done():
		s.abandon(p.id)
		s.logger.Debug("enqueue abandoned by caller", "id", p.id)
		writeError(w, http.StatusGatewayTimeout, "caller gave up waiting")
	}
}

// handlePending reports the unanswered queue in FIFO order. Reading it
// changes nothing, so overlapping polls are safe.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "use GET")
		return
	}
	s.mu.Lock()
	items := make([]PendingItem, len(s.queue))
	for i, p := range s.queue {
		items[i] = PendingItem{ID: p.id, Request: p.req}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, items)
}

// handleRespond delivers one response to its blocked enqueue. Unknown
// ids and ids that were already answered are rejected so a retrying host
// cannot deliver the same response twice.
func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	var payload respondPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid response body: "+err.Error())
		return
	}
	if err := payload.Response.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid response: "+err.Error())
		return
	}

	s.mu.Lock()
	if s.answered[payload.ID] {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "duplicate response for id "+payload.ID)
		return
	}
	p, ok := s.byID[payload.ID]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "unknown or expired id "+payload.ID)
		return
	}
	s.answered[payload.ID] = true
	s.removeLocked(payload.ID)
	s.mu.Unlock()

	p.respCh <- payload.Response
	s.logger.Debug("response delivered", "id", payload.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// abandon drops an exchange whose caller stopped waiting. A response
// arriving later is rejected as unknown.
func (s *Server) abandon(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

func (s *Server) removeLocked(id string) {
	if _, ok := s.byID[id]; !ok {
		return
	}
	delete(s.byID, id)
	for i, p := range s.queue {
		if p.id == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
