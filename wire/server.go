package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	relm "github.com/relmlabs/relm"
)

// Server accepts frame connections and answers each request through a
// relm.Subcaller. One goroutine per connection reads requests serially;
// concurrency comes from connections, bounded by a semaphore around the
// dispatch itself. A failed dispatch becomes a best-effort error-variant
// response so the peer's REPL sees a raised error instead of a dead socket.
type Server struct {
	handler       relm.Subcaller
	logger        *slog.Logger
	idleTimeout   time.Duration
	maxConcurrent int

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool

	wg       sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
	semaphor chan struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the structured logger (default: discard).
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithIdleTimeout closes connections that send nothing for d
// (default: 10 minutes; 0 disables).
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.idleTimeout = d }
}

// WithMaxConcurrent bounds simultaneous dispatches across all connections
// (default: 32).
func WithMaxConcurrent(n int) ServerOption {
	return func(s *Server) { s.maxConcurrent = n }
}

func NewServer(handler relm.Subcaller, opts ...ServerOption) *Server {
	s := &Server{
		handler:       handler,
		idleTimeout:   10 * time.Minute,
		maxConcurrent: 32,
		conns:         make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.semaphor = make(chan struct{}, s.maxConcurrent)
	return s
}

// Listen binds addr without starting the accept loop, so callers can read
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

// Serve runs the accept loop until Close. Listen must have succeeded.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("serve before listen")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// ListenAndServe binds addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Close stops accepting, cancels in-flight dispatches, closes live
// connections, and waits for connection goroutines to drain.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.cancel()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// handleConn reads request frames serially until the peer hangs up or a
// framing error makes the stream unrecoverable.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrack(conn)
	peer := conn.RemoteAddr().String()

	for {
		if s.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		var req relm.LMRequest
		err := ReadFrame(conn, &req)
		if err != nil {
			if err == io.EOF {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Debug("closing idle connection", "peer", peer)
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("framing error, dropping connection", "peer", peer, "error", err)
			return
		}

		resp := s.dispatch(req)
		if s.idleTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.idleTimeout))
		}
		if err := WriteFrame(conn, &resp); err != nil {
			s.logger.Warn("write response failed", "peer", peer, "error", err)
			return
		}
	}
}

// dispatch runs one request through the handler with the concurrency
// semaphore held, converting panics and Go errors into error-variant
// responses.
func (s *Server) dispatch(req relm.LMRequest) (resp relm.LMResponse) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("dispatch panicked", "panic", p)
			resp = relm.ErrorResponse(relm.ErrKindInternal, fmt.Sprintf("dispatch panic: %v", p))
		}
	}()

	select {
	case s.semaphor <- struct{}{}:
		defer func() { <-s.semaphor }()
	case <-s.baseCtx.Done():
		return relm.ErrorResponse(relm.ErrKindInternal, "server shutting down")
	}

	r, err := s.handler.Subcall(s.baseCtx, req)
	if err != nil {
		return relm.ErrorResponse(relm.ErrorKindOf(err), err.Error())
	}
	if err := r.Validate(); err != nil {
		return relm.ErrorResponse(relm.ErrKindInternal, err.Error())
	}
	return r
}
