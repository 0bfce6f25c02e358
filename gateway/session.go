package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/relmlabs/relm"
)

// SpanRecord is one surfaced snippet, kept for provenance reporting.
// Every read appends a record, including repeat reads of the same range.
type SpanRecord struct {
	Path      string    `json:"path"`
	StartLine int       `json:"start_line"`
	EndLine   int       `json:"end_line"`
	Tool      string    `json:"tool"`
	Time      time.Time `json:"time"`
}

// FileHandle pins a path together with the size and mtime observed when the
// handle was created. Chunkings referencing the handle are reported stale
// when the file changes underneath it.
type FileHandle struct {
	ID      string    `json:"id"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
}

// ChunkBounds is one chunk's persisted line range, 1-based inclusive.
type ChunkBounds struct {
	Index     int `json:"index"`
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`
}

// Chunking is a persisted chunk layout for one file. Bounds are fixed at
// creation; chunk.get validates them against the file as it is now.
type Chunking struct {
	ID        string        `json:"id"`
	Path      string        `json:"path"`
	HandleID  string        `json:"handle_id,omitempty"`
	Strategy  string        `json:"strategy"`
	ChunkSize int           `json:"chunk_size"`
	Overlap   int           `json:"overlap"`
	Chunks    []ChunkBounds `json:"chunks"`
}

// Session holds the per-session retrieval state: provenance, chunkings,
// file handles, bound context, and aggregate usage. All methods are safe
// for concurrent use.
type Session struct {
	ID      string
	Created time.Time

	mu         sync.Mutex
	lastAccess time.Time
	spans      []SpanRecord
	spanSeen   map[string]int
	chunkings  map[string]*Chunking
	handles    map[string]*FileHandle
	context    string
	usage      relm.UsageMap
	history    []string
}

func newSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		Created:    now,
		lastAccess: now,
		spanSeen:   make(map[string]int),
		chunkings:  make(map[string]*Chunking),
		handles:    make(map[string]*FileHandle),
		usage:      make(relm.UsageMap),
	}
}

// touch refreshes the TTL clock and appends the tool to the history.
func (s *Session) touch(tool string) {
	s.mu.Lock()
	s.lastAccess = time.Now()
	if tool != "" {
		s.history = append(s.history, tool)
	}
	s.mu.Unlock()
}

// recordSpan appends a provenance record and reports how many times this
// exact range has now been surfaced.
func (s *Session) recordSpan(rec SpanRecord) int {
	key := fmt.Sprintf("%s:%d:%d", rec.Path, rec.StartLine, rec.EndLine)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spans = append(s.spans, rec)
	s.spanSeen[key]++
	return s.spanSeen[key]
}

// Spans returns a copy of the provenance records in access order.
func (s *Session) Spans() []SpanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SpanRecord, len(s.spans))
	copy(out, s.spans)
	return out
}

func (s *Session) addHandle(h *FileHandle) {
	s.mu.Lock()
	s.handles[h.ID] = h
	s.mu.Unlock()
}

func (s *Session) handle(id string) (*FileHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

func (s *Session) addChunking(c *Chunking) {
	s.mu.Lock()
	s.chunkings[c.ID] = c
	s.mu.Unlock()
}

func (s *Session) chunking(id string) (*Chunking, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunkings[id]
	return c, ok
}

// setContext binds the context payload used by the complete tool.
func (s *Session) setContext(v string) {
	s.mu.Lock()
	s.context = v
	s.mu.Unlock()
}

func (s *Session) boundContext() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.context
}

// mergeUsage folds a turn's usage into the session totals.
func (s *Session) mergeUsage(u relm.UsageMap) {
	s.mu.Lock()
	s.usage.Merge(u)
	s.mu.Unlock()
}

// info summarizes the session for session.info.
func (s *Session) info() sessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.usage.TotalUsage()
	return sessionInfo{
		ID:        s.ID,
		AgeSecs:   int64(time.Since(s.Created).Seconds()),
		Spans:     len(s.spans),
		Chunkings: len(s.chunkings),
		Handles:   len(s.handles),
		Tools:     len(s.history),
		Usage:     total,
	}
}

// sessionInfo is the session.info response payload.
type sessionInfo struct {
	ID        string     `json:"id"`
	AgeSecs   int64      `json:"age_secs"`
	Spans     int        `json:"spans"`
	Chunkings int        `json:"chunkings"`
	Handles   int        `json:"handles"`
	Tools     int        `json:"tools"`
	Usage     relm.Usage `json:"usage"`
}

// sessionManager creates, looks up, and evicts sessions. All exported
// methods are safe for concurrent use.
type sessionManager struct {
	ttl      time.Duration
	mu       sync.Mutex
	sessions map[string]*Session
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newSessionManager(ttl time.Duration) *sessionManager {
	return &sessionManager{
		ttl:      ttl,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// start launches the background cleanup goroutine.
func (m *sessionManager) start(interval time.Duration) {
	go m.runCleanup(interval)
}

// create registers a new session with a generated id.
func (m *sessionManager) create() *Session {
	s := newSession(relm.NewID())
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// get returns the session for id, refreshing its TTL clock.
func (m *sessionManager) get(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown session: %q", id)
	}
	return s, nil
}

// delete removes the session. Returns false if it did not exist.
func (m *sessionManager) delete(id string) bool {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	return ok
}

// count returns the number of live sessions.
func (m *sessionManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// close stops the cleanup goroutine and waits for it to exit.
func (m *sessionManager) close() {
	close(m.stopCh)
	<-m.doneCh
}

// runCleanup runs the TTL eviction loop until stopCh is closed.
func (m *sessionManager) runCleanup(interval time.Duration) {
	defer close(m.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictExpired()
		case <-m.stopCh:
			return
		}
	}
}

// evictExpired removes sessions whose last access exceeds the TTL.
func (m *sessionManager) evictExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.mu.Lock()
		last := s.lastAccess
		s.mu.Unlock()
		if time.Since(last) > m.ttl {
			delete(m.sessions, id)
		}
	}
}
