package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	relm "github.com/relmlabs/relm"
)

// defaultPollInterval keeps the sandbox waiting no more than ~100ms for
// the host to notice a new exchange.
const defaultPollInterval = 100 * time.Millisecond

// Poller is the host-side half of the broker: it polls the sandbox
// server's /pending queue, answers each exchange through a Subcaller,
// and posts the response back to /respond. Each exchange is forwarded in
// its own goroutine so one slow sub-call does not stall the queue. The
// seen set keeps overlapping polls from forwarding an exchange twice;
// ids stay in it after delivery, so an exchange observed again between
// respond and queue removal is never re-forwarded.
type Poller struct {
	base     string
	caller   relm.Subcaller
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
	wg   sync.WaitGroup
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollInterval sets the polling interval. Default: 100ms.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithPollClient sets the HTTP client used for broker calls.
func WithPollClient(c *http.Client) PollerOption {
	return func(p *Poller) {
		if c != nil {
			p.client = c
		}
	}
}

// WithPollLogger sets the structured logger (default: no output).
func WithPollLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPoller creates a Poller against the broker at base (e.g.
// "http://127.0.0.1:8377"). caller answers the forwarded requests,
// usually a relm.Router or a wire.Client.
func NewPoller(base string, caller relm.Subcaller, opts ...PollerOption) *Poller {
	p := &Poller{
		base:     strings.TrimRight(base, "/"),
		caller:   caller,
		interval: defaultPollInterval,
		client:   &http.Client{},
		logger:   nopLogger,
		seen:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins the polling loop. Blocks until ctx is cancelled, then
// waits for in-flight forwards to finish. Returns nil on clean shutdown.
func (p *Poller) Start(ctx context.Context) error {
	for {
		p.tick(ctx)
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return nil
		case <-time.After(p.interval):
		}
	}
}

// tick performs one poll cycle: fetch the pending queue and forward
// every exchange not already in flight.
func (p *Poller) tick(ctx context.Context) {
	items, err := p.fetchPending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("poll failed", "error", err)
		}
		return
	}
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		if !p.claim(item.ID) {
			continue
		}
		p.wg.Add(1)
		go func(item PendingItem) {
			defer p.wg.Done()
			p.forward(ctx, item)
		}(item)
	}
}

// forward answers one exchange and delivers the result. A Go error from
// the caller becomes an error-variant response so the sandbox sees a
// raised error instead of a hung llm_query. When delivery itself fails
// the id is unclaimed again: the exchange is still on the queue and the
// next poll retries the whole forward. A retried respond that finds the
// first one did land is rejected by the server and treated as delivered.
func (p *Poller) forward(ctx context.Context, item PendingItem) {
	resp, err := p.caller.Subcall(ctx, item.Request)
	if err != nil {
		resp = relm.ErrorResponse(relm.ErrorKindOf(err), err.Error())
	}
	if err := p.respond(ctx, item.ID, resp); err != nil {
		p.logger.Warn("respond failed", "id", item.ID, "error", err)
		p.unclaim(item.ID)
	}
}

func (p *Poller) fetchPending(ctx context.Context) ([]PendingItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/pending", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &relm.ErrTransport{Status: resp.StatusCode, Body: readShort(resp.Body)}
	}
	var items []PendingItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode pending: %w", err)
	}
	return items, nil
}

func (p *Poller) respond(ctx context.Context, id string, response relm.LMResponse) error {
	body, err := json.Marshal(respondPayload{ID: id, Response: response})
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/respond", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict, http.StatusNotFound:
		// Already answered or the caller gave up; nothing to retry.
		p.logger.Debug("response not accepted", "id", id, "status", resp.StatusCode)
		return nil
	default:
		return &relm.ErrTransport{Status: resp.StatusCode, Body: readShort(resp.Body)}
	}
}

func (p *Poller) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[id]; ok {
		return false
	}
	p.seen[id] = struct{}{}
	return true
}

func (p *Poller) unclaim(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.seen, id)
}

// readShort reads at most 1KB of an error body for diagnostics.
func readShort(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 1024))
	return strings.TrimSpace(string(b))
}
