package wire

import (
	"context"
	"fmt"
	"net"
	"time"

	relm "github.com/relmlabs/relm"
)

// Client answers LMRequests by dialing a frame server. Each roundtrip uses
// a fresh connection; the server end is loopback, so dials are cheap and
// there is no connection state to repair after failures.
type Client struct {
	addr    string
	timeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout bounds one full roundtrip, dial included (default: 120s).
// A request-scoped context deadline still wins when it is earlier.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// NewClient creates a client for the frame server at addr
// (e.g. "127.0.0.1:9771").
func NewClient(addr string, opts ...ClientOption) *Client {
	c := &Client{addr: addr, timeout: 120 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subcall implements relm.Subcaller over the socket: write one request
// frame, read one response frame.
func (c *Client) Subcall(ctx context.Context, req relm.LMRequest) (relm.LMResponse, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return relm.LMResponse{}, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Unblock the pending read if ctx is cancelled mid-roundtrip.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()

	if err := WriteFrame(conn, &req); err != nil {
		return relm.LMResponse{}, err
	}
	var resp relm.LMResponse
	if err := ReadFrame(conn, &resp); err != nil {
		return relm.LMResponse{}, fmt.Errorf("read response: %w", err)
	}
	if err := resp.Validate(); err != nil {
		return relm.LMResponse{}, err
	}
	return resp, nil
}

// compile-time check
var _ relm.Subcaller = (*Client)(nil)
