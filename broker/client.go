package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	relm "github.com/relmlabs/relm"
)

// Client answers LMRequests by enqueueing them on a broker server and
// blocking until the host posts the response. It is the Subcaller a REPL
// environment uses when it runs inside the sandbox.
type Client struct {
	base    string
	client  *http.Client
	timeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCallTimeout bounds one full exchange, host round trip included
// (default: 300s; 0 disables). A request-scoped context deadline still
// wins when it is earlier.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithClientHTTP sets the HTTP client used for broker calls.
func WithClientHTTP(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// NewClient creates a client for the broker at base (e.g.
// "http://127.0.0.1:8377").
func NewClient(base string, opts ...ClientOption) *Client {
	c := &Client{
		base:    strings.TrimRight(base, "/"),
		client:  &http.Client{},
		timeout: 300 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subcall implements relm.Subcaller over the broker: one POST /enqueue
// that returns when the host has answered.
func (c *Client) Subcall(ctx context.Context, req relm.LMRequest) (relm.LMResponse, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return relm.LMResponse{}, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/enqueue", strings.NewReader(string(body)))
	if err != nil {
		return relm.LMResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return relm.LMResponse{}, fmt.Errorf("enqueue: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return relm.LMResponse{}, &relm.ErrTransport{Status: httpResp.StatusCode, Body: readShort(httpResp.Body)}
	}

	var resp relm.LMResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return relm.LMResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if err := resp.Validate(); err != nil {
		return relm.LMResponse{}, err
	}
	return resp, nil
}

// Health reports whether the broker is reachable and serving.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &relm.ErrTransport{Status: resp.StatusCode, Body: readShort(resp.Body)}
	}
	return nil
}

// compile-time check
var _ relm.Subcaller = (*Client)(nil)
