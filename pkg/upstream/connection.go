package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// ErrConnectionClosed is returned for calls made on, or cut short by, a
// connection handle that Close has already released.
var ErrConnectionClosed = errors.New("connection: use of closed connection")

// Connection is a pooled HTTP client bound to the upstream base URL.
// It is safe for concurrent use until Close is called.
type Connection struct {
	baseURL   string
	timeout   time.Duration
	client    *http.Client
	transport http.RoundTripper
	closed    atomic.Bool
}

func newConnection(baseURL string, timeout time.Duration, rt http.RoundTripper) *Connection {
	if rt == nil {
		rt = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		}
	}

	return &Connection{
		baseURL:   strings.TrimRight(baseURL, "/"),
		timeout:   timeout,
		transport: rt,
		client: &http.Client{
			Transport: rt,
			Timeout:   timeout,
		},
	}
}

// BaseURL returns the upstream address the connection is bound to.
func (c *Connection) BaseURL() string { return c.baseURL }

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool { return c.closed.Load() }

// Close drops idle pooled connections and marks the handle closed.
// Calling it more than once is harmless.
func (c *Connection) Close() {
	if c.closed.Swap(true) {
		return
	}
	if ci, ok := c.transport.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
}

// do sends one request and reads the whole body.
func (c *Connection) do(ctx context.Context, method, path string, body []byte, headers map[string]string) (int, []byte, error) {
	if c.Closed() {
		return 0, nil, ErrConnectionClosed
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("connection: create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json, application/x-ndjson")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if c.Closed() {
			return 0, nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}
