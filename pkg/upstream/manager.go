// Package upstream owns the connection to the Ollama server and funnels every
// outbound call through the retry and circuit breaker policies.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abdhe/codegen-proxy/pkg/metrics"
	"github.com/abdhe/codegen-proxy/pkg/resilience"
)

const (
	// HeaderRequestID is forwarded upstream so logs can be correlated.
	HeaderRequestID = "X-Request-ID"

	// maxErrorBody bounds how much of a failed response ends up in errors.
	maxErrorBody = 512

	tagsPath = "/api/tags"
)

// Config holds everything needed to build a Manager.
type Config struct {
	BaseURL          string
	Timeout          time.Duration // per attempt
	FailureThreshold int
	Cooldown         time.Duration // 0 keeps the breaker open until a success
	Retry            resilience.RetryConfig

	// Transport overrides the pooled HTTP transport, mainly for tests.
	Transport http.RoundTripper

	// OnStateChange is notified after breaker transitions.
	OnStateChange func(from, to resilience.CircuitState)

	Logger *zap.Logger
}

// Manager is the single path for calls to the upstream server.
// One Manager is shared by all in-flight requests.
type Manager struct {
	baseURL  string
	timeout  time.Duration
	retryCfg resilience.RetryConfig
	breaker  *resilience.CircuitBreaker
	rt       http.RoundTripper
	logger   *zap.Logger

	mu   sync.Mutex
	conn *Connection
}

// NewManager creates a Manager. No connection is opened until the first call.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("upstream: base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	m := &Manager{
		baseURL:  cfg.BaseURL,
		timeout:  cfg.Timeout,
		retryCfg: cfg.Retry,
		rt:       cfg.Transport,
		logger:   cfg.Logger.Named("upstream"),
	}

	onChange := cfg.OnStateChange
	m.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		Cooldown:         cfg.Cooldown,
		OnStateChange: func(from, to resilience.CircuitState) {
			m.stateChanged(from, to)
			if onChange != nil {
				onChange(from, to)
			}
		},
	})
	metrics.SetCircuitState(int(resilience.StateClosed))

	return m, nil
}

// Breaker exposes the circuit breaker for health reporting.
func (m *Manager) Breaker() *resilience.CircuitBreaker { return m.breaker }

// Conn returns the live connection, creating it if there is none or the
// previous one was closed.
func (m *Manager) Conn() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || m.conn.Closed() {
		m.conn = newConnection(m.baseURL, m.timeout, m.rt)
		m.logger.Debug("upstream connection created", zap.String("base_url", m.baseURL))
	}
	return m.conn
}

// Close releases the connection. It is safe to call when no connection was
// ever created, and a later call will open a fresh one.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		m.conn.Close()
		m.logger.Debug("upstream connection closed")
	}
	return nil
}

// Execute sends one logical request. The breaker is consulted before every
// attempt, so an open breaker fails fast without touching the network and a
// breaker tripped mid-retry ends the loop. On success the raw body is returned.
func (m *Manager) Execute(ctx context.Context, method, path string, body any, headers map[string]string) ([]byte, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, &UpstreamError{Method: method, Path: path, Err: err}
	}
	headers = withRequestID(ctx, headers)

	cfg := m.retryCfg
	cfg.Retryable = IsRetryable
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.UpstreamRetriesTotal.WithLabelValues(path).Inc()
		m.logger.Warn("retrying upstream request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
	}

	var respBody []byte
	err = resilience.Retry(ctx, cfg, func(ctx context.Context) error {
		b, err := m.attempt(ctx, method, path, payload, headers)
		if err != nil {
			return err
		}
		respBody = b
		return nil
	})
	if err == nil {
		return respBody, nil
	}

	upErr := &UpstreamError{Method: method, Path: path, Attempts: 1, Err: err}
	var retryErr *resilience.RetryError
	if errors.As(err, &retryErr) {
		upErr.Attempts = retryErr.Attempts
		upErr.Err = retryErr.Err
	}

	if upErr.Kind() == KindCircuitOpen {
		m.logger.Debug("upstream request rejected, circuit open", zap.String("path", path))
	} else {
		m.logger.Error("upstream request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempts", upErr.Attempts),
			zap.String("kind", string(upErr.Kind())),
			zap.Error(upErr.Err),
		)
	}
	return nil, upErr
}

// attempt performs a single breaker-guarded call.
func (m *Manager) attempt(ctx context.Context, method, path string, payload []byte, headers map[string]string) ([]byte, error) {
	permit, err := m.breaker.Allow()
	if err != nil {
		return nil, err
	}
	if permit.IsProbe() {
		m.logger.Info("sending half-open probe", zap.String("method", method), zap.String("path", path))
	}

	attemptCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	status, body, err := m.Conn().do(attemptCtx, method, path, payload, headers)
	metrics.UpstreamRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		err = m.classify(ctx, attemptCtx, method, path, err)
	case status < 200 || status > 299:
		err = &StatusError{StatusCode: status, Body: truncate(body, maxErrorBody)}
	}

	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrConnectionClosed) {
			// the caller left or we are shutting down; not the upstream's fault
			permit.Release()
			return nil, err
		}
		m.breaker.RecordFailure()
		metrics.UpstreamFailuresTotal.WithLabelValues(string(KindOf(err))).Inc()
		return nil, err
	}

	m.breaker.RecordSuccess()
	return body, nil
}

func (m *Manager) classify(parent, attemptCtx context.Context, method, path string, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("upstream: %w", parent.Err())
	}
	if errors.Is(err, ErrConnectionClosed) {
		return fmt.Errorf("upstream: %w", err)
	}

	var netErr net.Error
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return &TimeoutError{Timeout: m.timeout, Err: err}
	}
	return &TransportError{Method: method, URL: m.baseURL + path, Err: err}
}

// Ping checks upstream liveness with GET /api/tags, bypassing the breaker
// gate. A success is recorded like any other: it clears the failure count
// and closes an open breaker.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	status, body, err := m.Conn().do(ctx, http.MethodGet, tagsPath, nil, withRequestID(ctx, nil))
	if err != nil {
		return m.classify(context.Background(), ctx, http.MethodGet, tagsPath, err)
	}
	if status < 200 || status > 299 {
		return &StatusError{StatusCode: status, Body: truncate(body, maxErrorBody)}
	}

	if m.breaker.IsOpen() {
		m.logger.Info("upstream reachable again, resetting circuit breaker")
	}
	m.breaker.RecordSuccess()
	return nil
}

func (m *Manager) stateChanged(from, to resilience.CircuitState) {
	// read back the state: callbacks can race each other
	metrics.SetCircuitState(int(m.breaker.State()))

	switch to {
	case resilience.StateOpen:
		metrics.CircuitBreakerTrips.Inc()
		m.logger.Error("circuit breaker opened due to multiple failures",
			zap.Stringer("from", from),
			zap.Int("consecutive_failures", m.breaker.ConsecutiveFailures()),
		)
	case resilience.StateHalfOpen:
		m.logger.Info("circuit breaker half-open, probing upstream")
	case resilience.StateClosed:
		m.logger.Info("circuit breaker closed", zap.Stringer("from", from))
	}
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("upstream: marshal request: %w", err)
		}
		return data, nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
