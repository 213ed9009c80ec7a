package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdhe/codegen-proxy/pkg/provider"
	"github.com/abdhe/codegen-proxy/pkg/upstream"
)

func serve(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHTTP_RootHealth(t *testing.T) {
	h := NewHTTPHandler(newTestService(t, &fakeProvider{}), nil)

	rec := serve(t, h, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"status": "healthy", "service": "deepseek-coder-api"}, decodeBody[map[string]string](t, rec))
}

func TestHTTP_Welcome(t *testing.T) {
	h := NewHTTPHandler(newTestService(t, &fakeProvider{}), nil)

	rec := serve(t, h, http.MethodGet, "/api/v1/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Welcome")

	rec = serve(t, h, http.MethodGet, "/api/v1/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTP_APIHealth(t *testing.T) {
	h := NewHTTPHandler(newTestService(t, &fakeProvider{}), nil)

	rec := serve(t, h, http.MethodGet, "/api/v1/health", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[HealthResponse](t, rec)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "http://localhost:11434", body.OllamaURL)
	assert.Equal(t, "deepseek-coder", body.Model)
	assert.Equal(t, "closed", body.CircuitState)
}

func TestHTTP_Generate(t *testing.T) {
	p := &fakeProvider{result: provider.Result{Text: "abcd", Model: "deepseek-coder", TotalDuration: 42}}
	h := NewHTTPHandler(newTestService(t, p), nil)

	rec := serve(t, h, http.MethodPost, "/api/v1/generate",
		`{"prompt":"write go","system_prompt":"be brief","temperature":0.2,"max_tokens":128}`, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody[GenerateResponse](t, rec)
	assert.Equal(t, "abcd", body.GeneratedCode)
	assert.Equal(t, "deepseek-coder", body.Model)
	assert.Equal(t, int64(42), body.TotalDuration)
	assert.Equal(t, provider.Request{Prompt: "write go", SystemPrompt: "be brief", Temperature: 0.2, MaxTokens: 128}, p.last)
}

func TestHTTP_GenerateValidation(t *testing.T) {
	p := &fakeProvider{}
	h := NewHTTPHandler(newTestService(t, p), nil)

	for _, body := range []string{
		`{}`,
		`{"prompt":"x","temperature":2}`,
		`{"prompt":"x","max_tokens":0}`,
		`{"prompt":`,
		`{"prompt":"x","max_tokens":"many"}`,
	} {
		rec := serve(t, h, http.MethodPost, "/api/v1/generate", body, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, body)
		assert.Equal(t, "validation", decodeBody[ErrorResponse](t, rec).Kind, body)
	}
	assert.Equal(t, 0, p.callCount())
}

func TestHTTP_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		wantKind string
	}{
		{
			name:     "circuit open",
			err:      &upstream.UpstreamError{Method: "POST", Path: "/api/generate", Err: upstream.ErrCircuitOpen},
			status:   http.StatusServiceUnavailable,
			wantKind: "circuit_open",
		},
		{
			name:     "exhausted retries",
			err:      &upstream.UpstreamError{Method: "POST", Path: "/api/generate", Attempts: 3, Err: &upstream.StatusError{StatusCode: 502}},
			status:   http.StatusInternalServerError,
			wantKind: "upstream_status",
		},
		{
			name:     "shutting down",
			err:      &upstream.UpstreamError{Method: "POST", Path: "/api/generate", Attempts: 1, Err: fmt.Errorf("upstream: %w", upstream.ErrConnectionClosed)},
			status:   http.StatusServiceUnavailable,
			wantKind: "shutdown",
		},
		{
			name:     "malformed",
			err:      &upstream.MalformedResponseError{Line: 2, Err: errors.New("bad")},
			status:   http.StatusInternalServerError,
			wantKind: "malformed_response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHTTPHandler(newTestService(t, &fakeProvider{err: tt.err}), nil)

			rec := serve(t, h, http.MethodPost, "/api/v1/generate", `{"prompt":"x"}`, nil)

			assert.Equal(t, tt.status, rec.Code)
			body := decodeBody[ErrorResponse](t, rec)
			assert.Equal(t, tt.wantKind, body.Kind)
			assert.Equal(t, tt.err.Error(), body.Message)
		})
	}
}

func TestHTTP_ModelInfo(t *testing.T) {
	p := &fakeProvider{info: json.RawMessage(`{"details":{"parameter_size":"6.7B"}}`)}
	h := NewHTTPHandler(newTestService(t, p), nil)

	rec := serve(t, h, http.MethodGet, "/api/v1/model", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"model_name": "deepseek-coder",
		"status": "loaded",
		"details": {"details":{"parameter_size":"6.7B"}}
	}`, rec.Body.String())
}

func TestHTTP_ModelInfoCircuitOpen(t *testing.T) {
	p := &fakeProvider{infoErr: &upstream.UpstreamError{Method: "POST", Path: "/api/show", Err: upstream.ErrCircuitOpen}}
	h := NewHTTPHandler(newTestService(t, p), nil)

	rec := serve(t, h, http.MethodGet, "/api/v1/model", "", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decodeBody[ErrorResponse](t, rec).Message, "service unavailable")
}

func TestHTTP_MethodNotAllowed(t *testing.T) {
	h := NewHTTPHandler(newTestService(t, &fakeProvider{}), nil)

	rec := serve(t, h, http.MethodGet, "/api/v1/generate", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHTTP_RequestIDGeneratedAndForwarded(t *testing.T) {
	p := &fakeProvider{result: provider.Result{Text: "x"}}
	h := NewHTTPHandler(newTestService(t, p), nil)

	rec := serve(t, h, http.MethodPost, "/api/v1/generate", `{"prompt":"x"}`, nil)
	id := rec.Header().Get(upstream.HeaderRequestID)
	assert.Len(t, id, 36)
	assert.Equal(t, id, upstream.RequestIDFromContext(p.lastCtx))

	rec = serve(t, h, http.MethodPost, "/api/v1/generate", `{"prompt":"x"}`, map[string]string{upstream.HeaderRequestID: "abc-123"})
	assert.Equal(t, "abc-123", rec.Header().Get(upstream.HeaderRequestID))
	assert.Equal(t, "abc-123", upstream.RequestIDFromContext(p.lastCtx))
}

func TestHTTP_CORS(t *testing.T) {
	h := NewHTTPHandler(newTestService(t, &fakeProvider{}), nil)

	rec := serve(t, h, http.MethodOptions, "/api/v1/generate", "", map[string]string{
		"Origin":                         "http://example.com",
		"Access-Control-Request-Method":  "POST",
		"Access-Control-Request-Headers": "content-type",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Equal(t, "content-type", rec.Header().Get("Access-Control-Allow-Headers"))

	rec = serve(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
