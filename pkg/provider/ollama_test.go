package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdhe/codegen-proxy/pkg/resilience"
	"github.com/abdhe/codegen-proxy/pkg/upstream"
)

// fakeExecutor records calls and replays a canned body.
type fakeExecutor struct {
	calls  int
	method string
	path   string
	body   any
	resp   []byte
	err    error
}

func (f *fakeExecutor) Execute(_ context.Context, method, path string, body any, _ map[string]string) ([]byte, error) {
	f.calls++
	f.method, f.path, f.body = method, path, body
	return f.resp, f.err
}

func TestNewOllama_Validation(t *testing.T) {
	_, err := NewOllama(nil, "deepseek-coder", nil)
	assert.Error(t, err)

	_, err = NewOllama(&fakeExecutor{}, "  ", nil)
	assert.Error(t, err)

	o, err := NewOllama(&fakeExecutor{}, " deepseek-coder ", nil)
	require.NoError(t, err)
	assert.Equal(t, "deepseek-coder", o.Model())
	assert.Equal(t, "ollama", o.Name())
}

func TestOllama_GenerateBuildsPayload(t *testing.T) {
	exec := &fakeExecutor{resp: []byte(`{"response":"ok","done":true}`)}
	o, err := NewOllama(exec, "deepseek-coder", nil)
	require.NoError(t, err)

	_, err = o.Generate(context.Background(), Request{
		Prompt:       "write fizzbuzz",
		SystemPrompt: "you are terse",
		Temperature:  0.2,
		MaxTokens:    256,
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, exec.method)
	assert.Equal(t, "/api/generate", exec.path)

	raw, err := json.Marshal(exec.body)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"model": "deepseek-coder",
		"prompt": "write fizzbuzz",
		"system": "you are terse",
		"options": {"temperature": 0.2, "num_predict": 256}
	}`, string(raw))
}

func TestOllama_GenerateOmitsEmptySystemPrompt(t *testing.T) {
	exec := &fakeExecutor{resp: []byte(`{"response":"ok"}`)}
	o, _ := NewOllama(exec, "deepseek-coder", nil)

	_, err := o.Generate(context.Background(), Request{Prompt: "p", Temperature: 0, MaxTokens: 1})
	require.NoError(t, err)

	raw, _ := json.Marshal(exec.body)
	assert.NotContains(t, string(raw), `"system"`)
	assert.Contains(t, string(raw), `"temperature":0`)
}

func TestOllama_GenerateReassemblesChunks(t *testing.T) {
	exec := &fakeExecutor{resp: []byte(
		`{"response":"ab","total_duration":0}` + "\n" + `{"response":"cd","total_duration":42}` + "\n",
	)}
	o, _ := NewOllama(exec, "deepseek-coder", nil)

	res, err := o.Generate(context.Background(), Request{Prompt: "p", MaxTokens: 10})

	require.NoError(t, err)
	assert.Equal(t, Result{Text: "abcd", Model: "deepseek-coder", TotalDuration: 42}, res)
}

func TestOllama_GenerateMalformedChunk(t *testing.T) {
	exec := &fakeExecutor{resp: []byte(`{"response":"ab"}` + "\n" + `{oops`)}
	o, _ := NewOllama(exec, "deepseek-coder", nil)

	_, err := o.Generate(context.Background(), Request{Prompt: "p", MaxTokens: 10})

	var malformed *upstream.MalformedResponseError
	assert.ErrorAs(t, err, &malformed)
	assert.Equal(t, 1, exec.calls, "no retry on malformed responses")
}

func TestOllama_PropagatesExecutorErrorUnchanged(t *testing.T) {
	want := &upstream.UpstreamError{Method: "POST", Path: "/api/generate", Attempts: 3, Err: errors.New("down")}
	exec := &fakeExecutor{err: want}
	o, _ := NewOllama(exec, "deepseek-coder", nil)

	_, err := o.Generate(context.Background(), Request{Prompt: "p", MaxTokens: 10})
	assert.Same(t, want, err)
	assert.Equal(t, 1, exec.calls)

	_, err = o.ModelInfo(context.Background())
	assert.Same(t, want, err)
	assert.Equal(t, 2, exec.calls)
}

func TestOllama_ModelInfoForwardsModelAndBody(t *testing.T) {
	upstreamBody := `{"modelfile":"FROM deepseek-coder","details":{"family":"llama","parameter_size":"6.7B"}}`
	exec := &fakeExecutor{resp: []byte(upstreamBody)}
	o, _ := NewOllama(exec, "deepseek-coder:6.7b", nil)

	info, err := o.ModelInfo(context.Background())

	require.NoError(t, err)
	assert.Equal(t, upstreamBody, string(info), "body returned verbatim")
	assert.Equal(t, "/api/show", exec.path)
	assert.Equal(t, showRequest{Name: "deepseek-coder:6.7b"}, exec.body)
}

func TestOllama_ModelInfoInvalidJSON(t *testing.T) {
	exec := &fakeExecutor{resp: []byte(`<html>proxy error</html>`)}
	o, _ := NewOllama(exec, "deepseek-coder", nil)

	_, err := o.ModelInfo(context.Background())
	assert.Equal(t, upstream.KindMalformedResponse, upstream.KindOf(err))
}

func TestOllama_AgainstManager(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"num_predict":64`)

		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"model":"deepseek-coder","response":"package ","done":false}`+"\n")
		_, _ = io.WriteString(w, `{"model":"deepseek-coder","response":"main","done":true,"total_duration":99}`+"\n")
	}))
	defer server.Close()

	mgr, err := upstream.NewManager(upstream.Config{
		BaseURL:          server.URL,
		Timeout:          time.Second,
		FailureThreshold: 3,
		Retry:            resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	require.NoError(t, err)
	defer mgr.Close()

	o, err := NewOllama(mgr, "deepseek-coder", nil)
	require.NoError(t, err)

	res, err := o.Generate(context.Background(), Request{Prompt: "p", Temperature: 0.7, MaxTokens: 64})

	require.NoError(t, err)
	assert.Equal(t, "package main", res.Text)
	assert.Equal(t, int64(99), res.TotalDuration)
	assert.Equal(t, int32(1), calls.Load())
}
