package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/abdhe/codegen-proxy/pkg/upstream"
)

const (
	generatePath = "/api/generate"
	showPath     = "/api/show"
)

// Executor sends one policy-wrapped request upstream. *upstream.Manager
// implements it.
type Executor interface {
	Execute(ctx context.Context, method, path string, body any, headers map[string]string) ([]byte, error)
}

// Ollama implements Provider against an Ollama server. It adds no retries
// of its own; those belong to the Executor.
type Ollama struct {
	exec   Executor
	model  string
	logger *zap.Logger
}

// NewOllama creates a client for the given model.
func NewOllama(exec Executor, model string, logger *zap.Logger) (*Ollama, error) {
	if exec == nil {
		return nil, errors.New("ollama: executor is required")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("ollama: model name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ollama{exec: exec, model: model, logger: logger.Named("ollama")}, nil
}

func (o *Ollama) Name() string  { return "ollama" }
func (o *Ollama) Model() string { return o.model }

// ---------------------------------------------------------------------------
// Request types for the Ollama API
// ---------------------------------------------------------------------------

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type showRequest struct {
	Name string `json:"name"`
}

// Generate posts to /api/generate and reassembles the chunked body.
func (o *Ollama) Generate(ctx context.Context, req Request) (Result, error) {
	payload := generateRequest{
		Model:  o.model,
		Prompt: req.Prompt,
		System: req.SystemPrompt,
		Options: generateOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}

	body, err := o.exec.Execute(ctx, http.MethodPost, generatePath, payload, nil)
	if err != nil {
		return Result{}, err
	}

	res, err := ParseChunks(bytes.NewReader(body))
	if err != nil {
		o.logger.Error("malformed generate response", zap.Error(err))
		return Result{}, err
	}
	if res.Model == "" {
		res.Model = o.model
	}

	o.logger.Debug("generation complete",
		zap.Int("chars", len(res.Text)),
		zap.Int64("total_duration", res.TotalDuration),
	)
	return res, nil
}

// ModelInfo posts to /api/show and returns the body verbatim.
func (o *Ollama) ModelInfo(ctx context.Context) (json.RawMessage, error) {
	body, err := o.exec.Execute(ctx, http.MethodPost, showPath, showRequest{Name: o.model}, nil)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, &upstream.MalformedResponseError{Raw: string(body), Err: errors.New("model info is not valid JSON")}
	}
	return json.RawMessage(body), nil
}
