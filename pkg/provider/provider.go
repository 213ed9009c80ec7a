// Package provider defines the generation interface and the Ollama client
// that implements it on top of the upstream connection manager.
package provider

import (
	"context"
	"encoding/json"
)

// Request represents a code-generation request.
type Request struct {
	Prompt       string
	SystemPrompt string // optional
	Temperature  float64
	MaxTokens    int
}

// Result is the reassembled output of one generation call.
type Result struct {
	Text          string `json:"text"`
	Model         string `json:"model"`
	TotalDuration int64  `json:"total_duration"` // as reported upstream, 0 if absent
}

// Provider is the interface the proxy service talks to.
type Provider interface {
	// Name returns a human-readable identifier for this provider (e.g. "ollama").
	Name() string

	// Model returns the configured model identifier.
	Model() string

	// Generate runs one generation and returns the full text.
	Generate(ctx context.Context, req Request) (Result, error)

	// ModelInfo returns the upstream model metadata unmodified.
	ModelInfo(ctx context.Context) (json.RawMessage, error)
}
