// Package proxy exposes the generation client over HTTP and gRPC.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abdhe/codegen-proxy/pkg/cache"
	"github.com/abdhe/codegen-proxy/pkg/metrics"
	"github.com/abdhe/codegen-proxy/pkg/provider"
	"github.com/abdhe/codegen-proxy/pkg/resilience"
)

const (
	serviceName = "deepseek-coder-api"

	defaultTemperature = 0.7
	defaultMaxTokens   = 2048

	// cacheStoreTimeout bounds the asynchronous cache write after a response.
	cacheStoreTimeout = 5 * time.Second
)

// BreakerStatus reports the state of the upstream circuit breaker.
type BreakerStatus interface {
	State() resilience.CircuitState
	ConsecutiveFailures() int
}

// Config holds the service dependencies.
type Config struct {
	Provider           provider.Provider
	Cache              *cache.ResultCache // optional
	Breaker            BreakerStatus      // optional
	UpstreamURL        string
	Environment        string
	RateLimitPerMinute int
	Logger             *zap.Logger
}

// Service implements the generation use cases shared by every transport.
type Service struct {
	provider    provider.Provider
	cache       *cache.ResultCache
	breaker     BreakerStatus
	upstreamURL string
	environment string
	rateLimit   int
	logger      *zap.Logger

	stores sync.WaitGroup
}

// NewService creates a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("proxy: provider is required")
	}
	if cfg.Environment == "" {
		cfg.Environment = "local"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	metrics.RateLimitPerMinute.Set(float64(cfg.RateLimitPerMinute))

	return &Service{
		provider:    cfg.Provider,
		cache:       cfg.Cache,
		breaker:     cfg.Breaker,
		upstreamURL: cfg.UpstreamURL,
		environment: cfg.Environment,
		rateLimit:   cfg.RateLimitPerMinute,
		logger:      cfg.Logger.Named("service"),
	}, nil
}

// GenerateRequest is the inbound generation request. Nil fields take defaults.
type GenerateRequest struct {
	Prompt       string   `json:"prompt"`
	SystemPrompt *string  `json:"system_prompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
}

// GenerateResponse is returned by a successful generation.
type GenerateResponse struct {
	GeneratedCode string `json:"generated_code"`
	Model         string `json:"model"`
	TotalDuration int64  `json:"total_duration"`
	Cached        bool   `json:"cached"`
}

// ModelInfoResponse wraps the upstream model metadata.
type ModelInfoResponse struct {
	ModelName string          `json:"model_name"`
	Status    string          `json:"status"`
	Details   json.RawMessage `json:"details"`
}

// HealthResponse describes the service and its upstream.
type HealthResponse struct {
	Status              string `json:"status"`
	Service             string `json:"service"`
	Environment         string `json:"environment"`
	OllamaURL           string `json:"ollama_url"`
	Model               string `json:"model"`
	CircuitState        string `json:"circuit_state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	RateLimitPerMinute  int    `json:"rate_limit_per_minute"`
}

// ValidationError reports a request that failed input checks.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Normalize validates req and fills in defaults.
func (r GenerateRequest) Normalize() (provider.Request, error) {
	if strings.TrimSpace(r.Prompt) == "" {
		return provider.Request{}, &ValidationError{Field: "prompt", Message: "field required"}
	}

	out := provider.Request{
		Prompt:      r.Prompt,
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
	}
	if r.SystemPrompt != nil {
		out.SystemPrompt = *r.SystemPrompt
	}
	if r.Temperature != nil {
		if *r.Temperature < 0 || *r.Temperature > 1 {
			return provider.Request{}, &ValidationError{Field: "temperature", Message: "must be between 0 and 1"}
		}
		out.Temperature = *r.Temperature
	}
	if r.MaxTokens != nil {
		if *r.MaxTokens < 1 {
			return provider.Request{}, &ValidationError{Field: "max_tokens", Message: "must be at least 1"}
		}
		out.MaxTokens = *r.MaxTokens
	}
	return out, nil
}

// Generate validates the request, consults the cache and calls the provider.
func (s *Service) Generate(ctx context.Context, in GenerateRequest) (GenerateResponse, error) {
	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	req, err := in.Normalize()
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("invalid").Inc()
		return GenerateResponse{}, err
	}

	model := s.provider.Model()

	if s.cache != nil {
		if res, ok := s.cache.Lookup(ctx, model, req); ok {
			metrics.RequestsTotal.WithLabelValues("cache_hit").Inc()
			return toResponse(res, true), nil
		}
	}

	res, err := s.provider.Generate(ctx, req)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("error").Inc()
		s.logger.Error("generation failed", zap.Error(err))
		return GenerateResponse{}, err
	}
	metrics.RequestsTotal.WithLabelValues("success").Inc()

	if s.cache != nil {
		s.stores.Add(1)
		go func() {
			defer s.stores.Done()
			storeCtx, cancel := context.WithTimeout(context.Background(), cacheStoreTimeout)
			defer cancel()
			s.cache.Store(storeCtx, model, req, res)
		}()
	}

	return toResponse(res, false), nil
}

// ModelInfo returns metadata for the configured model.
func (s *Service) ModelInfo(ctx context.Context) (ModelInfoResponse, error) {
	details, err := s.provider.ModelInfo(ctx)
	if err != nil {
		s.logger.Error("model info failed", zap.Error(err))
		return ModelInfoResponse{}, err
	}
	return ModelInfoResponse{
		ModelName: s.provider.Model(),
		Status:    "loaded",
		Details:   details,
	}, nil
}

// Health reports static configuration plus the live breaker state. It never
// calls upstream.
func (s *Service) Health() HealthResponse {
	h := HealthResponse{
		Status:             "healthy",
		Service:            serviceName,
		Environment:        s.environment,
		OllamaURL:          s.upstreamURL,
		Model:              s.provider.Model(),
		CircuitState:       resilience.StateClosed.String(),
		RateLimitPerMinute: s.rateLimit,
	}
	if s.breaker != nil {
		state := s.breaker.State()
		h.CircuitState = state.String()
		h.ConsecutiveFailures = s.breaker.ConsecutiveFailures()
		if state == resilience.StateOpen {
			h.Status = "degraded"
		}
	}
	return h
}

// Wait blocks until pending cache writes finish.
func (s *Service) Wait() {
	s.stores.Wait()
}

func toResponse(res provider.Result, cached bool) GenerateResponse {
	return GenerateResponse{
		GeneratedCode: res.Text,
		Model:         res.Model,
		TotalDuration: res.TotalDuration,
		Cached:        cached,
	}
}
