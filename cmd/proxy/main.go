// Code-generation proxy: main entry point
//
// Configuration is read from an optional YAML file (-config) and the
// environment. The main variables are:
//
//	OLLAMA_API_BASE_URL   Ollama server URL (default: http://localhost:11434)
//	OLLAMA_MODEL_NAME     Model to run (default: deepseek-coder)
//	REQUEST_TIMEOUT       Per-attempt timeout, seconds or duration (default: 300)
//	MAX_RETRIES           Total attempts per call (default: 3)
//	CB_FAILURE_THRESHOLD  Consecutive failures before the breaker opens (default: 3)
//	CB_COOLDOWN           Half-open delay, 0 disables (default: 0)
//	PROBE_SCHEDULE        Liveness probe schedule, "off" disables (default: @every 30s)
//	HTTP_PORT             REST API port (default: 8000)
//	GRPC_PORT             gRPC server port (default: 50051)
//	METRICS_PORT          Prometheus metrics HTTP port (default: 9090)
//	CACHE_ENABLED         Enable the result cache (default: false)
//	REDIS_ADDR            Redis address for the shared cache tier (default: none)
//	CACHE_SLIDING_TTL     Refresh a Redis entry's expiry on every hit (default: false)
//	LOG_LEVEL, LOG_FORMAT, LOG_FILE
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"

	"github.com/abdhe/codegen-proxy/pkg/cache"
	"github.com/abdhe/codegen-proxy/pkg/config"
	"github.com/abdhe/codegen-proxy/pkg/logging"
	"github.com/abdhe/codegen-proxy/pkg/provider"
	"github.com/abdhe/codegen-proxy/pkg/proxy"
	"github.com/abdhe/codegen-proxy/pkg/resilience"
	"github.com/abdhe/codegen-proxy/pkg/upstream"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("proxy exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting code-generation proxy",
		zap.String("ollama_url", cfg.Upstream.BaseURL),
		zap.String("model", cfg.Upstream.Model),
		zap.String("environment", cfg.Server.Environment),
	)

	// -------------------------------------------------------------------------
	// Upstream connection manager
	// -------------------------------------------------------------------------
	healthSrv := health.NewServer()

	// the hook reads the breaker back, so it needs mgr once it exists
	var mgr *upstream.Manager
	healthHook := proxy.HealthHook(healthSrv, func() resilience.CircuitState { return mgr.Breaker().State() })

	mgr, err := upstream.NewManager(upstream.Config{
		BaseURL:          cfg.Upstream.BaseURL,
		Timeout:          cfg.Upstream.Timeout,
		FailureThreshold: cfg.Resilience.FailureThreshold,
		Cooldown:         cfg.Resilience.Cooldown,
		Retry: resilience.RetryConfig{
			MaxAttempts: cfg.Resilience.MaxAttempts,
			BaseDelay:   cfg.Resilience.BaseDelay,
			MaxDelay:    cfg.Resilience.MaxDelay,
			Multiplier:  2,
		},
		OnStateChange: healthHook,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("upstream manager: %w", err)
	}
	defer func() { _ = mgr.Close() }()

	var prober *upstream.Prober
	if cfg.Resilience.ProbeSchedule != "" {
		prober, err = upstream.NewProber(mgr, cfg.Resilience.ProbeSchedule, logger)
		if err != nil {
			return fmt.Errorf("prober: %w", err)
		}
		prober.Start()
	}

	// -------------------------------------------------------------------------
	// Provider and cache
	// -------------------------------------------------------------------------
	ollama, err := provider.NewOllama(mgr, cfg.Upstream.Model, logger)
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}

	resultCache := newCache(cfg.Cache, logger)
	if resultCache != nil {
		defer func() { _ = resultCache.Close() }()
	}

	svc, err := proxy.NewService(proxy.Config{
		Provider:           ollama,
		Cache:              resultCache,
		Breaker:            mgr.Breaker(),
		UpstreamURL:        cfg.Upstream.BaseURL,
		Environment:        cfg.Server.Environment,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("service: %w", err)
	}

	// -------------------------------------------------------------------------
	// Servers
	// -------------------------------------------------------------------------
	errCh := make(chan error, 3)

	grpcServer := proxy.NewGRPCServer(svc, healthSrv, logger)
	grpcLis, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen on gRPC port %d: %w", cfg.Server.GRPCPort, err)
	}
	go func() {
		logger.Info("gRPC server listening", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	apiServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.HTTPPort),
		Handler:           proxy.NewHTTPHandler(svc, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP API listening", zap.Int("port", cfg.Server.HTTPPort))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP API server: %w", err)
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	metricsServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// -------------------------------------------------------------------------
	// Graceful shutdown
	// -------------------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case runErr = <-errCh:
		logger.Error("server failed, shutting down", zap.Error(runErr))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if prober != nil {
		prober.Stop(shutdownCtx)
	}

	healthSrv.Shutdown()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP API shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", zap.Error(err))
	}
	svc.Wait()

	logger.Info("code-generation proxy shut down")
	return runErr
}

// newCache returns nil when caching is disabled.
func newCache(cfg config.Cache, logger *zap.Logger) *cache.ResultCache {
	if !cfg.Enabled {
		return nil
	}

	var remote *cache.RedisCache
	if cfg.RedisAddr != "" {
		remote = cache.NewRedisCache(cache.RedisOptions{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			TTL:        cfg.TTL,
			SlidingTTL: cfg.SlidingTTL,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := remote.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, using in-process cache only", zap.Error(err))
			_ = remote.Close()
			remote = nil
		}
		cancel()
	}

	logger.Info("result cache enabled",
		zap.Bool("redis", remote != nil),
		zap.Duration("ttl", cfg.TTL),
		zap.Bool("sliding_ttl", cfg.SlidingTTL),
		zap.Int("local_size", cfg.LocalSize),
	)
	return cache.New(cache.Config{LocalSize: cfg.LocalSize, TTL: cfg.TTL, Logger: logger}, remote)
}
