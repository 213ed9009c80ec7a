// Package config provides configuration management using Viper.
// Values come from defaults, an optional YAML file and the environment, in
// increasing order of priority.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/abdhe/codegen-proxy/pkg/upstream"
)

// Config is the full runtime configuration of the proxy.
type Config struct {
	Upstream   Upstream
	Resilience Resilience
	Server     Server
	Cache      Cache
	Log        Log
}

// Upstream describes the inference server.
type Upstream struct {
	BaseURL string
	Model   string
	Timeout time.Duration // per attempt
}

// Resilience holds the retry, breaker and probe settings.
type Resilience struct {
	FailureThreshold int
	Cooldown         time.Duration
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	ProbeSchedule    string // empty or "off" disables the prober
}

// Server holds listener ports and informational settings.
type Server struct {
	HTTPPort           int
	GRPCPort           int
	MetricsPort        int
	RateLimitPerMinute int
	Environment        string
}

// Cache configures the optional result cache.
type Cache struct {
	Enabled       bool
	RedisAddr     string // empty keeps the cache in-process only
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
	SlidingTTL    bool // a Redis hit refreshes the entry's expiry
	LocalSize     int
}

// Log configures the zap logger.
type Log struct {
	Level  string
	Format string
	File   string
}

// envBindings maps config keys to their environment variable names.
var envBindings = map[string]string{
	"upstream.base_url":            "OLLAMA_API_BASE_URL",
	"upstream.model":               "OLLAMA_MODEL_NAME",
	"upstream.timeout":             "REQUEST_TIMEOUT",
	"resilience.failure_threshold": "CB_FAILURE_THRESHOLD",
	"resilience.cooldown":          "CB_COOLDOWN",
	"resilience.max_retries":       "MAX_RETRIES",
	"resilience.base_delay":        "RETRY_BASE_DELAY",
	"resilience.max_delay":         "RETRY_MAX_DELAY",
	"resilience.probe_schedule":    "PROBE_SCHEDULE",
	"server.http_port":             "HTTP_PORT",
	"server.grpc_port":             "GRPC_PORT",
	"server.metrics_port":          "METRICS_PORT",
	"server.rate_limit_per_minute": "RATE_LIMIT_PER_MINUTE",
	"server.environment":           "CHOREO_ENV",
	"cache.enabled":                "CACHE_ENABLED",
	"cache.redis_addr":             "REDIS_ADDR",
	"cache.redis_password":         "REDIS_PASSWORD",
	"cache.redis_db":               "REDIS_DB",
	"cache.ttl":                    "CACHE_TTL",
	"cache.sliding_ttl":            "CACHE_SLIDING_TTL",
	"cache.local_size":             "CACHE_LOCAL_SIZE",
	"log.level":                    "LOG_LEVEL",
	"log.format":                   "LOG_FORMAT",
	"log.file":                     "LOG_FILE",
}

// Load reads configuration. configPath may be empty.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	d := durationReader{v: v}
	cfg := &Config{
		Upstream: Upstream{
			BaseURL: strings.TrimRight(v.GetString("upstream.base_url"), "/"),
			Model:   strings.TrimSpace(v.GetString("upstream.model")),
			Timeout: d.get("upstream.timeout"),
		},
		Resilience: Resilience{
			FailureThreshold: v.GetInt("resilience.failure_threshold"),
			Cooldown:         d.get("resilience.cooldown"),
			MaxAttempts:      v.GetInt("resilience.max_retries"),
			BaseDelay:        d.get("resilience.base_delay"),
			MaxDelay:         d.get("resilience.max_delay"),
			ProbeSchedule:    probeSchedule(v.GetString("resilience.probe_schedule")),
		},
		Server: Server{
			HTTPPort:           v.GetInt("server.http_port"),
			GRPCPort:           v.GetInt("server.grpc_port"),
			MetricsPort:        v.GetInt("server.metrics_port"),
			RateLimitPerMinute: v.GetInt("server.rate_limit_per_minute"),
			Environment:        v.GetString("server.environment"),
		},
		Cache: Cache{
			Enabled:       v.GetBool("cache.enabled"),
			RedisAddr:     v.GetString("cache.redis_addr"),
			RedisPassword: v.GetString("cache.redis_password"),
			RedisDB:       v.GetInt("cache.redis_db"),
			TTL:           d.get("cache.ttl"),
			SlidingTTL:    v.GetBool("cache.sliding_ttl"),
			LocalSize:     v.GetInt("cache.local_size"),
		},
		Log: Log{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
			File:   v.GetString("log.file"),
		},
	}
	if len(d.errs) > 0 {
		return nil, fmt.Errorf("invalid duration values: %s", strings.Join(d.errs, ", "))
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("upstream.base_url", "http://localhost:11434")
	v.SetDefault("upstream.model", "deepseek-coder")
	v.SetDefault("upstream.timeout", "300s")

	v.SetDefault("resilience.failure_threshold", 3)
	v.SetDefault("resilience.cooldown", "0s")
	v.SetDefault("resilience.max_retries", 3)
	v.SetDefault("resilience.base_delay", "4s")
	v.SetDefault("resilience.max_delay", "10s")
	v.SetDefault("resilience.probe_schedule", upstream.DefaultProbeSchedule)

	v.SetDefault("server.http_port", 8000)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.rate_limit_per_minute", 60)
	v.SetDefault("server.environment", "local")

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("cache.sliding_ttl", false)
	v.SetDefault("cache.local_size", 1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// probeSchedule normalizes the prober schedule. "off" disables it, since an
// empty environment variable falls back to the default.
func probeSchedule(s string) string {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "off") {
		return ""
	}
	return s
}

// durationReader reads durations where a bare number means seconds, so
// REQUEST_TIMEOUT=300 and REQUEST_TIMEOUT=5m are both accepted.
type durationReader struct {
	v    *viper.Viper
	errs []string
}

func (d *durationReader) get(key string) time.Duration {
	dur, err := ParseSeconds(d.v.GetString(key))
	if err != nil {
		d.errs = append(d.errs, fmt.Sprintf("%s: %v", key, err))
	}
	return dur
}

// ParseSeconds parses "300", "2.5" or any time.ParseDuration string.
func ParseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// Validate checks that every value is usable. It reports all problems at once.
func Validate(cfg *Config) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if u, err := url.Parse(cfg.Upstream.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("upstream.base_url (OLLAMA_API_BASE_URL) must be an http(s) URL, got %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.Model == "" {
		add("upstream.model (OLLAMA_MODEL_NAME) is required")
	}
	if cfg.Upstream.Timeout <= 0 {
		add("upstream.timeout (REQUEST_TIMEOUT) must be positive")
	}

	r := cfg.Resilience
	if r.FailureThreshold < 1 {
		add("resilience.failure_threshold (CB_FAILURE_THRESHOLD) must be at least 1")
	}
	if r.Cooldown < 0 {
		add("resilience.cooldown (CB_COOLDOWN) must not be negative")
	}
	if r.MaxAttempts < 1 {
		add("resilience.max_retries (MAX_RETRIES) must be at least 1")
	}
	if r.BaseDelay < 0 || r.MaxDelay < 0 {
		add("retry delays must not be negative")
	}
	if r.MaxDelay > 0 && r.BaseDelay > r.MaxDelay {
		add("resilience.base_delay (%s) exceeds resilience.max_delay (%s)", r.BaseDelay, r.MaxDelay)
	}
	if r.ProbeSchedule != "" {
		if _, err := cron.ParseStandard(r.ProbeSchedule); err != nil {
			add("resilience.probe_schedule (PROBE_SCHEDULE): %v", err)
		}
	}

	for name, port := range map[string]int{
		"server.http_port":    cfg.Server.HTTPPort,
		"server.grpc_port":    cfg.Server.GRPCPort,
		"server.metrics_port": cfg.Server.MetricsPort,
	} {
		if port < 1 || port > 65535 {
			add("%s must be in 1..65535, got %d", name, port)
		}
	}
	if cfg.Server.RateLimitPerMinute < 0 {
		add("server.rate_limit_per_minute must not be negative")
	}

	if cfg.Cache.Enabled {
		if cfg.Cache.TTL <= 0 {
			add("cache.ttl (CACHE_TTL) must be positive")
		}
		if cfg.Cache.LocalSize < 1 {
			add("cache.local_size (CACHE_LOCAL_SIZE) must be at least 1")
		}
	}

	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		add("log.level (LOG_LEVEL): %v", err)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "console" {
		add("log.format (LOG_FORMAT) must be json or console, got %q", cfg.Log.Format)
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
