// Package cache implements the exact-match result cache: an in-process
// expiring LRU in front of an optional Redis tier.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/abdhe/codegen-proxy/pkg/metrics"
	"github.com/abdhe/codegen-proxy/pkg/provider"
)

const (
	defaultLocalSize = 1024
	defaultTTL       = time.Hour
)

// Config configures a ResultCache.
type Config struct {
	LocalSize int
	TTL       time.Duration
	Logger    *zap.Logger
}

// ResultCache orchestrates the local → remote → miss lookup flow. Remote
// errors are logged and treated as misses so the cache never fails a request.
type ResultCache struct {
	local  *expirable.LRU[string, provider.Result]
	remote *RedisCache // optional
	logger *zap.Logger
}

// New creates a ResultCache. remote may be nil for a local-only cache.
func New(cfg Config, remote *RedisCache) *ResultCache {
	if cfg.LocalSize <= 0 {
		cfg.LocalSize = defaultLocalSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ResultCache{
		local:  expirable.NewLRU[string, provider.Result](cfg.LocalSize, nil, cfg.TTL),
		remote: remote,
		logger: cfg.Logger.Named("cache"),
	}
}

// Lookup returns the cached result for (model, req), if any.
func (c *ResultCache) Lookup(ctx context.Context, model string, req provider.Request) (provider.Result, bool) {
	key := Key(model, req)

	if res, ok := c.local.Get(key); ok {
		metrics.RecordCacheLookup(true)
		return res, true
	}

	if c.remote != nil {
		res, age, found, err := c.remote.Get(ctx, model, key)
		if err != nil {
			c.logger.Warn("remote lookup failed, treating as miss", zap.Error(err))
		} else if found {
			c.logger.Debug("remote hit", zap.String("model", model), zap.Duration("age", age))
			c.local.Add(key, res)
			metrics.RecordCacheLookup(true)
			return res, true
		}
	}

	metrics.RecordCacheLookup(false)
	return provider.Result{}, false
}

// Store caches a result in both tiers.
func (c *ResultCache) Store(ctx context.Context, model string, req provider.Request, res provider.Result) {
	key := Key(model, req)
	c.local.Add(key, res)

	if c.remote == nil {
		return
	}
	if err := c.remote.Set(ctx, model, key, res); err != nil {
		c.logger.Warn("remote store failed", zap.Error(err))
	}
}

// Len reports the number of entries in the local tier.
func (c *ResultCache) Len() int { return c.local.Len() }

// Close releases the remote tier.
func (c *ResultCache) Close() error {
	c.local.Purge()
	if c.remote == nil {
		return nil
	}
	return c.remote.Close()
}

// Key derives a deterministic digest for (model, req). Fields are
// length-prefixed so different splits of the same bytes never collide.
func Key(model string, req provider.Request) string {
	h := sha256.New()
	var buf [8]byte
	for _, s := range []string{model, req.SystemPrompt, req.Prompt} {
		binary.BigEndian.PutUint64(buf[:], uint64(len(s)))
		h.Write(buf[:])
		h.Write([]byte(s))
	}
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(req.Temperature))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(req.MaxTokens))
	h.Write(buf[:])

	return hex.EncodeToString(h.Sum(nil)[:16])
}
