package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abdhe/codegen-proxy/pkg/provider"
)

const defaultNamespace = "codegen:"

// RedisCache is the shared result tier. Entries are stored per model under
// <namespace>result:<model>:<digest> and expire after the configured TTL.
// With SlidingTTL a hit pushes the expiry out again, so prompts that keep
// coming back stay cached.
type RedisCache struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	sliding   bool
}

// RedisOptions configures NewRedisCache.
type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	TTL        time.Duration
	Namespace  string // default "codegen:"
	SlidingTTL bool
}

// redisEntry is the stored value. Model and StoredAt make entries readable
// from redis-cli and let Get report the age of a hit.
type redisEntry struct {
	Model    string          `json:"model"`
	StoredAt time.Time       `json:"stored_at"`
	Result   provider.Result `json:"result"`
}

// NewRedisCache creates a Redis-backed result tier.
func NewRedisCache(opts RedisOptions) *RedisCache {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Namespace == "" {
		opts.Namespace = defaultNamespace
	}
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		namespace: opts.Namespace,
		ttl:       opts.TTL,
		sliding:   opts.SlidingTTL,
	}
}

// Key returns the Redis key for a digest produced by Key.
func (r *RedisCache) Key(model, digest string) string {
	return r.namespace + "result:" + model + ":" + digest
}

// Get looks up the result stored for (model, digest). A missing key is not
// an error. The second return reports how long ago the entry was written.
func (r *RedisCache) Get(ctx context.Context, model, digest string) (provider.Result, time.Duration, bool, error) {
	key := r.Key(model, digest)

	var cmd *redis.StringCmd
	if r.sliding {
		cmd = r.client.GetEx(ctx, key, r.ttl)
	} else {
		cmd = r.client.Get(ctx, key)
	}
	val, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return provider.Result{}, 0, false, nil
	}
	if err != nil {
		return provider.Result{}, 0, false, fmt.Errorf("redis_cache: get %s: %w", key, err)
	}

	var entry redisEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		// drop it so the next store can replace it
		_ = r.client.Del(ctx, key).Err()
		return provider.Result{}, 0, false, fmt.Errorf("redis_cache: decode %s: %w", key, err)
	}

	var age time.Duration
	if !entry.StoredAt.IsZero() {
		age = time.Since(entry.StoredAt)
	}
	return entry.Result, age, true, nil
}

// Set stores res for (model, digest) with the configured TTL.
func (r *RedisCache) Set(ctx context.Context, model, digest string, res provider.Result) error {
	data, err := json.Marshal(redisEntry{Model: model, StoredAt: time.Now().UTC(), Result: res})
	if err != nil {
		return fmt.Errorf("redis_cache: encode: %w", err)
	}

	key := r.Key(model, digest)
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis_cache: set %s: %w", key, err)
	}
	return nil
}

// TTL reports the expiry applied to stored entries.
func (r *RedisCache) TTL() time.Duration { return r.ttl }

// Ping checks the Redis connection.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
