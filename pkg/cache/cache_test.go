package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdhe/codegen-proxy/pkg/provider"
)

func setupRedis(t *testing.T, opts RedisOptions) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	opts.Addr = mr.Addr()
	if opts.TTL == 0 {
		opts.TTL = time.Minute
	}
	rc := NewRedisCache(opts)
	t.Cleanup(func() { _ = rc.Close() })
	return mr, rc
}

var sampleReq = provider.Request{Prompt: "reverse a string in go", Temperature: 0.7, MaxTokens: 2048}

func TestKey_Deterministic(t *testing.T) {
	assert.Equal(t, Key("deepseek-coder", sampleReq), Key("deepseek-coder", sampleReq))
	assert.Len(t, Key("deepseek-coder", sampleReq), 32)
}

func TestKey_DistinguishesEveryField(t *testing.T) {
	base := Key("deepseek-coder", sampleReq)

	variants := map[string]string{
		"model":       Key("codellama", sampleReq),
		"prompt":      Key("deepseek-coder", provider.Request{Prompt: "other", Temperature: 0.7, MaxTokens: 2048}),
		"system":      Key("deepseek-coder", provider.Request{Prompt: sampleReq.Prompt, SystemPrompt: "s", Temperature: 0.7, MaxTokens: 2048}),
		"temperature": Key("deepseek-coder", provider.Request{Prompt: sampleReq.Prompt, Temperature: 0.1, MaxTokens: 2048}),
		"max_tokens":  Key("deepseek-coder", provider.Request{Prompt: sampleReq.Prompt, Temperature: 0.7, MaxTokens: 10}),
	}
	for field, k := range variants {
		assert.NotEqual(t, base, k, field)
	}

	// Moving bytes between fields must not collide.
	a := Key("m", provider.Request{SystemPrompt: "ab", Prompt: "c"})
	b := Key("m", provider.Request{SystemPrompt: "a", Prompt: "bc"})
	assert.NotEqual(t, a, b)
}

func TestRedisCache_SetGet(t *testing.T) {
	mr, rc := setupRedis(t, RedisOptions{})
	ctx := context.Background()

	_, _, found, err := rc.Get(ctx, "deepseek-coder", "missing")
	require.NoError(t, err)
	assert.False(t, found)

	want := provider.Result{Text: "func f() {}", Model: "deepseek-coder", TotalDuration: 42}
	require.NoError(t, rc.Set(ctx, "deepseek-coder", "abc", want))

	got, age, found, err := rc.Get(ctx, "deepseek-coder", "abc")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)
	assert.GreaterOrEqual(t, age, time.Duration(0))

	key := "codegen:result:deepseek-coder:abc"
	assert.Equal(t, key, rc.Key("deepseek-coder", "abc"))
	assert.Equal(t, time.Minute, mr.TTL(key))

	raw, err := mr.Get(key)
	require.NoError(t, err)
	assert.Contains(t, raw, `"model":"deepseek-coder"`)
	assert.Contains(t, raw, `"stored_at"`)
}

func TestRedisCache_EntriesArePerModel(t *testing.T) {
	_, rc := setupRedis(t, RedisOptions{})
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "deepseek-coder", "abc", provider.Result{Text: "x"}))

	_, _, found, err := rc.Get(ctx, "codellama", "abc")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCache_Defaults(t *testing.T) {
	mr, rc := setupRedis(t, RedisOptions{TTL: -1, Namespace: "team-a:"})
	require.NoError(t, rc.Set(context.Background(), "m", "d", provider.Result{Text: "x"}))

	assert.Equal(t, defaultTTL, rc.TTL())
	assert.True(t, mr.Exists("team-a:result:m:d"))
	assert.Equal(t, defaultTTL, mr.TTL("team-a:result:m:d"))
}

func TestRedisCache_FixedTTLIsNotRefreshed(t *testing.T) {
	mr, rc := setupRedis(t, RedisOptions{TTL: time.Minute})
	ctx := context.Background()
	require.NoError(t, rc.Set(ctx, "m", "d", provider.Result{Text: "x"}))

	mr.FastForward(40 * time.Second)
	_, _, found, err := rc.Get(ctx, "m", "d")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 20*time.Second, mr.TTL(rc.Key("m", "d")))

	mr.FastForward(30 * time.Second)
	_, _, found, err = rc.Get(ctx, "m", "d")
	require.NoError(t, err)
	assert.False(t, found, "entry expired")
}

func TestRedisCache_SlidingTTLRefreshesOnHit(t *testing.T) {
	mr, rc := setupRedis(t, RedisOptions{TTL: time.Minute, SlidingTTL: true})
	ctx := context.Background()
	require.NoError(t, rc.Set(ctx, "m", "d", provider.Result{Text: "x"}))

	mr.FastForward(40 * time.Second)
	_, _, found, err := rc.Get(ctx, "m", "d")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, time.Minute, mr.TTL(rc.Key("m", "d")))

	mr.FastForward(40 * time.Second)
	_, _, found, err = rc.Get(ctx, "m", "d")
	require.NoError(t, err)
	assert.True(t, found, "hit kept the entry alive")
}

func TestRedisCache_CorruptEntryIsDropped(t *testing.T) {
	mr, rc := setupRedis(t, RedisOptions{})
	key := rc.Key("m", "bad")
	require.NoError(t, mr.Set(key, "{not json"))

	_, _, found, err := rc.Get(context.Background(), "m", "bad")
	assert.Error(t, err)
	assert.False(t, found)
	assert.False(t, mr.Exists(key))
}

func TestResultCache_LocalOnly(t *testing.T) {
	c := New(Config{LocalSize: 2, TTL: time.Minute}, nil)
	ctx := context.Background()

	_, ok := c.Lookup(ctx, "deepseek-coder", sampleReq)
	assert.False(t, ok)

	want := provider.Result{Text: "ok", Model: "deepseek-coder"}
	c.Store(ctx, "deepseek-coder", sampleReq, want)

	got, ok := c.Lookup(ctx, "deepseek-coder", sampleReq)
	assert.True(t, ok)
	assert.Equal(t, want, got)
	assert.NoError(t, c.Close())
}

func TestResultCache_LocalEviction(t *testing.T) {
	c := New(Config{LocalSize: 1, TTL: time.Minute}, nil)
	ctx := context.Background()

	c.Store(ctx, "m", provider.Request{Prompt: "a"}, provider.Result{Text: "A"})
	c.Store(ctx, "m", provider.Request{Prompt: "b"}, provider.Result{Text: "B"})

	assert.Equal(t, 1, c.Len())
	_, ok := c.Lookup(ctx, "m", provider.Request{Prompt: "a"})
	assert.False(t, ok)
}

func TestResultCache_FallsBackToRedisAndWarmsLocal(t *testing.T) {
	_, rc := setupRedis(t, RedisOptions{})
	ctx := context.Background()

	want := provider.Result{Text: "from redis", Model: "deepseek-coder", TotalDuration: 7}
	require.NoError(t, rc.Set(ctx, "deepseek-coder", Key("deepseek-coder", sampleReq), want))

	c := New(Config{LocalSize: 4, TTL: time.Minute}, rc)
	assert.Equal(t, 0, c.Len())

	got, ok := c.Lookup(ctx, "deepseek-coder", sampleReq)
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, c.Len())
}

func TestResultCache_StoreWritesBothTiers(t *testing.T) {
	mr, rc := setupRedis(t, RedisOptions{})
	c := New(Config{TTL: time.Minute}, rc)
	ctx := context.Background()

	c.Store(ctx, "deepseek-coder", sampleReq, provider.Result{Text: "x"})

	assert.True(t, mr.Exists(rc.Key("deepseek-coder", Key("deepseek-coder", sampleReq))))
	assert.Equal(t, 1, c.Len())
}

func TestResultCache_RedisDownIsAMiss(t *testing.T) {
	mr, rc := setupRedis(t, RedisOptions{})
	c := New(Config{TTL: time.Minute}, rc)
	ctx := context.Background()

	mr.SetError("ERR injected failure")

	_, ok := c.Lookup(ctx, "deepseek-coder", sampleReq)
	assert.False(t, ok)

	// Store still succeeds locally.
	c.Store(ctx, "deepseek-coder", sampleReq, provider.Result{Text: "local"})
	got, ok := c.Lookup(ctx, "deepseek-coder", sampleReq)
	assert.True(t, ok)
	assert.Equal(t, "local", got.Text)
}
