package resilient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"goflare.io/scribe/internal/cache/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type post struct {
	Title string `json:"title"`
	Views int    `json:"views"`
}

// loadingReply is what a server that is up but unable to serve data answers.
const loadingReply = "LOADING Redis is loading the dataset in memory"

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	return mr, rdb
}

func newClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientUsesNetworkBackend(t *testing.T) {
	mr, rdb := newRedis(t)
	c := newClient(t, Options{Remote: rdb})
	ctx := context.Background()

	require.True(t, c.IsBackendActive())
	require.NoError(t, c.SetEx(ctx, "posts:tech:1:10", time.Minute, post{Title: "hello", Views: 3}))
	assert.True(t, mr.Exists("posts:tech:1:10"))
	assert.Equal(t, time.Minute, mr.TTL("posts:tech:1:10"))

	var got post
	found, err := c.Get(ctx, "posts:tech:1:10", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, post{Title: "hello", Views: 3}, got)

	found, err = c.Get(ctx, "posts:tech:2:10", &got)
	require.NoError(t, err)
	assert.False(t, found)

	_, ok := c.memCache.Get("posts:tech:1:10")
	assert.False(t, ok, "memory backend must not be written while the network backend is healthy")
}

func TestClientFallsBackOnBackendError(t *testing.T) {
	mr, rdb := newRedis(t)
	core, logs := observer.New(zapcore.WarnLevel)
	c := newClient(t, Options{Remote: rdb, Logger: zap.New(core), DisableReconnect: true})
	ctx := context.Background()
	require.True(t, c.IsBackendActive())

	mr.SetError(loadingReply)

	require.NoError(t, c.SetEx(ctx, "quote", time.Minute, "v1"))
	assert.False(t, c.IsBackendActive())

	var got string
	found, err := c.Get(ctx, "quote", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v1", got)

	require.NoError(t, c.SetEx(ctx, "quote", time.Minute, "v2"))
	require.NoError(t, c.Delete(ctx, "other"))
	require.NoError(t, c.FlushAll(ctx))

	assert.Equal(t, 1, logs.FilterMessage("Cache backend unavailable, serving from memory").Len())
}

func TestClientGetFallsBackAfterReadError(t *testing.T) {
	mr, rdb := newRedis(t)
	c := newClient(t, Options{Remote: rdb, DisableReconnect: true})
	ctx := context.Background()

	mr.SetError(loadingReply)

	var got string
	found, err := c.Get(ctx, "missing", &got)
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, c.IsBackendActive())
}

func TestClientReplyErrorKeepsBackend(t *testing.T) {
	mr, rdb := newRedis(t)
	core, logs := observer.New(zapcore.WarnLevel)
	c := newClient(t, Options{Remote: rdb, Logger: zap.New(core), DisableReconnect: true})
	ctx := context.Background()

	_, err := mr.Lpush("listkey", "x")
	require.NoError(t, err)

	var got string
	found, err := c.Get(ctx, "listkey", &got)
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, c.IsBackendActive(), "a WRONGTYPE reply must not bypass a healthy backend")

	mr.SetError("ERR unknown command")
	require.NoError(t, c.SetEx(ctx, "quote", time.Minute, "v1"))
	assert.True(t, c.IsBackendActive())
	_, ok := c.memCache.Get("quote")
	assert.True(t, ok, "the rejected write is served by memory")

	mr.SetError("")
	require.NoError(t, c.SetEx(ctx, "quote", time.Minute, "v2"))
	assert.True(t, mr.Exists("quote"))

	assert.Equal(t, 2, logs.FilterMessage("Cache command rejected, serving call from memory").Len())
	assert.Zero(t, logs.FilterMessage("Cache backend unavailable, serving from memory").Len())
}

func TestIsReplyError(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want bool
	}{
		{"wrongtype", fmt.Errorf("redis get failed: %w", redisReply("WRONGTYPE Operation against a key holding the wrong kind of value")), true},
		{"loading", redisReply(loadingReply), false},
		{"masterdown", redisReply("MASTERDOWN Link with MASTER is down"), false},
		{"network", errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), false},
		{"deadline", context.DeadlineExceeded, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isReplyError(tc.err))
		})
	}
}

// redisReply mimics an error reply decoded by the redis client.
type redisReply string

func (e redisReply) Error() string { return string(e) }

func (redisReply) RedisError() {}

func TestClientNonPositiveTTLUsesDefault(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	mc, err := memory.New(memory.Options{DefaultTTL: 2 * time.Minute, Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mc.Close() })
	ctx := context.Background()

	mr, rdb := newRedis(t)
	networked := newClient(t, Options{Remote: rdb, Memory: mc})
	require.NoError(t, networked.SetEx(ctx, "z", 0, "v"))
	assert.Equal(t, 2*time.Minute, mr.TTL("z"))
	require.NoError(t, networked.SetEx(ctx, "neg", -time.Second, "v"))
	assert.Equal(t, 2*time.Minute, mr.TTL("neg"))

	local := newClient(t, Options{Memory: mc})
	require.NoError(t, local.SetEx(ctx, "z", 0, "v"))

	var got string
	found, err := local.Get(ctx, "z", &got)
	require.NoError(t, err)
	require.True(t, found)

	clock.Advance(3 * time.Minute)
	found, err = local.Get(ctx, "z", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClientReconnects(t *testing.T) {
	mr, rdb := newRedis(t)
	c := newClient(t, Options{
		Remote:              rdb,
		ReconnectMinBackoff: 10 * time.Millisecond,
		ReconnectMaxBackoff: 50 * time.Millisecond,
	})
	ctx := context.Background()

	mr.SetError(loadingReply)
	require.NoError(t, c.SetEx(ctx, "quote", time.Minute, "v1"))
	require.False(t, c.IsBackendActive())

	mr.SetError("")
	require.Eventually(t, c.IsBackendActive, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.SetEx(ctx, "quote", time.Minute, "v2"))
	assert.True(t, mr.Exists("quote"))
}

func TestClientStartsWithUnreachableBackend(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	c := newClient(t, Options{Remote: rdb, DialTimeout: 100 * time.Millisecond, DisableReconnect: true})
	ctx := context.Background()

	assert.False(t, c.IsBackendActive())
	require.NoError(t, c.SetEx(ctx, "k", time.Minute, 42))

	var got int
	found, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 42, got)
}

func TestClientWithoutBackendExpiresEntries(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	mc, err := memory.New(memory.Options{Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mc.Close() })

	c := newClient(t, Options{Memory: mc})
	ctx := context.Background()
	assert.False(t, c.IsBackendActive())

	require.NoError(t, c.SetEx(ctx, "x", 5*time.Second, "v1"))

	var got string
	found, err := c.Get(ctx, "x", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v1", got)

	clock.Advance(6 * time.Second)

	found, err = c.Get(ctx, "x", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClientCancelledContextKeepsBackend(t *testing.T) {
	_, rdb := newRedis(t)
	c := newClient(t, Options{Remote: rdb})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var got string
	_, err := c.Get(ctx, "k", &got)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.ErrorIs(t, c.SetEx(ctx, "k", time.Minute, "v"), context.Canceled)
	assert.True(t, c.IsBackendActive())
}

func TestClientDeleteAndFlushAll(t *testing.T) {
	mr, rdb := newRedis(t)
	c := newClient(t, Options{Remote: rdb})
	ctx := context.Background()

	require.NoError(t, c.SetEx(ctx, "a", time.Minute, 1))
	require.NoError(t, c.SetEx(ctx, "b", time.Minute, 2))

	require.NoError(t, c.Delete(ctx, "a"))
	assert.False(t, mr.Exists("a"))
	assert.True(t, mr.Exists("b"))

	require.NoError(t, c.FlushAll(ctx))
	assert.Empty(t, mr.Keys())
}

func TestClientDecodeError(t *testing.T) {
	mr, rdb := newRedis(t)
	c := newClient(t, Options{Remote: rdb})
	require.NoError(t, mr.Set("broken", "{not json"))

	var got post
	found, err := c.Get(context.Background(), "broken", &got)
	require.Error(t, err)
	assert.False(t, found)
	assert.True(t, c.IsBackendActive())
}

func TestClientNegativeLookup(t *testing.T) {
	mr, rdb := newRedis(t)
	require.NoError(t, mr.Set("existing", `"before"`))

	c := newClient(t, Options{
		Remote:         rdb,
		NegativeLookup: NegativeLookup{Enabled: true, ExpectedItems: 1000, FalsePositiveRate: 0.001},
	})
	ctx := context.Background()

	var got string
	found, err := c.Get(ctx, "existing", &got)
	require.NoError(t, err)
	require.True(t, found, "keys present at startup are loaded into the filter")
	assert.Equal(t, "before", got)

	require.NoError(t, mr.Set("sideloaded", `"later"`))
	found, err = c.Get(ctx, "sideloaded", &got)
	require.NoError(t, err)
	assert.False(t, found, "keys unknown to the filter skip the network")

	require.NoError(t, c.SetEx(ctx, "written", time.Minute, "mine"))
	found, err = c.Get(ctx, "written", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "mine", got)

	require.NoError(t, c.FlushAll(ctx))
	assert.False(t, c.filter.Test("written"))
}

func TestClientConcurrentReads(t *testing.T) {
	_, rdb := newRedis(t)
	c := newClient(t, Options{Remote: rdb})
	ctx := context.Background()
	require.NoError(t, c.SetEx(ctx, "hot", time.Minute, "value"))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var got string
			found, err := c.Get(ctx, "hot", &got)
			assert.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "value", got)
		}()
	}
	wg.Wait()
}

func TestClientStats(t *testing.T) {
	c := newClient(t, Options{})
	require.NoError(t, c.SetEx(context.Background(), "a", time.Minute, 1))

	stats := c.Stats()
	assert.Equal(t, "memory", stats.Backend)
	assert.False(t, stats.BackendActive)
	assert.Equal(t, 1, stats.Memory.Entries)
}

func TestClientCloseIsIdempotent(t *testing.T) {
	mr, rdb := newRedis(t)
	c, err := New(Options{Remote: rdb, ReconnectMinBackoff: 10 * time.Millisecond})
	require.NoError(t, err)

	mr.SetError(loadingReply)
	require.NoError(t, c.SetEx(context.Background(), "k", time.Minute, "v"))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
