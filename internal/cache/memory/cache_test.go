package memory

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
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

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSetThenGet(t *testing.T) {
	c := newTestCache(t, Options{})

	require.NoError(t, c.Set("posts:tech:1:10", []byte(`[{"title":"hello"}]`), time.Minute))

	v, ok := c.Get("posts:tech:1:10")
	require.True(t, ok)
	assert.Equal(t, `[{"title":"hello"}]`, string(v))

	_, ok = c.Get("posts:tech:2:10")
	assert.False(t, ok)
}

func TestGetEvictsExpiredEntry(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, Options{Now: clock.Now})

	require.NoError(t, c.Set("quote", []byte("v1"), 5*time.Second))
	clock.Advance(4 * time.Second)
	_, ok := c.Get("quote")
	require.True(t, ok)

	clock.Advance(2 * time.Second)
	_, ok = c.Get("quote")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Entries)
	assert.Equal(t, int64(1), c.Stats().Counters.Expired)
}

func TestGetExpiresWithRealClock(t *testing.T) {
	c := newTestCache(t, Options{})

	require.NoError(t, c.Set("k", []byte("v"), 50*time.Millisecond))
	time.Sleep(80 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestSetOverwritesAndResetsExpiry(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, Options{Now: clock.Now})

	require.NoError(t, c.Set("k", []byte("old"), 2*time.Second))
	clock.Advance(time.Second)
	require.NoError(t, c.Set("k", []byte("new"), 2*time.Second))
	clock.Advance(1500 * time.Millisecond)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "new", string(v))
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestNonPositiveTTLUsesDefault(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, Options{Now: clock.Now, DefaultTTL: time.Minute})

	require.NoError(t, c.Set("k", []byte("v"), 0))
	clock.Advance(59 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)

	clock.Advance(2 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestSetCopiesValue(t *testing.T) {
	c := newTestCache(t, Options{})

	buf := []byte("abc")
	require.NoError(t, c.Set("k", buf, time.Minute))
	buf[0] = 'x'

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "abc", string(v))
}

func TestDeleteAndClear(t *testing.T) {
	c := newTestCache(t, Options{})

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Set(fmt.Sprintf("k%d", i), []byte("v"), time.Minute))
	}
	assert.Equal(t, 10, c.Stats().Entries)

	c.Delete("k3")
	c.Delete("missing")
	_, ok := c.Get("k3")
	assert.False(t, ok)
	assert.Equal(t, 9, c.Stats().Entries)

	c.Clear()
	assert.Equal(t, 0, c.Stats().Entries)
	_, ok = c.Get("k1")
	assert.False(t, ok)

	require.NoError(t, c.Set("after", []byte("v"), time.Minute))
	_, ok = c.Get("after")
	assert.True(t, ok)
}

func TestStats(t *testing.T) {
	c := newTestCache(t, Options{DefaultTTL: 30 * time.Second})

	require.NoError(t, c.Set("a", []byte("1"), 0))
	require.NoError(t, c.Set("b", []byte("2"), 0))
	c.Get("a")
	c.Get("z")

	stats := c.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, 30*time.Second, stats.DefaultTTL)
	assert.Equal(t, int64(1), stats.Counters.Hits)
	assert.Equal(t, int64(1), stats.Counters.Misses)
}

func TestConcurrentAccess(t *testing.T) {
	c := newTestCache(t, Options{})

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("k%d", i%20)
				_ = c.Set(key, []byte{byte(g)}, time.Minute)
				c.Get(key)
				if i%10 == 0 {
					c.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Stats().Entries, 20)
}
