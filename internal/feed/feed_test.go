package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"goflare.io/scribe/internal/breaker"
	"goflare.io/scribe/internal/cache/resilient"
)

var fallbackQuotes = []Item{
	{ID: "f1", Text: "Simplicity is prerequisite for reliability.", Author: "Edsger Dijkstra"},
	{ID: "f2", Text: "Make it work, make it right, make it fast.", Author: "Kent Beck"},
}

func newCache(t *testing.T) *resilient.Client {
	t.Helper()
	c, err := resilient.New(resilient.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type countingFetcher struct {
	calls atomic.Int32
	items []Item
	err   error
}

func (f *countingFetcher) Fetch(context.Context) ([]Item, error) {
	f.calls.Inc()
	return f.items, f.err
}

func newService(t *testing.T, cache Cache, fetcher Fetcher) *Service {
	t.Helper()
	s, err := NewService(Options{
		Sources: []Source{{Kind: KindQuotes, Fetcher: fetcher, Fallback: fallbackQuotes}},
		Cache:   cache,
		TTL:     time.Minute,
		Pick:    func(n int) int { return n - 1 },
	})
	require.NoError(t, err)
	return s
}

func TestNewServiceValidates(t *testing.T) {
	_, err := NewService(Options{})
	assert.Error(t, err)

	_, err = NewService(Options{
		Cache:   newCache(t),
		Sources: []Source{{Kind: KindQuotes}, {Kind: KindQuotes}},
	})
	assert.Error(t, err)
}

func TestItemsFetchesThenServesFromCache(t *testing.T) {
	fetcher := &countingFetcher{items: []Item{{ID: "1", Text: "fresh"}}}
	s := newService(t, newCache(t), fetcher)
	ctx := context.Background()

	res, err := s.Items(ctx, KindQuotes)
	require.NoError(t, err)
	assert.Equal(t, SourceProvider, res.Source)
	assert.False(t, res.Stale)
	assert.Equal(t, fetcher.items, res.Items)

	res, err = s.Items(ctx, KindQuotes)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, fetcher.items, res.Items)
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestItemsServesFallbackOnProviderFailure(t *testing.T) {
	fetcher := &countingFetcher{err: errors.New("provider down")}
	s := newService(t, newCache(t), fetcher)

	res, err := s.Items(context.Background(), KindQuotes)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, res.Source)
	assert.True(t, res.Stale)
	assert.Equal(t, fallbackQuotes, res.Items)
}

func TestItemsServesFallbackWhenCircuitOpen(t *testing.T) {
	fetcher := &countingFetcher{err: fmt.Errorf("quotes: %w", breaker.ErrCircuitOpen)}
	s := newService(t, newCache(t), fetcher)

	res, err := s.Items(context.Background(), KindQuotes)
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Equal(t, SourceFallback, res.Source)
}

func TestItemsFallbackIsNotCached(t *testing.T) {
	fetcher := &countingFetcher{err: errors.New("provider down")}
	s := newService(t, newCache(t), fetcher)
	ctx := context.Background()

	_, err := s.Items(ctx, KindQuotes)
	require.NoError(t, err)

	fetcher.err = nil
	fetcher.items = []Item{{ID: "1", Text: "back"}}
	res, err := s.Items(ctx, KindQuotes)
	require.NoError(t, err)
	assert.Equal(t, SourceProvider, res.Source)
}

func TestItemsWithoutFetcher(t *testing.T) {
	s := newService(t, newCache(t), nil)

	res, err := s.Items(context.Background(), KindQuotes)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, res.Source)
	require.NoError(t, s.Refresh(context.Background(), KindQuotes))
}

func TestItemsUnknownKind(t *testing.T) {
	s := newService(t, newCache(t), nil)

	_, err := s.Items(context.Background(), "cats")
	assert.ErrorIs(t, err, ErrUnknownFeed)
	_, err = s.Random(context.Background(), "cats")
	assert.ErrorIs(t, err, ErrUnknownFeed)
	assert.ErrorIs(t, s.Refresh(context.Background(), "cats"), ErrUnknownFeed)
}

func TestRandom(t *testing.T) {
	s := newService(t, newCache(t), nil)

	res, err := s.Random(context.Background(), KindQuotes)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, fallbackQuotes[1], res.Items[0])
	assert.True(t, res.Stale)
}

func TestRefreshReplacesCachedCopy(t *testing.T) {
	fetcher := &countingFetcher{items: []Item{{ID: "1"}}}
	s := newService(t, newCache(t), fetcher)
	ctx := context.Background()

	_, err := s.Items(ctx, KindQuotes)
	require.NoError(t, err)

	fetcher.items = []Item{{ID: "2"}}
	require.NoError(t, s.Refresh(ctx, KindQuotes))

	res, err := s.Items(ctx, KindQuotes)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, "2", res.Items[0].ID)
}

func TestWarmerWarmsAllFeeds(t *testing.T) {
	var mu sync.Mutex
	fetched := map[string]int{}
	fetcherFor := func(kind string) Fetcher {
		return FetcherFunc(func(context.Context) ([]Item, error) {
			mu.Lock()
			defer mu.Unlock()
			fetched[kind]++
			return []Item{{ID: kind}}, nil
		})
	}

	s, err := NewService(Options{
		Sources: []Source{
			{Kind: KindQuotes, Fetcher: fetcherFor(KindQuotes)},
			{Kind: KindMemes, Fetcher: fetcherFor(KindMemes)},
		},
		Cache: newCache(t),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{KindMemes, KindQuotes}, s.Kinds())

	w := NewWarmer(s, 0, nil)
	require.NoError(t, w.Run(context.Background()))

	mu.Lock()
	assert.Equal(t, map[string]int{KindQuotes: 1, KindMemes: 1}, fetched)
	mu.Unlock()

	res, err := s.Items(context.Background(), KindMemes)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
}

func TestWarmerReportsFailures(t *testing.T) {
	fetcher := &countingFetcher{err: errors.New("provider down")}
	s := newService(t, newCache(t), fetcher)

	w := NewWarmer(s, 0, nil)
	assert.Error(t, w.Warmup(context.Background()))
}

func TestWarmerRefreshesPeriodically(t *testing.T) {
	fetcher := &countingFetcher{items: []Item{{ID: "1"}}}
	s := newService(t, newCache(t), fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewWarmer(s, 10*time.Millisecond, nil).Run(ctx) }()

	require.Eventually(t, func() bool { return fetcher.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
