// Package feed serves small content feeds (quotes, memes) cache first,
// falling back to a static set whenever the provider is unavailable.
package feed

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"slices"
	"time"

	"go.uber.org/zap"

	"goflare.io/scribe/internal/breaker"
	"goflare.io/scribe/internal/metrics"
	"goflare.io/scribe/internal/upstream"
)

const (
	KindQuotes = "quotes"
	KindMemes  = "memes"

	SourceCache    = "cache"
	SourceProvider = "provider"
	SourceFallback = "fallback"

	keyPrefix  = "feed:"
	defaultTTL = 10 * time.Minute
)

var (
	// ErrUnknownFeed is returned for kinds without a configured source.
	ErrUnknownFeed = errors.New("unknown feed")

	// ErrEmptyFeed is returned when neither provider nor fallback has items.
	ErrEmptyFeed = errors.New("feed has no items")
)

// Item is one feed entry.
type Item struct {
	ID     string `json:"id,omitempty" yaml:"id"`
	Text   string `json:"text,omitempty" yaml:"text"`
	Author string `json:"author,omitempty" yaml:"author"`
	Title  string `json:"title,omitempty" yaml:"title"`
	URL    string `json:"url,omitempty" yaml:"url"`
}

// Result is what Items returns.
type Result struct {
	Kind   string `json:"kind"`
	Items  []Item `json:"items"`
	Stale  bool   `json:"stale"`
	Source string `json:"source"`
}

// Cache is the subset of the cache client a Service needs.
type Cache interface {
	Get(ctx context.Context, key string, value any) (bool, error)
	SetEx(ctx context.Context, key string, ttl time.Duration, value any) error
}

// Fetcher loads fresh items from a provider.
type Fetcher interface {
	Fetch(ctx context.Context) ([]Item, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) ([]Item, error)

func (f FetcherFunc) Fetch(ctx context.Context) ([]Item, error) { return f(ctx) }

// UpstreamFetcher reads a JSON array of items from a provider path.
type UpstreamFetcher struct {
	Client *upstream.Client
	Path   string
}

func (f *UpstreamFetcher) Fetch(ctx context.Context) ([]Item, error) {
	var items []Item
	if err := f.Client.Do(ctx, http.MethodGet, f.Path, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Source configures one feed kind. A nil Fetcher always serves Fallback.
type Source struct {
	Kind     string
	Fetcher  Fetcher
	Fallback []Item
}

// Options configures a Service.
type Options struct {
	Sources []Source
	Cache   Cache

	// TTL of cached provider results. Default is 10m.
	TTL time.Duration

	Logger *zap.Logger

	// Pick returns a number in [0, n). Defaults to math/rand.
	Pick func(n int) int
}

// Service serves the configured feeds.
type Service struct {
	sources map[string]Source
	cache   Cache
	ttl     time.Duration
	pick    func(n int) int
	logger  *zap.Logger
}

// NewService creates a new Service instance.
func NewService(opts Options) (*Service, error) {
	if opts.Cache == nil {
		return nil, errors.New("feed cache is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Pick == nil {
		opts.Pick = rand.IntN
	}

	sources := make(map[string]Source, len(opts.Sources))
	for _, src := range opts.Sources {
		if src.Kind == "" {
			return nil, errors.New("feed source needs a kind")
		}
		if _, dup := sources[src.Kind]; dup {
			return nil, fmt.Errorf("duplicate feed source: %s", src.Kind)
		}
		sources[src.Kind] = src
	}

	return &Service{
		sources: sources,
		cache:   opts.Cache,
		ttl:     opts.TTL,
		pick:    opts.Pick,
		logger:  opts.Logger,
	}, nil
}

// Kinds returns the configured kinds in order.
func (s *Service) Kinds() []string {
	kinds := make([]string, 0, len(s.sources))
	for kind := range s.sources {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}

func cacheKey(kind string) string {
	return keyPrefix + kind
}

// Items returns the items of kind: cached, else fetched and cached, else
// the fallback set marked stale. Provider failures are never returned.
func (s *Service) Items(ctx context.Context, kind string) (Result, error) {
	src, ok := s.sources[kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownFeed, kind)
	}

	var items []Item
	found, err := s.cache.Get(ctx, cacheKey(kind), &items)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		s.logger.Warn("Failed to read feed from cache", zap.String("kind", kind), zap.Error(err))
	}
	if found && len(items) > 0 {
		return s.result(kind, items, SourceCache), nil
	}

	items, err = s.fetch(ctx, src)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return s.fallback(src, err)
	}
	return s.result(kind, items, SourceProvider), nil
}

// Random returns one item of kind.
func (s *Service) Random(ctx context.Context, kind string) (Result, error) {
	res, err := s.Items(ctx, kind)
	if err != nil {
		return Result{}, err
	}
	res.Items = []Item{res.Items[s.pick(len(res.Items))]}
	return res, nil
}

// Refresh fetches kind from its provider and replaces the cached copy.
func (s *Service) Refresh(ctx context.Context, kind string) error {
	src, ok := s.sources[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFeed, kind)
	}
	if src.Fetcher == nil {
		return nil
	}
	_, err := s.fetch(ctx, src)
	return err
}

func (s *Service) fetch(ctx context.Context, src Source) ([]Item, error) {
	if src.Fetcher == nil {
		return nil, ErrEmptyFeed
	}

	items, err := src.Fetcher.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", src.Kind, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("failed to fetch %s: %w", src.Kind, ErrEmptyFeed)
	}

	if err := s.cache.SetEx(ctx, cacheKey(src.Kind), s.ttl, items); err != nil {
		s.logger.Warn("Failed to cache feed", zap.String("kind", src.Kind), zap.Error(err))
	}
	return items, nil
}

func (s *Service) fallback(src Source, cause error) (Result, error) {
	if len(src.Fallback) == 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrEmptyFeed, src.Kind)
	}

	switch {
	case src.Fetcher == nil:
	case errors.Is(cause, breaker.ErrCircuitOpen):
		s.logger.Debug("Provider circuit open, serving fallback", zap.String("kind", src.Kind))
	default:
		s.logger.Warn("Provider failed, serving fallback", zap.String("kind", src.Kind), zap.Error(cause))
	}

	res := s.result(src.Kind, slices.Clone(src.Fallback), SourceFallback)
	res.Stale = true
	return res, nil
}

func (s *Service) result(kind string, items []Item, source string) Result {
	metrics.FeedResponses.WithLabelValues(kind, source).Inc()
	return Result{Kind: kind, Items: items, Source: source}
}
