// Package scribe wires the resilience core of the blog platform: the
// resilient cache client, the circuit-breaker guarded providers, the rate
// limiters, the error monitor and the HTTP surface hosting them.
package scribe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"goflare.io/scribe/internal/breaker"
	"goflare.io/scribe/internal/cache/memory"
	"goflare.io/scribe/internal/cache/resilient"
	"goflare.io/scribe/internal/config"
	"goflare.io/scribe/internal/feed"
	"goflare.io/scribe/internal/monitor"
	"goflare.io/scribe/internal/ratelimit"
	"goflare.io/scribe/internal/server"
	"goflare.io/scribe/internal/upstream"
	"goflare.io/scribe/pkg/serialization"
)

// Option configures Scribe.
type Option func(*config.Config) error

// WithConfig replaces the whole configuration, typically one from config.Load.
func WithConfig(cfg *config.Config) Option {
	return func(c *config.Config) error {
		if cfg == nil {
			return errors.New("config must not be nil")
		}
		*c = *cfg
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config.Config) error {
		c.Logger = logger
		return nil
	}
}

// WithRedisClient uses client as the network cache backend.
func WithRedisClient(client redis.Cmdable) Option {
	return Option(config.WithRedisClient(client))
}

// WithRedis connects to Redis with opts.
func WithRedis(opts *redis.Options) Option {
	return func(c *config.Config) error {
		if opts == nil {
			return errors.New("redis options must not be nil")
		}
		c.RedisClient = redis.NewClient(opts)
		c.Cache.Redis.Enabled = true
		return nil
	}
}

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return Option(config.WithAddr(addr))
}

// WithDefaultExpiration sets the memory cache's default TTL.
func WithDefaultExpiration(ttl time.Duration) Option {
	return func(c *config.Config) error {
		if ttl <= 0 {
			return errors.New("default expiration must be positive")
		}
		c.Cache.Memory.DefaultTTL = ttl
		return nil
	}
}

// WithSerialization sets the cache value codec.
func WithSerialization(name string) Option {
	return func(c *config.Config) error {
		if _, err := serialization.ByName(name); err != nil {
			return err
		}
		c.Cache.Codec = name
		return nil
	}
}

// Scribe holds the wired components.
type Scribe struct {
	cfg      *config.Config
	cache    *resilient.Client
	memory   *memory.Cache
	monitor  *monitor.Monitor
	feeds    *feed.Service
	warmer   *feed.Warmer
	server   *server.Server
	breakers []*breaker.Breaker
	logger   *zap.Logger
}

// New builds every component from the configuration. An unreachable cache
// backend does not fail New.
func New(opts ...Option) (*Scribe, error) {
	cfg := config.Default()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		var err error
		if logger, err = config.NewLogger(cfg.Log); err != nil {
			return nil, err
		}
	}

	s := &Scribe{cfg: cfg, logger: logger}
	if err := s.init(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Scribe) init() error {
	cfg := s.cfg

	mc, err := memory.New(memory.Options{
		MaxEntries: cfg.Cache.Memory.MaxEntries,
		DefaultTTL: cfg.Cache.Memory.DefaultTTL,
		Segments:   cfg.Cache.Memory.Segments,
		Logger:     s.logger.Named("memory"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize memory cache: %w", err)
	}
	s.memory = mc

	codec, err := serialization.ByName(cfg.Cache.Codec)
	if err != nil {
		return err
	}

	rc := cfg.Cache.Redis
	s.cache, err = resilient.New(resilient.Options{
		Remote:              s.redisClient(),
		Memory:              mc,
		Codec:               codec,
		Logger:              s.logger.Named("cache"),
		DialTimeout:         rc.DialTimeout,
		OpTimeout:           rc.OpTimeout,
		DisableReconnect:    rc.DisableReconnect,
		ReconnectMinBackoff: rc.ReconnectMinBackoff,
		ReconnectMaxBackoff: rc.ReconnectMaxBackoff,
		NegativeLookup: resilient.NegativeLookup{
			Enabled:           cfg.Cache.NegativeLookup.Enabled,
			ExpectedItems:     cfg.Cache.NegativeLookup.ExpectedItems,
			FalsePositiveRate: cfg.Cache.NegativeLookup.FalsePositiveRate,
			RebuildInterval:   cfg.Cache.NegativeLookup.RebuildInterval,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize cache client: %w", err)
	}

	s.monitor = monitor.New(monitor.Options{
		Window:    cfg.Monitor.Window,
		Threshold: cfg.Monitor.Threshold,
		Logger:    s.logger.Named("monitor"),
	})

	var limiters server.Limiters
	for class, dst := range map[string]**ratelimit.Limiter{
		config.ClassAPI:    &limiters.API,
		config.ClassAssist: &limiters.Assist,
		config.ClassFeed:   &limiters.Feed,
	} {
		l, err := ratelimit.New(cfg.Rule(class), s.cache, ratelimit.WithLogger(s.logger.Named("ratelimit")))
		if err != nil {
			return err
		}
		*dst = l
	}

	assist, err := s.provider("assist", cfg.Providers.Assist)
	if err != nil {
		return err
	}
	quotes, err := s.provider(feed.KindQuotes, cfg.Providers.Quotes)
	if err != nil {
		return err
	}
	memes, err := s.provider(feed.KindMemes, cfg.Providers.Memes)
	if err != nil {
		return err
	}

	s.feeds, err = feed.NewService(feed.Options{
		Sources: []feed.Source{
			s.feedSource(feed.KindQuotes, quotes, cfg.Providers.Quotes.Path),
			s.feedSource(feed.KindMemes, memes, cfg.Providers.Memes.Path),
		},
		Cache:  s.cache,
		TTL:    cfg.Feeds.TTL,
		Logger: s.logger.Named("feed"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize feeds: %w", err)
	}
	s.warmer = feed.NewWarmer(s.feeds, cfg.Feeds.RefreshInterval, s.logger.Named("feed"))

	s.server, err = server.New(server.Options{
		Addr:            cfg.Server.Addr,
		TrustProxy:      cfg.Server.TrustProxy,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Cache:           s.cache,
		Monitor:         s.monitor,
		Limiters:        limiters,
		Feeds:           s.feeds,
		Assist:          assist,
		AssistPath:      cfg.Providers.Assist.Path,
		Breakers:        s.breakers,
		Logger:          s.logger.Named("server"),
	})
	return err
}

func (s *Scribe) redisClient() redis.Cmdable {
	if s.cfg.RedisClient != nil {
		return s.cfg.RedisClient
	}
	if !s.cfg.Cache.Redis.Enabled {
		return nil
	}
	rc := s.cfg.Cache.Redis
	return redis.NewClient(&redis.Options{
		Addr:         rc.Addr,
		Username:     rc.Username,
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     rc.PoolSize,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
	})
}

// provider returns nil for providers without a base url.
func (s *Scribe) provider(name string, pc config.ProviderConfig) (*upstream.Client, error) {
	if !pc.Enabled() {
		return nil, nil
	}
	c, err := upstream.New(upstream.Options{
		Name:    name,
		BaseURL: pc.BaseURL,
		APIKey:  pc.APIKey,
		Timeout: pc.Timeout,
		Breaker: s.cfg.BreakerSettings(name, pc),
		Retry:   pc.Retry,
		Logger:  s.logger.Named("upstream"),
	})
	if err != nil {
		return nil, err
	}
	s.breakers = append(s.breakers, c.Breaker())
	return c, nil
}

func (s *Scribe) feedSource(kind string, client *upstream.Client, path string) feed.Source {
	src := feed.Source{Kind: kind, Fallback: s.cfg.Feeds.Fallback[kind]}
	if client != nil {
		src.Fetcher = &feed.UpstreamFetcher{Client: client, Path: path}
	}
	return src
}

// Run serves HTTP and keeps the feeds warm until ctx is done.
func (s *Scribe) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.server.Run(ctx)
	})
	g.Go(func() error {
		return s.warmer.Run(ctx)
	})
	return g.Wait()
}

// Handler returns the HTTP handler.
func (s *Scribe) Handler() http.Handler {
	return s.server.Handler()
}

// Cache returns the resilient cache client.
func (s *Scribe) Cache() *resilient.Client { return s.cache }

// Monitor returns the error monitor.
func (s *Scribe) Monitor() *monitor.Monitor { return s.monitor }

// Feeds returns the feed service.
func (s *Scribe) Feeds() *feed.Service { return s.feeds }

// Breakers returns the breakers of the configured providers.
func (s *Scribe) Breakers() []*breaker.Breaker { return s.breakers }

// Close releases the cache client and the memory cache.
func (s *Scribe) Close() error {
	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.memory != nil {
		errs = append(errs, s.memory.Close())
	}
	_ = s.logger.Sync()
	return errors.Join(errs...)
}
