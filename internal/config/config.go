// Package config holds the scribe configuration: defaults, functional
// options and file loading.
package config

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"goflare.io/scribe/internal/breaker"
	"goflare.io/scribe/internal/feed"
	"goflare.io/scribe/internal/ratelimit"
	"goflare.io/scribe/internal/upstream"
	"goflare.io/scribe/pkg/serialization"
)

// Route classes with a built-in limit.
const (
	ClassAPI    = "api"
	ClassAssist = "assist"
	ClassFeed   = "feed"
)

var (
	ErrMissingAddr    = errors.New("server address is required")
	ErrMissingLimit   = errors.New("missing rate limit class")
	ErrInvalidLimit   = errors.New("rate limit max and window must be positive")
	ErrInvalidMonitor = errors.New("monitor window and threshold must be positive")
)

// Config is the scribe configuration.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Log       LogConfig            `yaml:"log"`
	Cache     CacheConfig          `yaml:"cache"`
	Breaker   breaker.Settings     `yaml:"breaker"`
	Limits    map[string]LimitRule `yaml:"limits"`
	Monitor   MonitorConfig        `yaml:"monitor"`
	Providers ProvidersConfig      `yaml:"providers"`
	Feeds     FeedsConfig          `yaml:"feeds"`

	// Logger overrides the logger built from Log.
	Logger *zap.Logger `yaml:"-"`

	// RedisClient overrides the client built from Cache.Redis.
	RedisClient redis.Cmdable `yaml:"-"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	TrustProxy      bool          `yaml:"trust_proxy"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// CacheConfig configures both cache backends.
type CacheConfig struct {
	Codec          string               `yaml:"codec"`
	Memory         MemoryConfig         `yaml:"memory"`
	Redis          RedisConfig          `yaml:"redis"`
	NegativeLookup NegativeLookupConfig `yaml:"negative_lookup"`
}

// MemoryConfig configures the in-process TTL cache.
type MemoryConfig struct {
	MaxEntries uint64        `yaml:"max_entries"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	Segments   uint64        `yaml:"segments"`
}

// RedisConfig configures the network cache backend.
type RedisConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Addr                string        `yaml:"addr"`
	Username            string        `yaml:"username"`
	Password            string        `yaml:"password"`
	DB                  int           `yaml:"db"`
	PoolSize            int           `yaml:"pool_size"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	OpTimeout           time.Duration `yaml:"op_timeout"`
	DisableReconnect    bool          `yaml:"disable_reconnect"`
	ReconnectMinBackoff time.Duration `yaml:"reconnect_min_backoff"`
	ReconnectMaxBackoff time.Duration `yaml:"reconnect_max_backoff"`
}

// NegativeLookupConfig configures the bloom filter in front of the network backend.
type NegativeLookupConfig struct {
	Enabled           bool          `yaml:"enabled"`
	ExpectedItems     uint          `yaml:"expected_items"`
	FalsePositiveRate float64       `yaml:"false_positive_rate"`
	RebuildInterval   time.Duration `yaml:"rebuild_interval"`
}

// LimitRule is the quota of one route class; the class is its key in Limits.
type LimitRule struct {
	Max     int           `yaml:"max"`
	Window  time.Duration `yaml:"window"`
	Message string        `yaml:"message"`
}

// MonitorConfig configures the error monitor.
type MonitorConfig struct {
	Window    time.Duration `yaml:"window"`
	Threshold int           `yaml:"threshold"`
}

// ProvidersConfig lists the third-party providers.
type ProvidersConfig struct {
	Assist ProviderConfig `yaml:"assist"`
	Quotes ProviderConfig `yaml:"quotes"`
	Memes  ProviderConfig `yaml:"memes"`
}

// ProviderConfig configures one provider. An empty BaseURL disables it.
type ProviderConfig struct {
	BaseURL string                `yaml:"base_url"`
	APIKey  string                `yaml:"api_key"`
	Path    string                `yaml:"path"`
	Timeout time.Duration         `yaml:"timeout"`
	Retry   upstream.RetryOptions `yaml:"retry"`

	// OperationTimeout overrides the breaker's operation timeout for this
	// provider.
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

// callBudget is the longest one guarded call can take: every attempt
// timing out plus the longest jittered wait between attempts.
func (p ProviderConfig) callBudget() time.Duration {
	attempts := max(p.Retry.MaxAttempts, 1)
	wait := p.Retry.MaxDelay + time.Duration(math.Round(float64(p.Retry.MaxDelay)*p.Retry.Jitter))
	return time.Duration(attempts)*p.Timeout + time.Duration(attempts-1)*wait
}

// Enabled reports whether the provider is configured.
func (p ProviderConfig) Enabled() bool {
	return p.BaseURL != ""
}

// FeedsConfig configures the content feeds.
type FeedsConfig struct {
	TTL             time.Duration          `yaml:"ttl"`
	RefreshInterval time.Duration          `yaml:"refresh_interval"`
	Fallback        map[string][]feed.Item `yaml:"fallback"`
}

// Option is a function that configures a Config.
type Option func(*Config) error

// NewConfig creates a Config with defaults and applies options.
func NewConfig(options ...Option) (*Config, error) {
	cfg := Default()

	for _, option := range options {
		if err := option(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the default configuration.
func Default() *Config {
	const maxEntries = 100000

	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Cache: CacheConfig{
			Codec: serialization.JSONType,
			Memory: MemoryConfig{
				MaxEntries: maxEntries,
				DefaultTTL: 5 * time.Minute,
				Segments:   DynamicSegmentCount(maxEntries),
			},
			Redis: RedisConfig{
				Addr:                "localhost:6379",
				PoolSize:            10,
				DialTimeout:         2 * time.Second,
				ReadTimeout:         500 * time.Millisecond,
				WriteTimeout:        500 * time.Millisecond,
				OpTimeout:           500 * time.Millisecond,
				ReconnectMinBackoff: 100 * time.Millisecond,
				ReconnectMaxBackoff: 30 * time.Second,
			},
			NegativeLookup: NegativeLookupConfig{
				ExpectedItems:     100000,
				FalsePositiveRate: 0.01,
				RebuildInterval:   10 * time.Minute,
			},
		},
		Breaker: breaker.Settings{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OperationTimeout: 10 * time.Second,
			ResetTimeout:     30 * time.Second,
		},
		Limits: map[string]LimitRule{
			ClassAPI: {
				Max:     300,
				Window:  15 * time.Minute,
				Message: "Too many requests from this IP, please try again later.",
			},
			ClassAssist: {
				Max:     20,
				Window:  time.Minute,
				Message: "Too many AI requests, please slow down.",
			},
			ClassFeed: {
				Max:    60,
				Window: time.Minute,
			},
		},
		Monitor: MonitorConfig{
			Window:    time.Minute,
			Threshold: 100,
		},
		Providers: ProvidersConfig{
			Assist: ProviderConfig{Path: "/v1/chat/completions", Timeout: 25 * time.Second, Retry: assistRetry()},
			Quotes: ProviderConfig{Path: "/quotes", Timeout: 5 * time.Second, Retry: upstream.DefaultRetryOptions()},
			Memes:  ProviderConfig{Path: "/memes", Timeout: 5 * time.Second, Retry: upstream.DefaultRetryOptions()},
		},
		Feeds: FeedsConfig{
			TTL:             10 * time.Minute,
			RefreshInterval: 5 * time.Minute,
			Fallback: map[string][]feed.Item{
				feed.KindQuotes: defaultQuotes(),
				feed.KindMemes:  defaultMemes(),
			},
		},
	}
}

// assistRetry retries chat completions once; each attempt is slow.
func assistRetry() upstream.RetryOptions {
	r := upstream.DefaultRetryOptions()
	r.MaxAttempts = 2
	return r
}

func defaultQuotes() []feed.Item {
	return []feed.Item{
		{ID: "q1", Text: "Simplicity is prerequisite for reliability.", Author: "Edsger W. Dijkstra"},
		{ID: "q2", Text: "Programs must be written for people to read, and only incidentally for machines to execute.", Author: "Harold Abelson"},
		{ID: "q3", Text: "The best way to get a project done faster is to start sooner.", Author: "Jim Highsmith"},
		{ID: "q4", Text: "Clear is better than clever.", Author: "Rob Pike"},
	}
}

func defaultMemes() []feed.Item {
	return []feed.Item{
		{ID: "m1", Title: "It works on my machine", URL: "https://i.imgflip.com/1bij.jpg"},
		{ID: "m2", Title: "One does not simply deploy on Friday", URL: "https://i.imgflip.com/1bhf.jpg"},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return ErrMissingAddr
	}
	for _, class := range []string{ClassAPI, ClassAssist, ClassFeed} {
		if _, ok := c.Limits[class]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingLimit, class)
		}
	}
	for class, rule := range c.Limits {
		if rule.Max < 1 || rule.Window <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidLimit, class)
		}
	}
	if c.Monitor.Window <= 0 || c.Monitor.Threshold <= 0 {
		return ErrInvalidMonitor
	}
	if c.Breaker.FailureThreshold == 0 || c.Breaker.SuccessThreshold == 0 {
		return breaker.ErrInvalidThreshold
	}
	if _, err := serialization.ByName(c.Cache.Codec); err != nil {
		return err
	}
	return nil
}

// Rule returns the rate limit rule of class.
func (c *Config) Rule(class string) ratelimit.Rule {
	r := c.Limits[class]
	return ratelimit.Rule{Class: class, Max: r.Max, Window: r.Window, Message: r.Message}
}

// BreakerSettings returns the breaker settings for the named provider. The
// provider's own operation timeout wins. Otherwise a shared timeout shorter
// than the provider's retry budget is raised to that budget.
func (c *Config) BreakerSettings(name string, pc ProviderConfig) breaker.Settings {
	s := c.Breaker
	s.Name = name
	switch {
	case pc.OperationTimeout > 0:
		s.OperationTimeout = pc.OperationTimeout
	case s.OperationTimeout > 0:
		s.OperationTimeout = max(s.OperationTimeout, pc.callBudget())
	}
	return s
}

// WithLogger sets a custom logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) error {
		if logger != nil {
			c.Logger = logger
		}
		return nil
	}
}

// WithRedisClient uses client as the network cache backend.
func WithRedisClient(client redis.Cmdable) Option {
	return func(c *Config) error {
		if client == nil {
			return errors.New("redis client must not be nil")
		}
		c.RedisClient = client
		c.Cache.Redis.Enabled = true
		return nil
	}
}

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(c *Config) error {
		if addr == "" {
			return ErrMissingAddr
		}
		c.Server.Addr = addr
		return nil
	}
}

// WithMaxEntries bounds the memory cache and derives its segment count.
func WithMaxEntries(n uint64) Option {
	return func(c *Config) error {
		if n == 0 {
			return errors.New("max entries must be greater than 0")
		}
		c.Cache.Memory.MaxEntries = n
		c.Cache.Memory.Segments = DynamicSegmentCount(n)
		return nil
	}
}

// WithLimit sets the quota of a route class.
func WithLimit(class string, max int, window time.Duration) Option {
	return func(c *Config) error {
		if max < 1 || window <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidLimit, class)
		}
		rule := c.Limits[class]
		rule.Max = max
		rule.Window = window
		c.Limits[class] = rule
		return nil
	}
}

// WithBreaker sets the breaker settings shared by all providers.
func WithBreaker(settings breaker.Settings) Option {
	return func(c *Config) error {
		if settings.FailureThreshold == 0 || settings.SuccessThreshold == 0 {
			return breaker.ErrInvalidThreshold
		}
		c.Breaker = settings
		return nil
	}
}

// DynamicSegmentCount derives a lock segment count from the entry bound:
// one segment per thousand entries, at most four per CPU core.
func DynamicSegmentCount(maxEntries uint64) uint64 {
	segments := maxEntries / 1000
	if segments == 0 {
		segments = 1
	}
	if limit := uint64(runtime.NumCPU() * 4); segments > limit {
		segments = limit
	}
	return segments
}
