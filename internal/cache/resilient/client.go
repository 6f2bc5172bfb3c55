// Package resilient implements a cache client that prefers a networked
// backend and silently falls back to the in-process TTL cache whenever the
// network backend misbehaves.
package resilient

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"goflare.io/scribe/internal/cache/memory"
	"goflare.io/scribe/internal/metrics"
	"goflare.io/scribe/internal/retrier"
	"goflare.io/scribe/internal/utils"
	"goflare.io/scribe/pkg/serialization"
)

const (
	defaultDialTimeout         = 2 * time.Second
	defaultOpTimeout           = 500 * time.Millisecond
	defaultReconnectMinBackoff = 100 * time.Millisecond
	defaultReconnectMaxBackoff = 30 * time.Second
	defaultExpectedItems       = 100000
	defaultFalsePositiveRate   = 0.01
	defaultRebuildInterval     = 10 * time.Minute
)

// NegativeLookup configures the bloom filter that short-circuits reads for
// keys never written to the network backend.
//
// The filter only knows keys written by this process or seen by its last
// SCAN. Keys written by other processes sharing the backend read as misses
// until the next rebuild, so enable it only when this process is the sole
// writer.
type NegativeLookup struct {
	Enabled           bool
	ExpectedItems     uint
	FalsePositiveRate float64
	RebuildInterval   time.Duration
}

// Options configures a Client.
type Options struct {
	// Remote is the network backend. A nil Remote disables the network
	// backend and every operation is served from memory.
	Remote redis.Cmdable

	// Memory is the fallback cache. When nil a cache with default options
	// is created and owned by the Client.
	Memory *memory.Cache

	// Codec encodes values. Defaults to json.
	Codec serialization.Codec

	// Logger is the *zap.Logger for this Client.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// DialTimeout bounds the startup connection attempt and reconnect pings.
	DialTimeout time.Duration

	// OpTimeout bounds every single network command.
	OpTimeout time.Duration

	// DisableReconnect leaves the backend bypassed for the rest of the
	// process once it failed.
	DisableReconnect bool

	ReconnectMinBackoff time.Duration
	ReconnectMaxBackoff time.Duration

	NegativeLookup NegativeLookup
}

func (o *Options) init() error {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Codec.Encoder == nil || o.Codec.Decoder == nil {
		codec, err := serialization.ByName(serialization.JSONType)
		if err != nil {
			return err
		}
		o.Codec = codec
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = defaultOpTimeout
	}
	if o.ReconnectMinBackoff <= 0 {
		o.ReconnectMinBackoff = defaultReconnectMinBackoff
	}
	if o.ReconnectMaxBackoff < o.ReconnectMinBackoff {
		o.ReconnectMaxBackoff = max(defaultReconnectMaxBackoff, o.ReconnectMinBackoff)
	}
	if o.NegativeLookup.ExpectedItems == 0 {
		o.NegativeLookup.ExpectedItems = defaultExpectedItems
	}
	if o.NegativeLookup.FalsePositiveRate <= 0 || o.NegativeLookup.FalsePositiveRate >= 1 {
		o.NegativeLookup.FalsePositiveRate = defaultFalsePositiveRate
	}
	if o.NegativeLookup.RebuildInterval <= 0 {
		o.NegativeLookup.RebuildInterval = defaultRebuildInterval
	}
	return nil
}

// Stats describes the client for health output.
type Stats struct {
	Backend       string       `json:"backend"`
	BackendActive bool         `json:"backend_active"`
	Memory        memory.Stats `json:"memory"`
}

// Client is the resilient cache client. It is safe for concurrent use.
type Client struct {
	network    *RedisBackend
	memory     *MemoryBackend
	memCache   *memory.Cache
	ownsMemory bool

	codec      serialization.Codec
	useNetwork atomic.Bool
	sf         singleflight.Group
	filter     *KeyFilter
	reconnect  *retrier.Retrier
	tracer     trace.Tracer
	logger     *zap.Logger

	dialTimeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a new Client. A backend that cannot be reached is logged and
// bypassed, it never fails construction.
func New(opts Options) (*Client, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}

	c := &Client{
		memCache:    opts.Memory,
		codec:       opts.Codec,
		tracer:      otel.Tracer("cache"),
		logger:      opts.Logger,
		dialTimeout: opts.DialTimeout,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if c.memCache == nil {
		mc, err := memory.New(memory.Options{Logger: opts.Logger})
		if err != nil {
			return nil, fmt.Errorf("failed to create memory cache: %w", err)
		}
		c.memCache = mc
		c.ownsMemory = true
	}
	c.memory = NewMemoryBackend(c.memCache)

	if opts.Remote == nil {
		c.logger.Info("Cache backend disabled, serving from memory")
		metrics.CacheBackendUp.Set(0)
		return c, nil
	}

	c.network = NewRedisBackend(opts.Remote, opts.OpTimeout)

	if !opts.DisableReconnect {
		r, err := retrier.NewRetrier(1, opts.ReconnectMinBackoff, opts.ReconnectMaxBackoff, 2, 0.2, retrier.ExponentialBackoff, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create reconnect backoff: %w", err)
		}
		c.reconnect = r
	}

	if opts.NegativeLookup.Enabled {
		c.filter = NewKeyFilter(opts.NegativeLookup.ExpectedItems, opts.NegativeLookup.FalsePositiveRate, c.logger)
	}

	c.connect()

	if c.filter != nil {
		interval := opts.NegativeLookup.RebuildInterval
		c.goBackground(func() {
			c.filter.PeriodicRebuild(c.ctx, interval, c.network, c.IsBackendActive)
		})
	}

	return c, nil
}

// connect makes the single startup attempt.
func (c *Client) connect() {
	ctx, cancel := context.WithTimeout(c.ctx, c.dialTimeout)
	defer cancel()

	if err := c.network.Ping(ctx); err != nil {
		c.logger.Warn("Cache backend unavailable at startup, serving from memory",
			zap.String("backend", c.network.Name()), zap.Error(err))
		metrics.CacheBackendUp.Set(0)
		c.startReconnect()
		return
	}

	if c.filter != nil {
		if err := c.filter.Rebuild(ctx, c.network); err != nil {
			c.logger.Warn("Failed to load bloom filter", zap.Error(err))
		}
	}

	c.useNetwork.Store(true)
	metrics.CacheBackendUp.Set(1)
	c.logger.Info("Cache backend connected", zap.String("backend", c.network.Name()))
}

// goBackground runs fn on a goroutine tracked for Close. It does nothing
// once the client is closed.
func (c *Client) goBackground(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// IsBackendActive reports whether operations currently go to the network backend.
func (c *Client) IsBackendActive() bool {
	return c.useNetwork.Load()
}

type lookup struct {
	data  []byte
	found bool
}

// Get reads key into value. It reports false when the key is absent.
// Backend failures are never returned; only context and decode errors are.
func (c *Client) Get(ctx context.Context, key string, value any) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "Client.Get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	res, err := c.get(ctx, key)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	span.SetAttributes(attribute.Bool("found", res.found))
	if !res.found {
		return false, nil
	}

	if err := c.codec.Decoder(bytes.NewReader(res.data)).Decode(value); err != nil {
		c.logger.Error("Failed to decode cached value", zap.Error(err), zap.String("key", key))
		return false, fmt.Errorf("failed to decode value: %w", err)
	}
	return true, nil
}

func (c *Client) get(ctx context.Context, key string) (lookup, error) {
	if c.useNetwork.Load() {
		res, err := c.networkGet(ctx, key)
		if err == nil {
			recordRead(c.network.Name(), res.found)
			return res, nil
		}
		if ctxErr := c.networkFailed(ctx, "get", err); ctxErr != nil {
			return lookup{}, ctxErr
		}
	}

	data, found, err := c.memory.Get(ctx, key)
	if err != nil {
		return lookup{}, err
	}
	recordRead(c.memory.Name(), found)
	return lookup{data: data, found: found}, nil
}

func (c *Client) networkGet(ctx context.Context, key string) (lookup, error) {
	if c.filter != nil && !c.filter.Test(key) {
		c.logger.Debug("Bloom filter negative for key", zap.String("key", key))
		return lookup{}, nil
	}

	// The shared call outlives any single caller's cancellation; the
	// per-command timeout still bounds it.
	sctx := context.WithoutCancel(ctx)
	v, err, _ := c.sf.Do(key, func() (any, error) {
		data, found, err := c.network.Get(sctx, key)
		if err != nil {
			return nil, err
		}
		return lookup{data: data, found: found}, nil
	})
	if err != nil {
		return lookup{}, err
	}
	return v.(lookup), nil
}

func recordRead(backend string, found bool) {
	result := "miss"
	if found {
		result = "hit"
	}
	metrics.CacheRequests.WithLabelValues(backend, result).Inc()
}

// SetEx stores value under key for ttl. A non-positive ttl selects the
// memory cache's default TTL on either backend.
func (c *Client) SetEx(ctx context.Context, key string, ttl time.Duration, value any) error {
	ttl = utils.ExpirationOrDefault(c.memCache.DefaultTTL(), ttl)
	ctx, span := c.tracer.Start(ctx, "Client.SetEx", trace.WithAttributes(
		attribute.String("key", key),
		attribute.Int64("ttl_ms", ttl.Milliseconds()),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := c.codec.Encoder(&buf).Encode(value); err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	data := buf.Bytes()

	if c.useNetwork.Load() {
		err := c.network.SetEx(ctx, key, ttl, data)
		if err == nil {
			if c.filter != nil {
				c.filter.Add(key)
			}
			return nil
		}
		if ctxErr := c.networkFailed(ctx, "set", err); ctxErr != nil {
			return ctxErr
		}
	}

	if err := c.memory.SetEx(ctx, key, ttl, data); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Delete removes key from both backends.
func (c *Client) Delete(ctx context.Context, key string) error {
	ctx, span := c.tracer.Start(ctx, "Client.Delete", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}

	if c.useNetwork.Load() {
		if err := c.network.Delete(ctx, key); err != nil {
			if ctxErr := c.networkFailed(ctx, "delete", err); ctxErr != nil {
				return ctxErr
			}
		}
	}

	return c.memory.Delete(ctx, key)
}

// FlushAll empties both backends.
func (c *Client) FlushAll(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "Client.FlushAll")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}

	if c.useNetwork.Load() {
		if err := c.network.FlushAll(ctx); err != nil {
			if ctxErr := c.networkFailed(ctx, "flush", err); ctxErr != nil {
				return ctxErr
			}
		}
	}
	if c.filter != nil {
		c.filter.Reset()
	}

	return c.memory.FlushAll(ctx)
}

// Stats returns the memory cache stats and the backend state.
func (c *Client) Stats() Stats {
	backend := c.memory.Name()
	if c.IsBackendActive() {
		backend = c.network.Name()
	}
	return Stats{
		Backend:       backend,
		BackendActive: c.IsBackendActive(),
		Memory:        c.memCache.Stats(),
	}
}

// Close stops background work and closes the network client. The memory
// cache is closed only when the Client created it.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.cancel()
		c.mu.Unlock()

		c.wg.Wait()

		if c.network != nil {
			if cerr := c.network.Close(); cerr != nil {
				err = fmt.Errorf("failed to close cache backend: %w", cerr)
			}
		}
		if c.ownsMemory {
			if cerr := c.memCache.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
