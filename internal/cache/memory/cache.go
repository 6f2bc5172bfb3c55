// Package memory implements the in-process TTL cache used as the fallback
// backend of the resilient cache client.
package memory

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"goflare.io/scribe/internal/models"
	"goflare.io/scribe/internal/utils"
)

const (
	defaultMaxEntries = 100_000
	defaultTTL        = 5 * time.Minute
	defaultSegments   = 16
)

// ErrSetFailed is returned when the underlying store refuses an entry twice in a row.
var ErrSetFailed = errors.New("failed to set value in memory cache")

// Options configures a Cache.
type Options struct {
	// MaxEntries bounds the number of entries kept. Default is 100000.
	MaxEntries uint64

	// DefaultTTL applies to Set calls with a non-positive ttl. Default is 5m.
	DefaultTTL time.Duration

	// Segments is the number of lock segments. Default is 16.
	Segments uint64

	// Logger is the *zap.Logger for this Cache.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// Now overrides the clock used for expiry decisions.
	Now func() time.Time
}

func (o *Options) init() {
	if o.MaxEntries == 0 {
		o.MaxEntries = defaultMaxEntries
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = defaultTTL
	}
	if o.Segments == 0 {
		o.Segments = defaultSegments
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Stats describes the cache for observability.
type Stats struct {
	Entries    int                    `json:"entries"`
	DefaultTTL time.Duration          `json:"default_ttl"`
	Counters   models.MetricsSnapshot `json:"counters"`
}

// Cache is a key to bytes store with per-entry expiration. Expired entries
// are evicted when they are read, never returned.
type Cache struct {
	store    *RistrettoStore
	tracker  *Tracker
	segments []sync.RWMutex
	metrics  *models.Metrics

	defaultTTL time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// New creates a new Cache instance.
func New(opts Options) (*Cache, error) {
	opts.init()

	c := &Cache{
		tracker:    NewTracker(),
		segments:   make([]sync.RWMutex, opts.Segments),
		metrics:    models.NewMetrics(),
		defaultTTL: opts.DefaultTTL,
		now:        opts.Now,
		logger:     opts.Logger,
	}

	store, err := NewRistrettoStore(opts.MaxEntries, func(entry *models.Entry) {
		if c.tracker.RemoveEntry(entry) {
			c.metrics.Evictions.Inc()
		}
	}, opts.Logger)
	if err != nil {
		return nil, err
	}
	c.store = store

	return c, nil
}

func (c *Cache) segment(key string) *sync.RWMutex {
	return &c.segments[utils.ShardIndex(uint64(len(c.segments)), key)]
}

// Get returns the value stored under key unless it has expired.
func (c *Cache) Get(key string) ([]byte, bool) {
	seg := c.segment(key)
	seg.RLock()
	entry, found := c.store.Get(key)
	if !found {
		c.tracker.Remove(key)
	}
	seg.RUnlock()

	if !found {
		c.metrics.Misses.Inc()
		return nil, false
	}

	now := c.now()
	if entry.IsExpired(now) {
		c.evict(entry)
		c.metrics.Misses.Inc()
		return nil, false
	}

	entry.IncrementAccess(now)
	c.metrics.Hits.Inc()
	return entry.Data, true
}

// evict removes an expired entry unless it has been replaced meanwhile.
func (c *Cache) evict(entry *models.Entry) {
	seg := c.segment(entry.Key)
	seg.Lock()
	defer seg.Unlock()

	if current, found := c.store.Get(entry.Key); found && current != entry {
		return
	}
	c.store.Delete(entry.Key)
	c.tracker.RemoveEntry(entry)
	c.metrics.Expired.Inc()
	c.logger.Debug("Evicted expired cache entry", zap.String("key", entry.Key))
}

// Set stores value under key for ttl, replacing any previous entry. A
// non-positive ttl selects the default TTL.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) error {
	ttl = utils.ExpirationOrDefault(c.defaultTTL, ttl)

	data := make([]byte, len(value))
	copy(data, value)

	now := c.now()
	entry := models.NewEntry(key, data, now, now.Add(ttl))

	seg := c.segment(key)
	seg.Lock()
	defer seg.Unlock()

	if !c.store.Set(entry, ttl) {
		return ErrSetFailed
	}
	c.tracker.Add(entry)
	return nil
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	seg := c.segment(key)
	seg.Lock()
	defer seg.Unlock()

	c.store.Delete(key)
	c.tracker.Remove(key)
}

// Clear removes all entries.
func (c *Cache) Clear() {
	for i := range c.segments {
		c.segments[i].Lock()
	}
	defer func() {
		for i := range c.segments {
			c.segments[i].Unlock()
		}
	}()

	c.store.Flush()
	c.tracker.Reset()
}

// Keys returns the keys currently tracked, expired or not.
func (c *Cache) Keys() []string {
	return c.tracker.Keys()
}

// DefaultTTL is the TTL applied to Set calls with a non-positive ttl.
func (c *Cache) DefaultTTL() time.Duration {
	return c.defaultTTL
}

// Stats returns the current entry count and the default TTL.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:    c.tracker.Len(),
		DefaultTTL: c.defaultTTL,
		Counters:   c.metrics.Snapshot(),
	}
}

// Close releases the store.
func (c *Cache) Close() error {
	c.store.Close()
	return nil
}
