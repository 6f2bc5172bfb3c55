package memory

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"goflare.io/scribe/internal/models"
)

// RistrettoStore keeps entries in a ristretto cache bounded by entry count.
type RistrettoStore struct {
	cache  *ristretto.Cache
	logger *zap.Logger
}

// NewRistrettoStore creates a new RistrettoStore holding at most maxEntries
// entries. onRemove is invoked for entries ristretto evicts or rejects on its
// own; it must not block.
func NewRistrettoStore(maxEntries uint64, onRemove func(*models.Entry), logger *zap.Logger) (*RistrettoStore, error) {
	removed := func(item *ristretto.Item) {
		if entry, ok := item.Value.(*models.Entry); ok && onRemove != nil {
			onRemove(entry)
		}
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        int64(maxEntries * 10),
		MaxCost:            int64(maxEntries),
		BufferItems:        64,
		IgnoreInternalCost: true,
		OnEvict:            removed,
		OnReject:           removed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}

	return &RistrettoStore{
		cache:  c,
		logger: logger,
	}, nil
}

// Set stores entry under entry.Key. Ristretto applies new keys
// asynchronously and may drop them when its buffers are full, so the write is
// flushed and verified, and retried once if it did not land.
func (s *RistrettoStore) Set(entry *models.Entry, ttl time.Duration) bool {
	for attempt := 0; attempt < 2; attempt++ {
		s.cache.SetWithTTL(entry.Key, entry, 1, ttl)
		s.cache.Wait()
		if stored, found := s.Get(entry.Key); found && stored == entry {
			return true
		}
	}
	s.logger.Warn("Ristretto dropped cache entry", zap.String("key", entry.Key))
	return false
}

// Get retrieves a cache entry.
func (s *RistrettoStore) Get(key string) (*models.Entry, bool) {
	value, found := s.cache.Get(key)
	if !found {
		return nil, false
	}

	entry, ok := value.(*models.Entry)
	if !ok {
		s.logger.Error("Invalid cache entry type", zap.String("key", key))
		return nil, false
	}
	return entry, true
}

// Delete removes a cache entry.
func (s *RistrettoStore) Delete(key string) {
	s.cache.Del(key)
}

// Flush clears the entire cache.
func (s *RistrettoStore) Flush() {
	s.cache.Clear()
}

// Close closes the cache.
func (s *RistrettoStore) Close() {
	s.cache.Close()
}
