package resilient

import (
	"context"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"
)

// KeyFilter remembers which keys may exist on the network backend so that
// reads for keys never written can skip the round trip.
type KeyFilter struct {
	mu         sync.Mutex
	filter     *bloom.BloomFilter
	rebuilding bool
	pending    []string

	expectedItems     uint
	falsePositiveRate float64
	logger            *zap.Logger
}

// NewKeyFilter creates a new KeyFilter instance.
func NewKeyFilter(expectedItems uint, falsePositiveRate float64, logger *zap.Logger) *KeyFilter {
	return &KeyFilter{
		filter:            bloom.NewWithEstimates(expectedItems, falsePositiveRate),
		expectedItems:     expectedItems,
		falsePositiveRate: falsePositiveRate,
		logger:            logger,
	}
}

// Add adds a key to the bloom filter.
func (kf *KeyFilter) Add(key string) {
	kf.mu.Lock()
	defer kf.mu.Unlock()

	kf.filter.AddString(key)
	if kf.rebuilding {
		kf.pending = append(kf.pending, key)
	}
}

// Test checks if a key might be in the bloom filter.
func (kf *KeyFilter) Test(key string) bool {
	kf.mu.Lock()
	defer kf.mu.Unlock()

	return kf.filter.TestString(key)
}

// Reset forgets every key.
func (kf *KeyFilter) Reset() {
	kf.mu.Lock()
	defer kf.mu.Unlock()

	kf.filter = bloom.NewWithEstimates(kf.expectedItems, kf.falsePositiveRate)
	kf.pending = nil
}

// Rebuild reconstructs the bloom filter from all keys in the remote cache.
// Keys added while the scan runs are carried over into the new filter.
func (kf *KeyFilter) Rebuild(ctx context.Context, backend *RedisBackend) error {
	kf.mu.Lock()
	if kf.rebuilding {
		kf.mu.Unlock()
		return nil
	}
	kf.rebuilding = true
	kf.pending = nil
	kf.mu.Unlock()

	newFilter := bloom.NewWithEstimates(kf.expectedItems, kf.falsePositiveRate)
	err := backend.ScanKeys(ctx, func(key string) {
		newFilter.AddString(key)
	})

	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.rebuilding = false
	if err != nil {
		kf.pending = nil
		return err
	}

	for _, key := range kf.pending {
		newFilter.AddString(key)
	}
	kf.pending = nil
	kf.filter = newFilter
	return nil
}

// PeriodicRebuild periodically rebuilds the bloom filter while the backend is active.
func (kf *KeyFilter) PeriodicRebuild(ctx context.Context, interval time.Duration, backend *RedisBackend, active func() bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !active() {
				continue
			}
			if err := kf.Rebuild(ctx, backend); err != nil {
				kf.logger.Warn("Failed to rebuild bloom filter", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
