// Package monitor counts errors per kind over a rolling window and logs one
// anomaly warning whenever a kind crosses its threshold.
package monitor

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"goflare.io/scribe/internal/metrics"
)

const (
	defaultWindow    = time.Minute
	defaultThreshold = 100
)

// Options configures a Monitor.
type Options struct {
	// Window is the rolling window. Default is 1m.
	Window time.Duration

	// Threshold is the count above which a kind is anomalous. Default is 100.
	Threshold int

	Logger *zap.Logger
	Now    func() time.Time
}

type bucket struct {
	timestamps []time.Time
	alerting   bool
}

// Monitor tracks error occurrences. It is safe for concurrent use.
type Monitor struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	window    time.Duration
	threshold int
	now       func() time.Time
	logger    *zap.Logger
}

// New creates a new Monitor instance.
func New(opts Options) *Monitor {
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	if opts.Threshold <= 0 {
		opts.Threshold = defaultThreshold
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		buckets:   make(map[string]*bucket),
		window:    opts.Window,
		threshold: opts.Threshold,
		now:       opts.Now,
		logger:    opts.Logger,
	}
}

// Track records one occurrence of kind.
func (m *Monitor) Track(kind string) {
	metrics.Errors.WithLabelValues(kind).Inc()

	now := m.now()

	m.mu.Lock()
	b, ok := m.buckets[kind]
	if !ok {
		b = &bucket{}
		m.buckets[kind] = b
	}
	b.timestamps = append(prune(b.timestamps, now.Add(-m.window)), now)
	count := len(b.timestamps)

	fire := false
	switch {
	case count > m.threshold && !b.alerting:
		b.alerting = true
		fire = true
	case count <= m.threshold:
		b.alerting = false
	}
	m.mu.Unlock()

	if fire {
		metrics.ErrorAnomalies.WithLabelValues(kind).Inc()
		m.logger.Warn("Error rate anomaly detected",
			zap.String("kind", kind),
			zap.Int("count", count),
			zap.Int("threshold", m.threshold),
			zap.Duration("window", m.window))
	}
}

// prune drops timestamps before cutoff. ts is in insertion order.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := sort.Search(len(ts), func(i int) bool {
		return !ts[i].Before(cutoff)
	})
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// Snapshot returns the in-window count per kind.
func (m *Monitor) Snapshot() map[string]int {
	cutoff := m.now().Add(-m.window)

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int, len(m.buckets))
	for kind, b := range m.buckets {
		b.timestamps = prune(b.timestamps, cutoff)
		if len(b.timestamps) == 0 {
			delete(m.buckets, kind)
			continue
		}
		out[kind] = len(b.timestamps)
	}
	return out
}
