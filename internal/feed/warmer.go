package feed

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultRefreshTimeout = 30 * time.Second

// Warmer loads every feed at start and refreshes them periodically.
type Warmer struct {
	service  *Service
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewWarmer creates a new Warmer instance. A non-positive interval only warms up once.
func NewWarmer(service *Service, interval time.Duration, logger *zap.Logger) *Warmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{
		service:  service,
		interval: interval,
		timeout:  defaultRefreshTimeout,
		logger:   logger,
	}
}

// Run warms up the feeds, then refreshes them every interval until ctx is done.
func (w *Warmer) Run(ctx context.Context) error {
	if err := w.Warmup(ctx); err != nil {
		w.logger.Warn("Feed warmup incomplete", zap.Error(err))
	}
	if w.interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Warmup(ctx); err != nil {
				w.logger.Warn("Feed refresh incomplete", zap.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Warmup refreshes all feeds concurrently and returns the first failure.
// A failing feed does not stop the others.
func (w *Warmer) Warmup(ctx context.Context) error {
	var g errgroup.Group
	for _, kind := range w.service.Kinds() {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, w.timeout)
			defer cancel()

			if err := w.service.Refresh(ctx, kind); err != nil {
				w.logger.Debug("Failed to warm up feed", zap.String("kind", kind), zap.Error(err))
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
