// Package ratelimit implements sliding-window-log rate limiting per route
// class and client identity, stored through the resilient cache client.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"goflare.io/scribe/internal/metrics"
)

// ErrInvalidRule is returned by New for incomplete rules.
var ErrInvalidRule = errors.New("rate limit rule needs a class, a max of at least 1 and a positive window")

const (
	keyPrefix      = "ratelimit"
	defaultMessage = "Too many requests, please try again later."

	outcomeAllowed  = "allowed"
	outcomeRejected = "rejected"
	outcomeFailOpen = "fail_open"
)

// Store is the subset of the cache client a Limiter needs.
type Store interface {
	Get(ctx context.Context, key string, value any) (bool, error)
	SetEx(ctx context.Context, key string, ttl time.Duration, value any) error
}

// Rule is the quota of one route class.
type Rule struct {
	Class   string        `yaml:"class"`
	Max     int           `yaml:"max"`
	Window  time.Duration `yaml:"window"`
	Message string        `yaml:"message"`
}

// Record is the stored request log of one identity, in unix milliseconds.
type Record struct {
	Identity   string  `json:"identity"`
	Timestamps []int64 `json:"timestamps"`
}

// Decision is the outcome of one check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration

	// FailOpen is set when the store failed and the request was let through.
	FailOpen bool
}

// Limiter enforces one Rule.
type Limiter struct {
	rule   Rule
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// New creates a Limiter for rule.
func New(rule Rule, store Store, opts ...Option) (*Limiter, error) {
	if rule.Class == "" || rule.Max < 1 || rule.Window <= 0 {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidRule, rule)
	}
	if store == nil {
		return nil, errors.New("rate limit store is required")
	}
	if rule.Message == "" {
		rule.Message = defaultMessage
	}

	l := &Limiter{
		rule:   rule,
		store:  store,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(zap.String("class", rule.Class))
	return l, nil
}

// Rule returns the enforced rule.
func (l *Limiter) Rule() Rule { return l.rule }

// Key returns the cache key of identity's record.
func (l *Limiter) Key(identity string) string {
	return keyPrefix + ":" + l.rule.Class + ":" + identity
}

// Allow records one attempt by identity and reports whether it is within
// the quota. Rejected attempts are not recorded. The read and the write
// back are not atomic: concurrent requests of one identity may be
// over-admitted by a few requests.
func (l *Limiter) Allow(ctx context.Context, identity string) Decision {
	now := l.now()
	key := l.Key(identity)

	var rec Record
	if _, err := l.store.Get(ctx, key, &rec); err != nil {
		return l.failOpen(key, err)
	}

	cutoff := now.Add(-l.rule.Window).UnixMilli()
	kept := make([]int64, 0, len(rec.Timestamps)+1)
	oldest := int64(0)
	for _, ts := range rec.Timestamps {
		if ts < cutoff {
			continue
		}
		if len(kept) == 0 || ts < oldest {
			oldest = ts
		}
		kept = append(kept, ts)
	}

	if len(kept) >= l.rule.Max {
		retryAfter := time.UnixMilli(oldest).Add(l.rule.Window).Sub(now) + time.Millisecond
		if retryAfter < time.Millisecond {
			retryAfter = time.Millisecond
		}
		metrics.RateLimitDecisions.WithLabelValues(l.rule.Class, outcomeRejected).Inc()
		return Decision{
			Allowed:    false,
			Limit:      l.rule.Max,
			Remaining:  0,
			RetryAfter: retryAfter,
		}
	}

	kept = append(kept, now.UnixMilli())
	if err := l.store.SetEx(ctx, key, l.rule.Window, Record{Identity: identity, Timestamps: kept}); err != nil {
		return l.failOpen(key, err)
	}

	metrics.RateLimitDecisions.WithLabelValues(l.rule.Class, outcomeAllowed).Inc()
	return Decision{
		Allowed:   true,
		Limit:     l.rule.Max,
		Remaining: l.rule.Max - len(kept),
	}
}

func (l *Limiter) failOpen(key string, err error) Decision {
	l.logger.Warn("Rate limit check failed, allowing request", zap.String("key", key), zap.Error(err))
	metrics.RateLimitDecisions.WithLabelValues(l.rule.Class, outcomeFailOpen).Inc()
	return Decision{
		Allowed:   true,
		Limit:     l.rule.Max,
		Remaining: l.rule.Max,
		FailOpen:  true,
	}
}
