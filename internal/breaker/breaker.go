// Package breaker guards calls to third-party dependencies with a circuit
// breaker and a per-call deadline.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/scribe/internal/metrics"
)

var (
	// ErrCircuitOpen is returned without invoking the operation while the breaker rejects calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrOperationTimeout is returned when an operation outlives OperationTimeout.
	ErrOperationTimeout = errors.New("operation timed out")

	// ErrInvalidThreshold is returned by New for zero thresholds.
	ErrInvalidThreshold = errors.New("breaker thresholds must be at least 1")
)

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 2
	defaultOperationTimeout = 10 * time.Second
	defaultResetTimeout     = 30 * time.Second
)

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("unknown state: %d", s)
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// Settings configures a Breaker.
type Settings struct {
	Name string `yaml:"name"`

	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// SuccessThreshold is the number of consecutive half-open successes that closes it.
	SuccessThreshold uint32 `yaml:"success_threshold"`

	// OperationTimeout bounds every guarded call. Zero disables the deadline.
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// ResetTimeout is how long the breaker stays open before a trial call.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// DefaultSettings returns the settings used for unset fields.
func DefaultSettings(name string) Settings {
	return Settings{
		Name:             name,
		FailureThreshold: defaultFailureThreshold,
		SuccessThreshold: defaultSuccessThreshold,
		OperationTimeout: defaultOperationTimeout,
		ResetTimeout:     defaultResetTimeout,
	}
}

// Snapshot is the observable state of a breaker.
type Snapshot struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	FailureCount  uint32    `json:"failure_count"`
	SuccessCount  uint32    `json:"success_count"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

// Operation is a guarded call. ctx is cancelled when the call times out.
type Operation func(ctx context.Context) (any, error)

// Breaker is a circuit breaker for one dependency.
type Breaker struct {
	name        string
	cb          *gobreaker.CircuitBreaker
	timeout     time.Duration
	nextAttempt *atomic.Time
	trial       atomic.Bool
	tracer      trace.Tracer
	logger      *zap.Logger
}

// New creates a Breaker in the closed state.
func New(settings Settings, logger *zap.Logger) (*Breaker, error) {
	if settings.FailureThreshold == 0 || settings.SuccessThreshold == 0 {
		return nil, ErrInvalidThreshold
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = defaultResetTimeout
	}
	if settings.Name == "" {
		settings.Name = "default"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{
		name:        settings.Name,
		timeout:     settings.OperationTimeout,
		nextAttempt: atomic.NewTime(time.Time{}),
		tracer:      otel.Tracer("breaker"),
		logger:      logger.With(zap.String("breaker", settings.Name)),
	}

	failureThreshold := settings.FailureThreshold
	resetTimeout := settings.ResetTimeout
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.SuccessThreshold,
		Interval:    0,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		// Runs under the gobreaker lock: must not call back into cb.
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.nextAttempt.Store(time.Now().Add(resetTimeout))
			} else {
				b.nextAttempt.Store(time.Time{})
			}
			metrics.BreakerState.WithLabelValues(name).Set(float64(fromGobreaker(to)))
			b.logger.Info("Circuit breaker state changed",
				zap.Stringer("from", fromGobreaker(from)),
				zap.Stringer("to", fromGobreaker(to)))
		},
	})
	metrics.BreakerState.WithLabelValues(settings.Name).Set(float64(StateClosed))

	return b, nil
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Snapshot returns the current state and counters.
func (b *Breaker) Snapshot() Snapshot {
	state := b.State()
	counts := b.cb.Counts()
	s := Snapshot{
		Name:         b.name,
		State:        state,
		FailureCount: counts.ConsecutiveFailures,
		SuccessCount: counts.ConsecutiveSuccesses,
	}
	if state == StateOpen {
		s.NextAttemptAt = b.nextAttempt.Load()
	}
	return s
}

// Execute runs op unless the breaker is open. Errors from op are returned
// as they are; every error counts as a failure.
func (b *Breaker) Execute(ctx context.Context, op Operation) (any, error) {
	ctx, span := b.tracer.Start(ctx, "Breaker.Execute", trace.WithAttributes(attribute.String("breaker", b.name)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Outside Closed a single trial call runs at a time.
	if b.State() != StateClosed {
		if !b.trial.CompareAndSwap(false, true) {
			err := b.rejected()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		defer b.trial.Store(false)
	}

	result, err := b.cb.Execute(func() (any, error) {
		return b.run(ctx, op)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = b.rejected()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

func (b *Breaker) rejected() error {
	metrics.BreakerRejections.WithLabelValues(b.name).Inc()
	return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
}

type outcome struct {
	value any
	err   error
}

// run races op against the operation timeout. A late result is dropped.
func (b *Breaker) run(parent context.Context, op Operation) (any, error) {
	if b.timeout <= 0 {
		return call(parent, op)
	}

	ctx, cancel := context.WithTimeout(parent, b.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		v, err := call(ctx, op)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		if err := parent.Err(); err != nil {
			return nil, err
		}
		metrics.BreakerTimeouts.WithLabelValues(b.name).Inc()
		b.logger.Warn("Guarded operation timed out", zap.Duration("timeout", b.timeout))
		return nil, fmt.Errorf("%s: %w", b.name, ErrOperationTimeout)
	}
}

func call(ctx context.Context, op Operation) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("guarded operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

// Do is Execute for typed results.
func Do[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := b.Execute(ctx, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, nil
	}
	return t, nil
}
