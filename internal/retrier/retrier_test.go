package retrier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRetrierValidation(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		base, max   time.Duration
		factor      float64
		jitter      float64
		want        error
	}{
		{"zero attempts", 0, time.Millisecond, time.Second, 2, 0, ErrInvalidMaxAttempts},
		{"tiny base delay", 1, time.Microsecond, time.Second, 2, 0, ErrInvalidBaseDelay},
		{"max below base", 1, time.Second, time.Millisecond, 2, 0, ErrInvalidMaxDelay},
		{"factor below one", 1, time.Millisecond, time.Second, 0.5, 0, ErrInvalidFactor},
		{"jitter above one", 1, time.Millisecond, time.Second, 2, 1.5, ErrInvalidJitter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRetrier(tt.maxAttempts, tt.base, tt.max, tt.factor, tt.jitter, ExponentialBackoff, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRunRetriesTemporaryErrors(t *testing.T) {
	r, err := NewRetrier(3, time.Millisecond, 5*time.Millisecond, 2, 0, ExponentialBackoff, nil)
	require.NoError(t, err)

	calls := 0
	err = r.Run(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return MarkTemporary(errors.New("connection reset"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRunStopsOnPermanentError(t *testing.T) {
	r, err := NewRetrier(5, time.Millisecond, 5*time.Millisecond, 2, 0, ExponentialBackoff, nil)
	require.NoError(t, err)

	permanent := errors.New("bad request")
	calls := 0
	err = r.Run(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	assert.Same(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestRunWrapsLastErrorWhenExhausted(t *testing.T) {
	r, err := NewRetrier(2, time.Millisecond, 2*time.Millisecond, 2, 0, LinearBackoff, nil)
	require.NoError(t, err)

	cause := errors.New("upstream 503")
	err = r.Run(context.Background(), func(context.Context) error {
		return MarkTemporary(cause)
	})
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "max retry attempts reached")
}

func TestRunHonoursContext(t *testing.T) {
	r, err := NewRetrier(3, time.Second, time.Second, 1, 0, ExponentialBackoff, func(error) bool { return true })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = r.Run(ctx, func(context.Context) error { return errors.New("always") })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDelayStrategies(t *testing.T) {
	exp, err := NewRetrier(5, 10*time.Millisecond, 50*time.Millisecond, 2, 0, ExponentialBackoff, nil)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, exp.Delay(0))
	assert.Equal(t, 40*time.Millisecond, exp.Delay(2))
	assert.Equal(t, 50*time.Millisecond, exp.Delay(4))

	lin, err := NewRetrier(5, 10*time.Millisecond, time.Second, 1, 0, LinearBackoff, nil)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Millisecond, lin.Delay(2))

	fib, err := NewRetrier(5, 10*time.Millisecond, time.Second, 1, 0, FibonacciBackoff, nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond, 50 * time.Millisecond},
		[]time.Duration{fib.Delay(0), fib.Delay(1), fib.Delay(2), fib.Delay(3), fib.Delay(4)})
}

func TestDelayJitterStaysInRange(t *testing.T) {
	r, err := NewRetrier(5, 10*time.Millisecond, time.Second, 2, 0.5, ExponentialBackoff, nil)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		d := r.Delay(1)
		assert.GreaterOrEqual(t, d, 20*time.Millisecond)
		assert.LessOrEqual(t, d, 30*time.Millisecond)
	}
}
