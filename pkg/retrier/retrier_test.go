package retrier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetrier_Do(t *testing.T) {
	t.Run("success on first attempt", func(t *testing.T) {
		r := New()
		attempts := 0
		err := r.Do(context.Background(), func(ctx context.Context) error {
			attempts++
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("success after retries", func(t *testing.T) {
		r := New(WithMaxRetries(3), WithInitialInterval(1*time.Millisecond))
		attempts := 0
		err := r.Do(context.Background(), func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("fail")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("fail after max retries", func(t *testing.T) {
		r := New(WithMaxRetries(2), WithInitialInterval(1*time.Millisecond))
		attempts := 0
		err := r.Do(context.Background(), func(ctx context.Context) error {
			attempts++
			return errors.New("fail")
		})
		assert.Error(t, err)
		assert.Equal(t, 3, attempts) // 1 initial + 2 retries
	})

	t.Run("context cancellation", func(t *testing.T) {
		r := New(WithMaxRetries(5), WithInitialInterval(100*time.Millisecond))
		ctx, cancel := context.WithCancel(context.Background())

		attempts := 0
		err := r.Do(ctx, func(ctx context.Context) error {
			attempts++
			if attempts == 2 {
				cancel()
			}
			return errors.New("fail")
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 2, attempts)
	})
}

func TestRetrier_OnFailure(t *testing.T) {
	var failures []int
	r := New(
		WithMaxRetries(3),
		WithInitialInterval(time.Millisecond),
		WithOnFailure(func(attempt int, err error) {
			failures = append(failures, attempt)
		}),
	)

	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("fail")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []int{1, 2}, failures)
}

func TestRetrier_RetryIf(t *testing.T) {
	permanent := errors.New("permanent")
	r := New(
		WithMaxRetries(5),
		WithInitialInterval(time.Millisecond),
		WithRetryIf(func(err error) bool { return !errors.Is(err, permanent) }),
	)

	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts == 2 {
			return permanent
		}
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 2, attempts)
}

func TestRetrier_Multiplier(t *testing.T) {
	r := New(
		WithMaxRetries(2),
		WithInitialInterval(10*time.Millisecond),
		WithMaxInterval(time.Second),
		WithMultiplier(3),
		WithJitter(0),
	)

	start := time.Now()
	err := r.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("fail")
	})
	assert.Error(t, err)
	// waits 10ms then 30ms
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
