package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/compilerd/internal/codes"
)

func newTestRetrier(retries int) *Retrier {
	return NewRetrier(RetryPolicy{Retries: retries, Delay: time.Millisecond}, logr.Discard())
}

func TestRetrier_SucceedsAfterTransientFailures(t *testing.T) {
	tests := []struct {
		name     string
		retries  int
		failures int
	}{
		{name: "no failures", retries: 5, failures: 0},
		{name: "two failures", retries: 5, failures: 2},
		{name: "failures equal to retries", retries: 3, failures: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := newTestRetrier(tt.retries).Do(context.Background(), "submit", func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return errors.New("throttled")
				}

				return nil
			})

			require.NoError(t, err)
			assert.Equal(t, tt.failures+1, calls)
		})
	}
}

func TestRetrier_ExhaustionIsBackendUnavailable(t *testing.T) {
	cause := errors.New("queue full")
	r := newTestRetrier(3)

	calls := 0
	err := r.Do(context.Background(), "submit", func(context.Context) error {
		calls++
		return cause
	})

	require.Error(t, err)
	assert.True(t, codes.IsBackendUnavailable(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 4, r.Attempts())
}

func TestRetrier_ConfigurationIsNotRetried(t *testing.T) {
	calls := 0
	err := newTestRetrier(5).Do(context.Background(), "availability", func(context.Context) error {
		calls++
		return codes.Errorf(codes.Configuration, "no worker")
	})

	assert.True(t, codes.IsConfiguration(err))
	assert.Equal(t, 1, calls)
}

func TestRetrier_DeadlineIsStale(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	r := NewRetrier(RetryPolicy{Retries: 1000, Delay: 5 * time.Millisecond}, logr.Discard())

	start := time.Now()
	err := r.Do(ctx, "submit", func(context.Context) error {
		return errors.New("unavailable")
	})

	assert.True(t, codes.IsStale(err), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetrier_NegativeRetries(t *testing.T) {
	r := NewRetrier(RetryPolicy{Retries: -2}, logr.Discard())
	assert.Equal(t, 1, r.Attempts())
}
