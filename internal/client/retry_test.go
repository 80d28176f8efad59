package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	var failures []int
	err := retry(context.Background(), RetryPolicy{MaxAttempts: 5, Backoff: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	}, func(n int, _ error) { failures = append(failures, n) })

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, failures)
}

func TestRetry_BoundedGivesUp(t *testing.T) {
	calls := 0
	err := retry(context.Background(), RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}, func(context.Context) error {
		calls++
		return errFlaky
	}, nil)

	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := retry(context.Background(), RetryPolicy{Backoff: time.Millisecond}, func(context.Context) error {
		calls++
		return permanent(errFlaky)
	}, nil)

	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, calls)
}

func TestRetry_UnboundedStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	calls := 0
	err := retry(ctx, RetryPolicy{Backoff: 10 * time.Millisecond}, func(context.Context) error {
		calls++
		return errFlaky
	}, nil)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, calls, 1)
}

func TestRetry_InvalidPolicy(t *testing.T) {
	err := retry(context.Background(), RetryPolicy{MaxAttempts: -1}, func(context.Context) error { return nil }, nil)
	require.ErrorIs(t, err, errInvalidPolicy)
}
