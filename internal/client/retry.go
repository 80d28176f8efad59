package client

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy controls how a driver repeats a failed exchange.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts; zero means no limit.
	MaxAttempts int
	// Backoff is the fixed delay between attempts.
	Backoff time.Duration
}

// Policies the drivers use unless configured otherwise.
var (
	ProducerPolicy = RetryPolicy{MaxAttempts: 0, Backoff: 5 * time.Second}
	ReaderPolicy   = RetryPolicy{MaxAttempts: 3, Backoff: time.Second}
)

var errInvalidPolicy = errors.New("invalid retry policy")

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// retry runs attempt until it succeeds, returns a permanent error, the policy
// runs out of attempts or ctx is done. onFailure, when set, is called after
// each retriable failure with the 1-based attempt number.
func retry(ctx context.Context, policy RetryPolicy, attempt func(ctx context.Context) error, onFailure func(n int, err error)) error {
	if policy.MaxAttempts < 0 || policy.Backoff < 0 {
		return errInvalidPolicy
	}

	var n int
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n++
		err := attempt(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if onFailure != nil {
			onFailure(n, err)
		}
		if policy.MaxAttempts > 0 && n >= policy.MaxAttempts {
			return err
		}

		timer := time.NewTimer(policy.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
