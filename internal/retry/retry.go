// Package retry executes operations with a bounded, observable backoff
// policy. It has no knowledge of sessions or transcripts; all retry timing
// for the interaction engine lives here.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	apperrors "github.com/emberlane/storyloom/internal/errors"
)

const defaultBaseDelay = 500 * time.Millisecond

// Policy bounds and shapes automatic retries for one operation.
type Policy struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int

	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration

	// Exponential doubles the delay after every failed attempt. When false
	// the delay stays fixed at BaseDelay.
	Exponential bool

	// ShouldRetry overrides the classifier's retryability verdict. attempt is
	// the zero-based index of the attempt that just failed.
	ShouldRetry func(err error, attempt int) bool

	// OnAttempt is invoked before each retry wait so callers can surface
	// "Retry 2/2" style progress. attempt is one-based.
	OnAttempt func(attempt, maxRetries int, delay time.Duration)
}

// DefaultPolicy is the automatic-retry policy for turn submissions.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 2, BaseDelay: defaultBaseDelay, Exponential: true}
}

// ManualPolicy is the tightened policy for a deliberate user-initiated retry.
func ManualPolicy() Policy {
	return Policy{MaxRetries: 1, BaseDelay: defaultBaseDelay, Exponential: false}
}

// Do invokes op, retrying retryable failures according to policy. It never
// exceeds MaxRetries additional attempts and never retries a failure the
// policy or classifier marks non-retryable. The context cancels both the
// in-flight operation and any pending wait.
func Do[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if op == nil {
		return zero, fmt.Errorf("retry: operation is required")
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaultBaseDelay
	}

	delays := newDelaySource(policy)
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry: %w", err)
		}

		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		if attempt >= policy.MaxRetries {
			return zero, err
		}
		if !shouldRetry(policy, err, attempt) {
			return zero, err
		}

		delay := delays.NextBackOff()
		if delay == backoff.Stop {
			return zero, err
		}
		if policy.OnAttempt != nil {
			policy.OnAttempt(attempt+1, policy.MaxRetries, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry: wait interrupted: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func shouldRetry(policy Policy, err error, attempt int) bool {
	if policy.ShouldRetry != nil {
		return policy.ShouldRetry(err, attempt)
	}
	return apperrors.Classify(err).Retryable
}

// newDelaySource builds the backoff sequence for one execution: either a
// doubling series starting at BaseDelay or a constant BaseDelay.
func newDelaySource(policy Policy) backoff.BackOff {
	if !policy.Exponential {
		return backoff.NewConstantBackOff(policy.BaseDelay)
	}
	source := backoff.NewExponentialBackOff()
	source.InitialInterval = policy.BaseDelay
	source.Multiplier = 2
	source.RandomizationFactor = 0
	source.MaxInterval = time.Minute
	return source
}
