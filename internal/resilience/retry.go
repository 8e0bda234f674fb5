// Package resilience provides the retry, timeout and circuit breaker
// primitives wrapped around every outbound OCI Generative AI call.
//
// [Retry] re-runs an operation with exponential backoff and jitter while its
// error is classified retryable. [WithTimeout] races an operation against a
// timer. [CircuitBreaker] stops hammering an endpoint that keeps failing.
// [Executor] composes all three with metrics and tracing and is what the
// provider packages actually use.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/acedergren/ocigenai/pkg/apierror"
)

// Default retry tuning.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 100 * time.Millisecond
	DefaultMaxDelay   = 10 * time.Second
)

// jitterFraction bounds the random perturbation applied to each backoff
// delay, as a fraction of the un-jittered delay.
const jitterFraction = 0.25

// Policy configures [Retry]. The zero value makes a single attempt.
type Policy struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int

	// BaseDelay is the backoff before the first retry. It doubles with every
	// further attempt.
	BaseDelay time.Duration

	// MaxDelay caps every individual backoff delay.
	MaxDelay time.Duration

	// IsRetryable classifies errors. Nil means [IsRetryable].
	IsRetryable func(error) bool

	// OnRetry, when set, is called before each backoff sleep with the 1-based
	// number of the retry about to happen.
	OnRetry func(retry int, delay time.Duration, err error)
}

// DefaultPolicy returns the policy used when none is configured: three
// retries, 100ms base delay, 10s cap, default classification.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  DefaultMaxRetries,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		IsRetryable: IsRetryable,
	}
}

// ExhaustedError is returned by [Retry] when every attempt failed with a
// retryable error. It unwraps to the last attempt's error, so the original
// classification stays visible to [errors.As] and [apierror.KindOf].
type ExhaustedError struct {
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap returns the last attempt's error.
func (e *ExhaustedError) Unwrap() error { return e.Err }

// Retry runs op until it succeeds, fails with a non-retryable error, or the
// policy's attempt budget is spent. A non-retryable error is returned as-is
// without any delay. Cancelling ctx aborts a pending backoff sleep.
func Retry[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	classify := p.IsRetryable
	if classify == nil {
		classify = IsRetryable
	}

	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !classify(err) {
			return zero, err
		}
		if attempt >= p.MaxRetries {
			return zero, &ExhaustedError{Attempts: attempt + 1, Err: err}
		}

		delay := Backoff(attempt, p.BaseDelay, p.MaxDelay, rand.Float64)
		if hint := retryAfter(err); hint > delay {
			delay = hint
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return zero, fmt.Errorf("retry interrupted after %d attempts: %w", attempt+1, errors.Join(serr, err))
		}
	}
}

// Backoff returns the delay before retry number attempt+1:
//
//	min(base*2^attempt + jitter, max)
//
// where jitter is drawn uniformly from ±25% of base*2^attempt using rnd,
// which must return values in [0, 1). The result is never negative. A
// non-positive max disables the cap.
func Backoff(attempt int, base, max time.Duration, rnd func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	exp := float64(base) * math.Pow(2, float64(attempt))
	d := exp + (rnd()*2-1)*jitterFraction*exp
	if d < 0 {
		d = 0
	}
	if max > 0 && d > float64(max) {
		return max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// retryAfter extracts a server-suggested delay from err, if any.
func retryAfter(err error) time.Duration {
	var ae *apierror.Error
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
