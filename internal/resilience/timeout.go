package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/acedergren/ocigenai/pkg/apierror"
)

// TimeoutError is returned by [WithTimeout] when the operation did not
// finish in time. It is never retried by the default classifier.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("operation timed out after %v", e.Timeout)
	}
	return fmt.Sprintf("%s timed out after %v", e.Op, e.Timeout)
}

// ErrorKind reports [apierror.KindTimeout].
func (e *TimeoutError) ErrorKind() apierror.Kind { return apierror.KindTimeout }

// WithTimeout runs op and returns its result, or a [*TimeoutError] once d
// elapses. The context passed to op is cancelled when WithTimeout returns;
// an op that ignores its context keeps running in the background and its
// result is discarded. A non-positive d runs op without a deadline.
func WithTimeout[T any](ctx context.Context, d time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}

	type result struct {
		v   T
		err error
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan result, 1)
	go func() {
		v, err := fn(opCtx)
		ch <- result{v, err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	var zero T
	select {
	case r := <-ch:
		return r.v, r.err
	case <-timer.C:
		// An op that finished at the same instant still wins.
		select {
		case r := <-ch:
			return r.v, r.err
		default:
		}
		return zero, &TimeoutError{Op: op, Timeout: d}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
