package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/acedergren/ocigenai/internal/observe"
	"github.com/acedergren/ocigenai/pkg/apierror"
)

// DefaultTimeout bounds a single attempt when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// Executor runs outbound calls with a per-attempt timeout, a retry policy
// and an optional circuit breaker, recording metrics and a span per call.
// Construct with [NewExecutor]; the zero value is not usable.
type Executor struct {
	timeout time.Duration
	retry   bool
	policy  Policy
	breaker *CircuitBreaker
	metrics *observe.Metrics
	logger  *slog.Logger
}

// ExecutorOption configures an [Executor].
type ExecutorOption func(*Executor)

// WithAttemptTimeout bounds each attempt. Zero or negative disables the
// timeout.
func WithAttemptTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithPolicy replaces the retry policy.
func WithPolicy(p Policy) ExecutorOption {
	return func(e *Executor) { e.policy = p }
}

// WithoutRetry makes every call a single attempt.
func WithoutRetry() ExecutorOption {
	return func(e *Executor) { e.retry = false }
}

// WithBreaker guards calls with cb.
func WithBreaker(cb *CircuitBreaker) ExecutorOption {
	return func(e *Executor) { e.breaker = cb }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor returns an Executor with a 30s attempt timeout and
// [DefaultPolicy], adjusted by opts.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		timeout: DefaultTimeout,
		retry:   true,
		policy:  DefaultPolicy(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Do runs fn through e. op names the operation in logs, metrics and the
// span. A nil e behaves like NewExecutor().
func Do[T any](ctx context.Context, e *Executor, op string, fn func(context.Context) (T, error)) (v T, err error) {
	if e == nil {
		e = NewExecutor()
	}

	ctx, span := observe.StartSpan(ctx, "ocigenai."+op)
	start := time.Now()
	defer func() {
		e.metrics.RecordRequestDuration(ctx, op, time.Since(start).Seconds())
		if err != nil {
			e.metrics.RecordProviderRequest(ctx, op, "error")
			e.metrics.RecordProviderError(ctx, op, apierror.KindOf(err).String())
		} else {
			e.metrics.RecordProviderRequest(ctx, op, "ok")
		}
		observe.EndSpan(span, err)
	}()

	attempt := func(ctx context.Context) (T, error) {
		if e.breaker == nil {
			return WithTimeout(ctx, e.timeout, op, fn)
		}
		var out T
		berr := e.breaker.Execute(func() error {
			var err error
			out, err = WithTimeout(ctx, e.timeout, op, fn)
			return err
		})
		return out, berr
	}

	if !e.retry {
		return attempt(ctx)
	}

	p := e.policy
	userHook := p.OnRetry
	p.OnRetry = func(retry int, delay time.Duration, err error) {
		e.metrics.RecordRetry(ctx, op)
		observe.LoggerFrom(ctx, e.logger).Warn("retrying oci call",
			"op", op,
			"retry", retry,
			"max_retries", p.MaxRetries,
			"delay", delay,
			"err", err)
		if userHook != nil {
			userHook(retry, delay, err)
		}
	}
	return Retry(ctx, p, attempt)
}
