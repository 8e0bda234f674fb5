package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls. It is never retried.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// BreakerState is the operating mode of a [CircuitBreaker].
type BreakerState int

const (
	// BreakerClosed forwards every call.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls with [ErrCircuitOpen] until the cool-down
	// elapses.
	BreakerOpen

	// BreakerHalfOpen lets a limited number of probe calls through.
	BreakerHalfOpen
)

// String returns the name of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [CircuitBreaker].
type BreakerConfig struct {
	// Name labels log lines, typically the endpoint host.
	Name string

	// MaxFailures is the number of consecutive counted failures that opens
	// the breaker. Default: 5.
	MaxFailures int

	// CoolDown is how long the breaker stays open before probing.
	// Default: 30s.
	CoolDown time.Duration

	// Probes is the number of successful half-open calls needed to close
	// again. Default: 1.
	Probes int

	// Counts decides whether an error counts towards opening. Nil means
	// [IsRetryable], so caller mistakes such as validation failures or bad
	// credentials never trip the breaker.
	Counts func(error) bool

	// Logger receives state transitions. Nil means slog.Default().
	Logger *slog.Logger

	// now is overridable in tests.
	now func() time.Time
}

// CircuitBreaker guards an endpoint that keeps failing with transient
// errors. It is safe for concurrent use.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	inFlight int
	passed   int
}

// NewCircuitBreaker returns a closed breaker. Zero config fields take their
// defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.Counts == nil {
		cfg.Counts = IsRetryable
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn unless the breaker is open. While half-open only as many
// calls as there are outstanding probes are let through.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(probe, err)
	return err
}

func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen {
		if cb.cfg.now().Sub(cb.openedAt) < cb.cfg.CoolDown {
			return false, ErrCircuitOpen
		}
		cb.state = BreakerHalfOpen
		cb.inFlight = 0
		cb.passed = 0
		cb.cfg.Logger.Info("circuit half-open", "name", cb.cfg.Name)
	}
	if cb.state == BreakerHalfOpen {
		if cb.inFlight+cb.passed >= cb.cfg.Probes {
			return false, ErrCircuitOpen
		}
		cb.inFlight++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil && cb.cfg.Counts(err)
	if probe {
		cb.inFlight--
		if cb.state != BreakerHalfOpen {
			return
		}
		if failed {
			cb.trip()
			return
		}
		cb.passed++
		if cb.passed >= cb.cfg.Probes {
			cb.state = BreakerClosed
			cb.failures = 0
			cb.cfg.Logger.Info("circuit closed", "name", cb.cfg.Name)
		}
		return
	}

	if !failed {
		if err == nil {
			cb.failures = 0
		}
		return
	}
	cb.failures++
	if cb.state == BreakerClosed && cb.failures >= cb.cfg.MaxFailures {
		cb.trip()
	}
}

// trip opens the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = BreakerOpen
	cb.openedAt = cb.cfg.now()
	cb.cfg.Logger.Warn("circuit opened",
		"name", cb.cfg.Name,
		"consecutive_failures", cb.failures,
		"cool_down", cb.cfg.CoolDown)
}

// State reports the current state. An open breaker whose cool-down has
// elapsed reports half-open; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerOpen && cb.cfg.now().Sub(cb.openedAt) >= cb.cfg.CoolDown {
		return BreakerHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = 0
	cb.inFlight = 0
	cb.passed = 0
}
