package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/acedergren/ocigenai/pkg/apierror"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(maxFailures, probes int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(BreakerConfig{
		Name:        "inference.us-chicago-1",
		MaxFailures: maxFailures,
		CoolDown:    time.Minute,
		Probes:      probes,
		now:         clock.Now,
	})
	return cb, clock
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{})
	if cb.cfg.MaxFailures != 5 || cb.cfg.CoolDown != 30*time.Second || cb.cfg.Probes != 1 {
		t.Errorf("defaults = %+v", cb.cfg)
	}
	if cb.State() != BreakerClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OpensOnTransientFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, 1)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errTransient })
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn ran while the breaker was open")
	}
}

func TestCircuitBreaker_CallerErrorsDoNotCount(t *testing.T) {
	cb, _ := newTestBreaker(2, 1)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return apierror.Validation("embedText", "too many inputs") })
		_ = cb.Execute(func() error { return errFatal })
	}
	if cb.State() != BreakerClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreaker(3, 1)

	_ = cb.Execute(func() error { return errTransient })
	_ = cb.Execute(func() error { return errTransient })
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return errTransient })
	_ = cb.Execute(func() error { return errTransient })

	if cb.State() != BreakerClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbeCloses(t *testing.T) {
	cb, clock := newTestBreaker(1, 2)

	_ = cb.Execute(func() error { return errTransient })
	clock.Advance(time.Minute)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open after cool-down", cb.State())
	}

	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if cb.State() != BreakerClosed {
		t.Errorf("state = %v, want closed after probes", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(1, 1)

	_ = cb.Execute(func() error { return errTransient })
	clock.Advance(time.Minute)

	if err := cb.Execute(func() error { return errTransient }); err != errTransient {
		t.Fatalf("probe err = %v", err)
	}
	if cb.State() != BreakerOpen {
		t.Errorf("state = %v, want open", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(1, 1)
	_ = cb.Execute(func() error { return errTransient })
	cb.Reset()
	if cb.State() != BreakerClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := []struct {
		state BreakerState
		want  string
	}{
		{BreakerClosed, "closed"},
		{BreakerOpen, "open"},
		{BreakerHalfOpen, "half-open"},
		{BreakerState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("BreakerState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
