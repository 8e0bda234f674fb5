package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/acedergren/ocigenai/pkg/apierror"
)

func TestWithTimeout_ReturnsResult(t *testing.T) {
	t.Parallel()

	got, err := WithTimeout(context.Background(), time.Second, "fast", func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Errorf("got (%d, %v), want (42, nil)", got, err)
	}
}

func TestWithTimeout_Expires(t *testing.T) {
	t.Parallel()

	abandoned := make(chan struct{})
	_, err := WithTimeout(context.Background(), 20*time.Millisecond, "chat", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		close(abandoned)
		return 0, ctx.Err()
	})

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if te.Op != "chat" || te.Timeout != 20*time.Millisecond {
		t.Errorf("TimeoutError = %+v", te)
	}
	if apierror.KindOf(err) != apierror.KindTimeout {
		t.Errorf("KindOf = %v, want timeout", apierror.KindOf(err))
	}
	if IsRetryable(err) {
		t.Error("timeout errors must not be retried by the default classifier")
	}

	select {
	case <-abandoned:
	case <-time.After(time.Second):
		t.Error("operation context was not cancelled after the timeout")
	}
}

func TestWithTimeout_ZeroDisables(t *testing.T) {
	t.Parallel()

	got, err := WithTimeout(context.Background(), 0, "none", func(ctx context.Context) (string, error) {
		if _, ok := ctx.Deadline(); ok {
			t.Error("unexpected deadline")
		}
		return "done", nil
	})
	if err != nil || got != "done" {
		t.Errorf("got (%q, %v)", got, err)
	}
}

func TestWithTimeout_ParentCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := WithTimeout(ctx, time.Second, "op", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
