package backoff

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var errTemporary = errors.New("temporary error")

func fastPolicy() Policy {
	return Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.5}

	tests := []struct {
		attempt int
		random  float64
		want    time.Duration
	}{
		{attempt: 1, random: 0, want: 100 * time.Millisecond},
		{attempt: 2, random: 0, want: 200 * time.Millisecond},
		{attempt: 3, random: 1, want: 600 * time.Millisecond},
		{attempt: 10, random: 0, want: time.Second},
		{attempt: 0, random: 0, want: 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.delay(tt.attempt, tt.random); got != tt.want {
			t.Errorf("delay(%d, %v) = %v, want %v", tt.attempt, tt.random, got, tt.want)
		}
	}
}

func TestRetry_SucceedsAfterRetries(t *testing.T) {
	var calls int32
	got, err := Retry(context.Background(), fastPolicy(), 5, nil, func(_ context.Context, attempt int) (int, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return 0, errTemporary
		}
		return attempt, nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if got != 3 {
		t.Errorf("Retry() value = %d, want 3", got)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	var calls int32
	_, err := Retry(context.Background(), fastPolicy(), 3, nil, func(context.Context, int) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", errTemporary
	})
	if !errors.Is(err, ErrMaxAttemptsExhausted) {
		t.Errorf("error = %v, want ErrMaxAttemptsExhausted", err)
	}
	if !errors.Is(err, errTemporary) {
		t.Errorf("error = %v, want wrapped last error", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_NonRetryableStops(t *testing.T) {
	permanent := errors.New("bad request")
	var calls int32
	_, err := Retry(context.Background(), fastPolicy(), 5, func(err error) bool {
		return !errors.Is(err, permanent)
	}, func(context.Context, int) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, permanent
	})
	if !errors.Is(err, permanent) {
		t.Errorf("error = %v, want permanent", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{Initial: time.Hour, Factor: 1}

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, policy, 3, nil, func(context.Context) error { return errTemporary })
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Retry did not observe cancellation")
	}
}
