package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}
	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2.0}
	cause := errors.New("still broken")
	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		return cause
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2.0}
	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		return NonRetryable(errors.New("bad request"))
	})
	if err == nil || !IsNonRetryable(err) {
		t.Fatalf("expected non-retryable error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := Config{MaxAttempts: 10, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2.0}
	calls := 0
	err := Do(ctx, cfg, func() error {
		calls++
		return errors.New("transient")
	})
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestDoWithResult(t *testing.T) {
	got, err := DoWithResult(context.Background(), DefaultConfig(), func() (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Errorf("DoWithResult = %d, %v", got, err)
	}
}

func TestDelay(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, MaxDelay: time.Hour, Multiplier: 2.0}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{10, 1024 * time.Second},
		{20, time.Hour}, // capped
	}

	for _, test := range tests {
		if got := cfg.Delay(test.attempt); got != test.expected {
			t.Errorf("Delay(%d) = %v, want %v", test.attempt, got, test.expected)
		}
	}
}

func TestDelayNegativeAttempt(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.Delay(-1); got != cfg.InitialDelay {
		t.Errorf("Delay(-1) = %v, want %v", got, cfg.InitialDelay)
	}
}
