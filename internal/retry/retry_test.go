package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunSucceedsFirstAttempt(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxAttempts = 3

	calls := 0
	outcome := Run(context.Background(), policy, func() error {
		calls++
		return nil
	})

	if outcome.Err != nil {
		t.Errorf("expected no error, got %v", outcome.Err)
	}
	if outcome.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", outcome.Attempts)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	policy := Policy{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Factor:       2.0,
		Jitter:       false,
	}

	calls := 0
	outcome := Run(context.Background(), policy, func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	if outcome.Err != nil {
		t.Errorf("expected no error, got %v", outcome.Err)
	}
	if outcome.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", outcome.Attempts)
	}
}

func TestRunExhaustsMaxAttempts(t *testing.T) {
	policy := Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Factor:       2.0,
	}

	calls := 0
	outcome := Run(context.Background(), policy, func() error {
		calls++
		return errors.New("always fails")
	})

	if outcome.Err == nil {
		t.Error("expected error")
	}
	if outcome.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", outcome.Attempts)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRunStopsOnTerminalError(t *testing.T) {
	policy := Policy{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Millisecond,
	}

	calls := 0
	outcome := Run(context.Background(), policy, func() error {
		calls++
		return Terminal(errors.New("terminal error"))
	})

	if outcome.Err == nil {
		t.Error("expected error")
	}
	if outcome.Attempts != 1 {
		t.Errorf("expected 1 attempt (no retry for terminal), got %d", outcome.Attempts)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	policy := Policy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	outcome := Run(ctx, policy, func() error {
		calls++
		return errors.New("retry")
	})

	if !errors.Is(outcome.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", outcome.Err)
	}
}

func TestRunValueReturnsResultOnEventualSuccess(t *testing.T) {
	policy := Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Millisecond,
	}

	calls := 0
	value, outcome := RunValue(context.Background(), policy, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("retry")
		}
		return 42, nil
	})

	if outcome.Err != nil {
		t.Errorf("expected no error, got %v", outcome.Err)
	}
	if value != 42 {
		t.Errorf("expected 42, got %d", value)
	}
	if outcome.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", outcome.Attempts)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		policy  Policy
		want    time.Duration
	}{
		{1, Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Factor: 2.0}, 100 * time.Millisecond},
		{2, Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Factor: 2.0}, 200 * time.Millisecond},
		{3, Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Factor: 2.0}, 400 * time.Millisecond},
		{10, Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: 1 * time.Second, Factor: 2.0}, 1 * time.Second}, // capped at max
	}

	for _, tt := range tests {
		got := Backoff(tt.attempt, tt.policy)
		if got != tt.want {
			t.Errorf("Backoff(%d, %+v) = %v, want %v", tt.attempt, tt.policy, got, tt.want)
		}
	}
}

func TestLinear(t *testing.T) {
	policy := Linear(5, 100*time.Millisecond)

	if policy.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", policy.MaxAttempts)
	}
	if policy.Factor != 1.0 {
		t.Errorf("Factor = %f, want 1.0", policy.Factor)
	}
	if policy.Jitter {
		t.Error("Linear should not have jitter")
	}
}

func TestExponential(t *testing.T) {
	policy := Exponential(5, 100*time.Millisecond, 10*time.Second)

	if policy.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", policy.MaxAttempts)
	}
	if policy.Factor != 2.0 {
		t.Errorf("Factor = %f, want 2.0", policy.Factor)
	}
	if !policy.Jitter {
		t.Error("Exponential should have jitter")
	}
}

func TestTerminal(t *testing.T) {
	err := errors.New("original")
	wrapped := Terminal(err)

	if !IsTerminal(wrapped) {
		t.Error("should be terminal")
	}
	if !errors.Is(wrapped, err) {
		t.Error("should unwrap to original")
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
	if IsRetryable(Terminal(errors.New("terminal"))) {
		t.Error("terminal error should not be retryable")
	}
	if !IsRetryable(errors.New("temp")) {
		t.Error("regular error should be retryable")
	}
}

func TestDefaultPolicy(t *testing.T) {
	policy := DefaultPolicy()

	if policy.MaxAttempts != 3 {
		t.Error("wrong default MaxAttempts")
	}
	if policy.Factor != 2.0 {
		t.Error("wrong default Factor")
	}
	if !policy.Jitter {
		t.Error("default should have jitter")
	}
}
