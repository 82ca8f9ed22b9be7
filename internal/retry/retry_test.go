package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// --- Delay Tests ---

func TestPolicy_Delay(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{"defaults", Policy{}, 1, time.Second},
		{"fixed", Policy{Backoff: BackoffFixed, InitialDelay: 200 * time.Millisecond}, 5, 200 * time.Millisecond},
		{"exponential first", Policy{Backoff: BackoffExponential, InitialDelay: 100 * time.Millisecond}, 1, 100 * time.Millisecond},
		{"exponential third", Policy{Backoff: BackoffExponential, InitialDelay: 100 * time.Millisecond}, 3, 400 * time.Millisecond},
		{"exponential capped", Policy{Backoff: BackoffExponential, InitialDelay: time.Second, MaxDelay: 5 * time.Second}, 10, 5 * time.Second},
		{"unknown is fixed", Policy{Backoff: "linear", InitialDelay: 300 * time.Millisecond}, 4, 300 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

// --- Do Tests ---

var errTransient = errors.New("transient")

func TestDo_RetriesUntilSuccess(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialDelay: time.Millisecond}
	calls := 0

	err := Do(context.Background(), p, func(err error) bool { return errors.Is(err, errTransient) },
		func(_ context.Context, attempt int) error {
			calls++
			if attempt < 3 {
				return errTransient
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

func TestDo_StopsOnPermanentError(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialDelay: time.Millisecond}
	permanent := errors.New("permanent")
	calls := 0

	err := Do(context.Background(), p, func(err error) bool { return errors.Is(err, errTransient) },
		func(context.Context, int) error {
			calls++
			return permanent
		})

	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}
	calls := 0

	err := Do(context.Background(), p, func(error) bool { return true },
		func(context.Context, int) error {
			calls++
			return errTransient
		})

	if !errors.Is(err, errTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, InitialDelay: time.Hour}

	err := Do(ctx, p, func(error) bool { return true },
		func(context.Context, int) error {
			cancel()
			return errTransient
		})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
