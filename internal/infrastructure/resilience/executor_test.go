package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
)

func TestExecuteRetriesTemporaryFailure(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 1 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	})

	attempts := 0
	errTemp := errors.New("temporary")
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTemp
		}
		return nil
	}, func(err error) ErrorClassification {
		return ErrorClassification{
			Retryable:     errors.Is(err, errTemp),
			RecordFailure: true,
		}
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecuteDoesNotRetryPermanentFailure(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 1 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	})

	attempts := 0
	errPermanent := errors.New("permanent")
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		return errPermanent
	}, func(error) ErrorClassification {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestExecuteOpensCircuitAfterFailures(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:        1,
		RetryInitialBackoff:     1 * time.Millisecond,
		RetryMaxBackoff:         1 * time.Millisecond,
		RetryMultiplier:         2,
		BreakerEnabled:          true,
		BreakerMinRequests:      2,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      50 * time.Millisecond,
		BreakerHalfOpenMaxCalls: 1,
	})

	errTemp := errors.New("temporary")
	classifier := func(error) ErrorClassification {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: true,
		}
	}

	for i := 0; i < 2; i++ {
		err := exec.Execute(context.Background(), "op", func(context.Context) error {
			return errTemp
		}, classifier)
		if !errors.Is(err, errTemp) {
			t.Fatalf("expected temporary error on iteration %d, got %v", i, err)
		}
	}

	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		t.Fatalf("circuit should be open and must not call operation")
		return nil
	}, classifier)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open state error, got %v", err)
	}
}

type retryAfterErr struct {
	delay time.Duration
}

func (e retryAfterErr) Error() string             { return "rate limited" }
func (e retryAfterErr) RetryAfter() time.Duration { return e.delay }

func TestExecuteHonorsRetryAfterCappedByMax(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: 1 * time.Millisecond,
		RetryMaxBackoff:     1 * time.Millisecond,
		RetryMultiplier:     2,
		RetryAfterMax:       30 * time.Millisecond,
		BreakerEnabled:      false,
	})

	attempts := 0
	started := time.Now()
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		if attempts == 1 {
			return fmt.Errorf("call: %w", retryAfterErr{delay: time.Hour})
		}
		return nil
	}, func(error) ErrorClassification {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	elapsed := time.Since(started)
	if elapsed < 30*time.Millisecond {
		t.Fatalf("expected retry-after wait of at least 30ms, waited %v", elapsed)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("retry-after was not capped, waited %v", elapsed)
	}
}

func TestExecuteStopsWaitingWhenContextCancelled(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    5,
		RetryInitialBackoff: time.Hour,
		RetryMaxBackoff:     time.Hour,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	errTemp := errors.New("temporary")
	err := exec.Execute(ctx, "op", func(context.Context) error {
		return errTemp
	}, func(error) ErrorClassification {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	})
	if !errors.Is(err, errTemp) {
		t.Fatalf("expected last error after cancellation, got %v", err)
	}
}

func TestBackoffSpreadStaysWithinJitter(t *testing.T) {
	b := Config{RetryJitter: 0.25}.Backoff()
	base := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		got := b.spread(base)
		if got < 75*time.Millisecond || got > 125*time.Millisecond {
			t.Fatalf("jittered wait %v outside [75ms, 125ms]", got)
		}
	}
}

func TestBackoffDelayGrowsToCap(t *testing.T) {
	b := Config{
		RetryInitialBackoff: 10 * time.Millisecond,
		RetryMaxBackoff:     35 * time.Millisecond,
		RetryMultiplier:     2,
		RetryJitter:         0,
	}.Backoff()

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 35 * time.Millisecond, 35 * time.Millisecond}
	for i, w := range want {
		if got := b.Delay(i+1, errors.New("temporary")); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestBackoffDelayPrefersServerHint(t *testing.T) {
	b := Config{RetryAfterMax: 2 * time.Second}.Backoff()

	if got := b.Delay(1, retryAfterErr{delay: 500 * time.Millisecond}); got != 500*time.Millisecond {
		t.Fatalf("expected hint of 500ms, got %v", got)
	}
	if got := b.Delay(1, retryAfterErr{delay: time.Minute}); got != 2*time.Second {
		t.Fatalf("expected hint capped at 2s, got %v", got)
	}
}

func TestRetryAfterIgnoresNonPositiveHints(t *testing.T) {
	if _, ok := RetryAfter(retryAfterErr{delay: 0}); ok {
		t.Fatalf("expected zero hint to be ignored")
	}
	if d, ok := RetryAfter(fmt.Errorf("wrapped: %w", retryAfterErr{delay: time.Second})); !ok || d != time.Second {
		t.Fatalf("expected wrapped hint of 1s, got %v %v", d, ok)
	}
}
