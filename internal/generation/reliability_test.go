package generation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type flakyLedger struct {
	reserveErrs []error
	captureErrs []error
	calls       int
}

func (f *flakyLedger) next(errs *[]error) error {
	f.calls++
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *flakyLedger) Reserve(ctx context.Context, userID, requestID string, stage Stage, amount decimal.Decimal) (string, error) {
	if err := f.next(&f.reserveErrs); err != nil {
		return "", err
	}
	return "hold-" + requestID, nil
}

func (f *flakyLedger) Capture(ctx context.Context, holdID string, amount decimal.Decimal) error {
	return f.next(&f.captureErrs)
}

func (f *flakyLedger) Refund(ctx context.Context, holdID string) error {
	return f.next(&f.captureErrs)
}

type stubPublisher struct {
	err   error
	calls int
}

func (s *stubPublisher) Publish(ctx context.Context, job Job) error {
	s.calls++
	return s.err
}

func instantRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func TestRetryPolicy_RetriesWithBackoff(t *testing.T) {
	attempts := 0
	var delays []time.Duration

	policy := RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    30 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return true },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 4 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", attempts)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}
	if fmt.Sprint(delays) != fmt.Sprint(want) {
		t.Fatalf("unexpected delays: %v", delays)
	}
}

func TestRetryPolicy_DefaultSkipsBusinessErrors(t *testing.T) {
	attempts := 0
	policy := instantRetry(5)

	err := policy.Do(context.Background(), func() error {
		attempts++
		return fmt.Errorf("reserve: %w", ErrInsufficientCredits)
	})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryPolicy_ReturnsLastError(t *testing.T) {
	attempts := 0
	err := instantRetry(3).Do(context.Background(), func() error {
		attempts++
		return fmt.Errorf("attempt %d", attempts)
	})
	if err == nil || err.Error() != "attempt 3" {
		t.Fatalf("expected last error, got %v", err)
	}
}

func TestRetryPolicy_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := instantRetry(5).Do(ctx, func() error {
		attempts++
		cancel()
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestCircuitBreaker_OpensAndResets(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := 0

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})

	fail := func() error {
		calls++
		return errors.New("fail")
	}

	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}
	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}
	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}

	now = now.Add(2 * time.Second)

	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to allow trial, got %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to close, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 failed calls, got %d", calls)
	}
}

func TestCircuitBreaker_IgnoresInsufficientCredits(t *testing.T) {
	breaker := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute})

	for range 3 {
		if err := breaker.Execute(func() error { return ErrInsufficientCredits }); !errors.Is(err, ErrInsufficientCredits) {
			t.Fatalf("expected insufficient credits, got %v", err)
		}
	}
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to stay closed, got %v", err)
	}
}

func TestRateLimiter_WaitsWhenExhausted(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var waits, reported []time.Duration

	limiter := NewRateLimiter(100*time.Millisecond, 1)
	limiter.OnWait = func(d time.Duration) { reported = append(reported, d) }
	limiter.now = func() time.Time { return now }
	limiter.last = now
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		now = now.Add(d)
		return nil
	}

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(waits) != 1 || waits[0] != 100*time.Millisecond {
		t.Fatalf("expected one wait of 100ms, got %v", waits)
	}
	if len(reported) != 1 || reported[0] != waits[0] {
		t.Fatalf("expected the wait to be reported, got %v", reported)
	}
}

func TestRateLimiter_DisabledNeverWaits(t *testing.T) {
	limiter := NewRateLimiter(0, 0)
	for range 10 {
		if err := limiter.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestReliableLedger_ReserveRetriesTransientErrors(t *testing.T) {
	base := &flakyLedger{reserveErrs: []error{errors.New("503"), errors.New("503")}}
	ledger := NewReliableLedger(base, Guard{Retry: instantRetry(3)})

	holdID, err := ledger.Reserve(context.Background(), "user-1", "req-1", StageSample, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if holdID != "hold-req-1" {
		t.Fatalf("unexpected hold id %q", holdID)
	}
	if base.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", base.calls)
	}
}

func TestReliableLedger_CaptureCircuitOpen(t *testing.T) {
	base := &flakyLedger{captureErrs: []error{errors.New("down"), errors.New("down")}}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	guard := Guard{
		Breaker: NewCircuitBreaker(CircuitBreakerConfig{
			MaxFailures:  1,
			ResetTimeout: time.Second,
			Now:          func() time.Time { return now },
		}),
		Retry: RetryPolicy{MaxAttempts: 1},
	}
	ledger := NewReliableLedger(base, guard)

	if err := ledger.Capture(context.Background(), "hold-1", decimal.NewFromInt(1)); err == nil {
		t.Fatalf("expected failure")
	}
	if err := ledger.Refund(context.Background(), "hold-1"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if base.calls != 1 {
		t.Fatalf("expected 1 call, got %d", base.calls)
	}
}

func TestReliablePublisher_GivesUpAfterAttempts(t *testing.T) {
	base := &stubPublisher{err: errors.New("connection reset")}
	publisher := NewReliablePublisher(base, Guard{Retry: instantRetry(2)})

	if err := publisher.Publish(context.Background(), Job{RequestID: "req-1"}); err == nil {
		t.Fatalf("expected failure")
	}
	if base.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", base.calls)
	}
}

func TestNewGuard_FromConfig(t *testing.T) {
	cfg := DefaultReliabilityConfig()
	cfg.RateLimitInterval = time.Millisecond
	cfg.RateLimitBurst = 5

	guard := NewGuard(cfg)
	if guard.Retry.MaxAttempts != cfg.RetryMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", cfg.RetryMaxAttempts, guard.Retry.MaxAttempts)
	}
	if guard.Breaker == nil || guard.Breaker.threshold != cfg.BreakerMaxFailures {
		t.Fatalf("breaker not configured: %+v", guard.Breaker)
	}
	if guard.Limiter.burst != 5 {
		t.Fatalf("expected burst 5, got %d", guard.Limiter.burst)
	}
}
