package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRateLimiterAllowRespectsBurst(t *testing.T) {
	rl := NewRateLimiter(RateLimits{Orders: 2, MarketData: 1, Historical: 1})
	current := time.Date(2025, time.September, 23, 4, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return current }
	for _, b := range rl.buckets {
		b.last = current
	}

	if !rl.Allow(ClassOrders) || !rl.Allow(ClassOrders) {
		t.Fatal("burst of 2 rejected")
	}
	if rl.Allow(ClassOrders) {
		t.Fatal("third request allowed with empty bucket")
	}

	// Half a second refills one token at 2/sec.
	current = current.Add(500 * time.Millisecond)
	if !rl.Allow(ClassOrders) {
		t.Error("refilled token rejected")
	}
	if rl.Allow(ClassOrders) {
		t.Error("second token allowed after single refill")
	}
}

func TestRateLimiterClassesAreIndependent(t *testing.T) {
	rl := NewRateLimiter(RateLimits{Orders: 1, MarketData: 1, Historical: 1})
	current := time.Date(2025, time.September, 23, 4, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return current }
	for _, b := range rl.buckets {
		b.last = current
	}

	if !rl.Allow(ClassOrders) {
		t.Fatal("orders bucket empty at start")
	}
	if rl.Allow(ClassOrders) {
		t.Fatal("orders bucket not drained")
	}
	if !rl.Allow(ClassHistorical) {
		t.Error("historical bucket drained by orders traffic")
	}
}

func TestRateLimiterWaitHonorsContext(t *testing.T) {
	rl := NewRateLimiter(RateLimits{Orders: 1, MarketData: 1, Historical: 1})
	if err := rl.Wait(context.Background(), ClassOrders); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx, ClassOrders); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait on empty bucket = %v, want deadline exceeded", err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, CoolDown: time.Minute}
	b := NewBreaker("kite", cfg, zerolog.Nop())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := b.Execute(context.Background(), func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if b.State() != CircuitOpen {
		t.Fatalf("state = %s after threshold failures", b.State())
	}

	err := b.Execute(context.Background(), func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("open breaker admitted a call: %v", err)
	}
	if b.Rejected() != 1 {
		t.Errorf("rejected = %d, want 1", b.Rejected())
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, CoolDown: 10 * time.Millisecond}
	b := NewBreaker("kite", cfg, zerolog.Nop())

	b.Execute(context.Background(), func() error { return errors.New("boom") })
	if b.State() != CircuitOpen {
		t.Fatalf("state = %s", b.State())
	}

	time.Sleep(15 * time.Millisecond)

	// First probe flips to half-open; two successes close it.
	if err := b.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	if b.State() != CircuitHalfOpen {
		t.Fatalf("state = %s after one probe success", b.State())
	}
	if err := b.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("second probe rejected: %v", err)
	}
	if b.State() != CircuitClosed {
		t.Errorf("state = %s, want CLOSED", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, CoolDown: 10 * time.Millisecond}
	b := NewBreaker("kite", cfg, zerolog.Nop())

	b.Execute(context.Background(), func() error { return errors.New("boom") })
	time.Sleep(15 * time.Millisecond)

	b.Execute(context.Background(), func() error { return errors.New("still down") })
	if b.State() != CircuitOpen {
		t.Errorf("state = %s, want OPEN after half-open failure", b.State())
	}
}

func TestExecuteWithResultReturnsValue(t *testing.T) {
	b := NewBreaker("kite", DefaultBreakerConfig(), zerolog.Nop())

	got, err := ExecuteWithResult(b, context.Background(), func() (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Errorf("ExecuteWithResult = %d, %v", got, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ExecuteWithResult(b, ctx, func() (int, error) { return 0, nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled context not surfaced: %v", err)
	}
	// Caller cancellation must not count against the broker.
	if b.State() != CircuitClosed {
		t.Errorf("state = %s after caller cancellation", b.State())
	}
}
