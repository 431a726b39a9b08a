package provider

import (
	"errors"
	"testing"
	"time"
)

func testBreaker(threshold int, recovery time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		HalfOpenMaxCalls: 1,
	})
}

// P4: circuit breaker reachability.
func TestBreakerReachability(t *testing.T) {
	cb := testBreaker(3, 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := cb.Before(); err != nil {
			t.Fatalf("Before() unexpectedly blocked on failure %d: %v", i, err)
		}
		cb.After(errors.New("boom"))
	}
	if cb.State() != Open {
		t.Fatalf("state = %v after %d consecutive failures, want OPEN", cb.State(), 3)
	}

	if err := cb.Before(); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("Before() on OPEN breaker = %v, want ErrProviderUnavailable", err)
	}

	time.Sleep(60 * time.Millisecond)
	if err := cb.Before(); err != nil {
		t.Fatalf("Before() after recovery timeout = %v, want nil (HALF_OPEN probe admitted)", err)
	}
	if cb.State() != HalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN after recovery timeout elapsed", cb.State())
	}

	cb.After(nil)
	if cb.State() != Closed {
		t.Fatalf("state = %v after successful probe, want CLOSED", cb.State())
	}

	cb.Before()
	cb.After(errors.New("boom again"))
	if cb.State() != Closed {
		t.Fatalf("state = %v after single failure post-recovery, want CLOSED (counter restarted from 0)", cb.State())
	}
}

// S6: the literal scenario from the spec.
func TestBreakerScenarioS6(t *testing.T) {
	cb := testBreaker(3, 100*time.Millisecond)

	for i := 0; i < 3; i++ {
		cb.Before()
		cb.After(errors.New("fail"))
	}
	if cb.State() != Open {
		t.Fatalf("state = %v, want OPEN after 3 failures", cb.State())
	}

	if err := cb.Before(); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("immediate call after OPEN = %v, want ErrProviderUnavailable", err)
	}

	time.Sleep(150 * time.Millisecond)
	if err := cb.Before(); err != nil {
		t.Fatalf("probe call after recovery = %v, want nil", err)
	}
	cb.After(nil) // succeeds
	if cb.State() != Closed {
		t.Fatalf("state = %v, want CLOSED after successful probe", cb.State())
	}

	cb.Before()
	cb.After(errors.New("next failure"))
	if cb.State() == Open {
		t.Fatal("single failure should not immediately reopen breaker with threshold 3")
	}
}

func TestBreakerHalfOpenAdmissionLimit(t *testing.T) {
	cb := testBreaker(1, 10*time.Millisecond)
	cb.Before()
	cb.After(errors.New("fail"))
	time.Sleep(20 * time.Millisecond)

	if err := cb.Before(); err != nil {
		t.Fatalf("first half-open probe should be admitted: %v", err)
	}
	if err := cb.Before(); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("second concurrent half-open probe should be rejected, got %v", err)
	}
}
