package provider

import (
	"context"
	"errors"
	"testing"
	"time"
)

type retryableErr struct{ msg string }

func (e *retryableErr) Error() string   { return e.msg }
func (e *retryableErr) Retryable() bool { return true }

func TestBaseCallRetriesRetryableErrors(t *testing.T) {
	b := NewBase("p", DefaultBreakerConfig("p"))
	b.Retry = RetryConfig{MaxAttempts: 2, Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2, JitterFrac: 0}

	attempts := 0
	err := b.Call(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &retryableErr{"transient"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Call() = %v, want nil after retries succeed", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestBaseCallDoesNotRetryNonRetryableErrors(t *testing.T) {
	b := NewBase("p2", DefaultBreakerConfig("p2"))
	attempts := 0
	err := b.Call(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("permanent")
	})
	if err == nil {
		t.Fatal("expected error to propagate")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (non-retryable error must not retry)", attempts)
	}
}

func TestBaseCallOpensBreakerAfterThreshold(t *testing.T) {
	b := NewBase("p3", BreakerConfig{Name: "p3", FailureThreshold: 2, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 1})
	for i := 0; i < 2; i++ {
		_ = b.Call(context.Background(), func(ctx context.Context) error {
			return errors.New("fail")
		})
	}
	err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("Call() after threshold failures = %v, want ErrProviderUnavailable", err)
	}
}

func TestBaseSnapshotDerivedFields(t *testing.T) {
	b := NewBase("p4", DefaultBreakerConfig("p4"))
	_ = b.Call(context.Background(), func(ctx context.Context) error { return nil })
	_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("x") })

	m, avgLatency, successRate := b.Snapshot()
	if m.TotalRequests != 2 {
		t.Fatalf("TotalRequests = %d, want 2", m.TotalRequests)
	}
	if successRate != 0.5 {
		t.Fatalf("successRate = %v, want 0.5", successRate)
	}
	_ = avgLatency
}
