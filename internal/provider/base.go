// Package provider defines the polymorphic contract every external-model
// provider (STT, LLM, TTS) implements, the circuit breaker and retry
// wrapper shared by every concrete provider, and the factory used to
// resolve a provider name to a concrete implementation.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Kind is the fixed variant set of provider roles.
type Kind string

const (
	KindSTT Kind = "stt"
	KindLLM Kind = "llm"
	KindTTS Kind = "tts"
)

// HealthStatus is the outcome of a health check.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// Health is the result of Provider.HealthCheck.
type Health struct {
	Status    HealthStatus
	LatencyMs int64
	Message   string
}

// ErrProviderUnavailable is returned synchronously by the circuit breaker
// when it is OPEN, or by HALF_OPEN once its in-flight quota is exhausted.
// Callers treat it as a per-turn error and fall back; it never propagates
// as a panic.
var ErrProviderUnavailable = errors.New("provider: unavailable (circuit open)")

// Provider is the contract every concrete STT/LLM/TTS adapter satisfies.
// Domain operations (Transcribe/Generate/Synthesize) live on the concrete
// variant interfaces below; Provider is the part every variant shares.
type Provider interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	HealthCheck(ctx context.Context) (Health, error)
	Warmup(ctx context.Context) (latencyMs int64, err error)
}

// RetryConfig tunes the exponential-backoff retry wrapper shared by every
// provider's retryable operations.
type RetryConfig struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	JitterFrac  float64
}

// DefaultRetryConfig mirrors the spec's retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Initial:     200 * time.Millisecond,
		Max:         5 * time.Second,
		Multiplier:  2,
		JitterFrac:  0.25,
	}
}

// RetryableError is implemented by error kinds the retry wrapper will
// retry: connection-lost and timeout classes.
type RetryableError interface {
	error
	Retryable() bool
}

// GPUOutOfMemoryError triggers, once per provider instance, a fallback to
// a CPU reconnection path.
type GPUOutOfMemoryError struct {
	Err error
}

func (e *GPUOutOfMemoryError) Error() string { return fmt.Sprintf("gpu out of memory: %v", e.Err) }
func (e *GPUOutOfMemoryError) Unwrap() error { return e.Err }

// Base is embedded by every concrete provider. It owns the circuit
// breaker, retry policy, running metrics, and the once-per-instance
// GPU-to-CPU fallback.
type Base struct {
	NameStr string
	Breaker *CircuitBreaker
	Retry   RetryConfig

	mu              sync.Mutex
	totalRequests   uint64
	successfulReqs  uint64
	failedReqs      uint64
	totalLatencyMs  int64
	minLatencyMs    int64
	maxLatencyMs    int64
	lastError       string
	lastSuccessTime time.Time
	lastErrorTime   time.Time
	gpuFallbackDone bool
}

// NewBase constructs a Base with a circuit breaker and the default retry
// policy; callers may override Retry after construction.
func NewBase(name string, breakerCfg BreakerConfig) *Base {
	return &Base{
		NameStr: name,
		Breaker: NewCircuitBreaker(breakerCfg),
		Retry:   DefaultRetryConfig(),
	}
}

// Name returns the provider's registered name.
func (b *Base) Name() string { return b.NameStr }

// Metrics is a value-copy snapshot of a provider's running counters.
type Metrics struct {
	TotalRequests   uint64
	SuccessfulReqs  uint64
	FailedReqs      uint64
	TotalLatencyMs  int64
	MinLatencyMs    int64
	MaxLatencyMs    int64
	LastError       string
	LastSuccessTime time.Time
	LastErrorTime   time.Time
}

// Snapshot returns a value-copy of the provider's metrics, plus the two
// derived fields.
func (b *Base) Snapshot() (Metrics, float64, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := Metrics{
		TotalRequests:   b.totalRequests,
		SuccessfulReqs:  b.successfulReqs,
		FailedReqs:      b.failedReqs,
		TotalLatencyMs:  b.totalLatencyMs,
		MinLatencyMs:    b.minLatencyMs,
		MaxLatencyMs:    b.maxLatencyMs,
		LastError:       b.lastError,
		LastSuccessTime: b.lastSuccessTime,
		LastErrorTime:   b.lastErrorTime,
	}
	var avgLatency, successRate float64
	if m.TotalRequests > 0 {
		avgLatency = float64(m.TotalLatencyMs) / float64(m.TotalRequests)
		successRate = float64(m.SuccessfulReqs) / float64(m.TotalRequests)
	}
	return m, avgLatency, successRate
}

func (b *Base) recordSuccess(latencyMs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalRequests++
	b.successfulReqs++
	b.totalLatencyMs += latencyMs
	if b.minLatencyMs == 0 || latencyMs < b.minLatencyMs {
		b.minLatencyMs = latencyMs
	}
	if latencyMs > b.maxLatencyMs {
		b.maxLatencyMs = latencyMs
	}
	b.lastSuccessTime = time.Now()
}

func (b *Base) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalRequests++
	b.failedReqs++
	b.lastError = err.Error()
	b.lastErrorTime = time.Now()
}

// Call runs op through the circuit breaker and retry wrapper. It is the
// single choke point every concrete provider operation (Transcribe,
// Generate, Synthesize) routes through.
func (b *Base) Call(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.Breaker.Before(); err != nil {
		return err
	}

	var lastErr error
	backoff := b.Retry.Initial
	for attempt := 0; attempt <= b.Retry.MaxAttempts; attempt++ {
		start := time.Now()
		err := op(ctx)
		latencyMs := time.Since(start).Milliseconds()

		if err == nil {
			b.recordSuccess(latencyMs)
			b.Breaker.After(nil)
			return nil
		}

		lastErr = err
		b.recordFailure(err)

		var gpuErr *GPUOutOfMemoryError
		if errors.As(err, &gpuErr) {
			b.mu.Lock()
			alreadyFellBack := b.gpuFallbackDone
			b.gpuFallbackDone = true
			b.mu.Unlock()
			if !alreadyFellBack {
				// One fallback attempt per provider instance; caller's op
				// closure is expected to switch to CPU on next invocation.
				continue
			}
		}

		var retryable RetryableError
		if !errors.As(err, &retryable) || !retryable.Retryable() || attempt == b.Retry.MaxAttempts {
			b.Breaker.After(err)
			return lastErr
		}

		select {
		case <-ctx.Done():
			b.Breaker.After(ctx.Err())
			return ctx.Err()
		case <-time.After(jitter(backoff, b.Retry.JitterFrac)):
		}
		backoff = time.Duration(float64(backoff) * b.Retry.Multiplier)
		if backoff > b.Retry.Max {
			backoff = b.Retry.Max
		}
	}
	b.Breaker.After(lastErr)
	return lastErr
}

func jitter(d time.Duration, frac float64) time.Duration {
	delta := float64(d) * frac * (rand.Float64()*2 - 1)
	return d + time.Duration(delta)
}
