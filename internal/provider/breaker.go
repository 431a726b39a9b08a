package provider

import (
	"sync"
	"time"

	"github.com/callbridge/media-bridge/internal/metrics"
)

// BreakerState is one of the three circuit breaker states.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig tunes a CircuitBreaker.
type BreakerConfig struct {
	Name             string // provider label used on metrics
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

// DefaultBreakerConfig mirrors the spec's circuit breaker defaults.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker implements the CLOSED/OPEN/HALF_OPEN state machine shared
// by every retry-wrapped provider call.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu               sync.Mutex
	state            BreakerState
	failureCount     int
	lastFailure      time.Time
	halfOpenInFlight int
}

// NewCircuitBreaker creates a breaker starting CLOSED.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultBreakerConfig(cfg.Name)
	}
	cb := &CircuitBreaker{cfg: cfg, state: Closed}
	metrics.BreakerState.WithLabelValues(cfg.Name).Set(0)
	return cb
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Before must be called before every retry-wrapped operation. It performs
// the OPEN->HALF_OPEN transition check and admission control, returning
// ErrProviderUnavailable when the call must not proceed.
func (cb *CircuitBreaker) Before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == Open {
		if time.Since(cb.lastFailure) >= cb.cfg.RecoveryTimeout {
			cb.state = HalfOpen
			cb.halfOpenInFlight = 0
			metrics.BreakerState.WithLabelValues(cb.cfg.Name).Set(2)
		} else {
			return ErrProviderUnavailable
		}
	}

	if cb.state == HalfOpen {
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenMaxCalls {
			return ErrProviderUnavailable
		}
		cb.halfOpenInFlight++
	}

	return nil
}

// After records the outcome of a call admitted by Before.
func (cb *CircuitBreaker) After(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case HalfOpen:
		cb.halfOpenInFlight--
		if err == nil {
			cb.state = Closed
			cb.failureCount = 0
			metrics.BreakerState.WithLabelValues(cb.cfg.Name).Set(0)
		} else {
			cb.state = Open
			cb.lastFailure = time.Now()
			metrics.BreakerState.WithLabelValues(cb.cfg.Name).Set(1)
			metrics.BreakerTrips.WithLabelValues(cb.cfg.Name).Inc()
		}
	case Closed:
		if err == nil {
			cb.failureCount = 0
			return
		}
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.state = Open
			cb.lastFailure = time.Now()
			metrics.BreakerState.WithLabelValues(cb.cfg.Name).Set(1)
			metrics.BreakerTrips.WithLabelValues(cb.cfg.Name).Inc()
		}
	case Open:
		// A call should never be admitted while OPEN; ignore defensively.
	}
}
