package fork

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/callbridge/media-bridge/internal/metrics"
	"github.com/callbridge/media-bridge/internal/session"
)

// ConsumerState is the lifecycle state of a Consumer.
type ConsumerState int32

const (
	StateStopped ConsumerState = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s ConsumerState) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Destination is a best-effort ASP send target. Send reports whether the
// frame was delivered; the consumer treats the primary destination's result
// as authoritative and the secondary's as silent.
type Destination interface {
	Send(ctx context.Context, frame session.AudioFrame) error
	Connected() bool
}

// ConsumerConfig tunes a Consumer's drain, backoff, and stop behavior.
type ConsumerConfig struct {
	BatchSize       int           // B, frames drained per iteration (default 10)
	PollInterval    time.Duration // sleep when buffer empty (default 10ms)
	LagWarnMs       int           // warn threshold for pop-to-now lag (default 100ms)
	BackoffInitial  time.Duration // initial reconnect backoff (default 100ms)
	BackoffMax      time.Duration // capped backoff (default 5s)
	BackoffMultiply float64       // backoff multiplier (default 2)
	DrainTimeout    time.Duration // bounded drain on stop (default 2s)
}

// DefaultConsumerConfig returns production defaults.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		BatchSize:       10,
		PollInterval:    10 * time.Millisecond,
		LagWarnMs:       100,
		BackoffInitial:  100 * time.Millisecond,
		BackoffMax:      5 * time.Second,
		BackoffMultiply: 2,
		DrainTimeout:    2 * time.Second,
	}
}

// Consumer drains a session's RingBuffer and forwards frames to 1–2 ASP
// destinations, best-effort. It never pushes back on the producer: its only
// observable effects are the delivery metric and measured lag.
type Consumer struct {
	sessionID string
	buf       *RingBuffer
	cfg       ConsumerConfig

	primary   Destination
	secondary Destination

	state atomic.Int32

	stopCh chan struct{}
	doneCh chan struct{}

	mu        sync.Mutex
	delivered uint64
}

// NewConsumer creates a consumer for one session's ring buffer.
func NewConsumer(sessionID string, buf *RingBuffer, primary, secondary Destination, cfg ConsumerConfig) *Consumer {
	c := &Consumer{
		sessionID: sessionID,
		buf:       buf,
		cfg:       cfg,
		primary:   primary,
		secondary: secondary,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	c.state.Store(int32(StateStopped))
	return c
}

// State returns the consumer's current lifecycle state.
func (c *Consumer) State() ConsumerState {
	return ConsumerState(c.state.Load())
}

// Start launches the drain loop. Idempotent: calling Start twice on an
// already-running consumer is a no-op.
func (c *Consumer) Start(ctx context.Context) {
	if !c.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return
	}
	go c.run(ctx)
}

// Stop signals the loop to drain and exit. It blocks until the loop exits
// or DrainTimeout elapses, whichever comes first; on timeout the loop is
// considered forcibly cancelled and a warning is logged.
func (c *Consumer) Stop() {
	if c.State() == StateStopped {
		return
	}
	c.state.Store(int32(StateStopping))
	close(c.stopCh)

	select {
	case <-c.doneCh:
	case <-time.After(c.cfg.DrainTimeout):
		slog.Warn("fork consumer drain timeout, forcing stop", "session_id", c.sessionID)
	}
	c.state.Store(int32(StateStopped))
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.doneCh)
	c.state.Store(int32(StateRunning))

	backoff := c.cfg.BackoffInitial

	for {
		select {
		case <-c.stopCh:
			c.drainRemaining(ctx)
			return
		case <-ctx.Done():
			return
		default:
		}

		if c.primary != nil && !c.primary.Connected() {
			c.sleepBackoff(&backoff)
			continue
		}
		backoff = c.cfg.BackoffInitial

		if c.buf.Size() == 0 {
			c.sleep(c.cfg.PollInterval)
			continue
		}

		c.drainBatch(ctx)
	}
}

// drainRemaining empties whatever is left in the buffer within the
// cooperative stop window. It sends synchronously, so a blocked destination
// holds it up; Stop stops waiting for it after DrainTimeout.
func (c *Consumer) drainRemaining(ctx context.Context) {
	for c.buf.Size() > 0 {
		c.drainBatch(ctx)
	}
}

func (c *Consumer) sleepBackoff(backoff *time.Duration) {
	jittered := jitter(*backoff)
	c.sleep(jittered)
	next := time.Duration(float64(*backoff) * c.cfg.BackoffMultiply)
	if next > c.cfg.BackoffMax {
		next = c.cfg.BackoffMax
	}
	*backoff = next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * 0.2 * (rand.Float64()*2 - 1)
	return d + time.Duration(delta)
}

func (c *Consumer) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.stopCh:
	}
}

// drainBatch pops up to BatchSize frames and forwards each to the
// destinations.
func (c *Consumer) drainBatch(ctx context.Context) {
	for i := 0; i < c.cfg.BatchSize; i++ {
		frame, ok := c.buf.Pop()
		if !ok {
			return
		}
		if frame.SessionID != c.sessionID {
			continue // filter frames that aren't ours
		}
		c.forward(ctx, frame)
	}
}

func (c *Consumer) forward(ctx context.Context, frame session.AudioFrame) {
	lagMs := time.Since(frame.EnqueuedAt).Milliseconds()
	if int(lagMs) > c.cfg.LagWarnMs {
		slog.Warn("fork consumer lag exceeds threshold", "session_id", c.sessionID, "lag_ms", lagMs)
	}
	metrics.ForkLag.Observe(float64(lagMs) / 1000)

	delivered := false
	if c.primary != nil {
		if err := c.primary.Send(ctx, frame); err == nil {
			delivered = true
		} else {
			metrics.ForkDeliveryFailures.WithLabelValues("primary").Inc()
		}
	}
	if delivered {
		c.mu.Lock()
		c.delivered++
		c.mu.Unlock()
		metrics.ForkFramesDelivered.Inc()
	}

	if c.secondary != nil && c.secondary.Connected() {
		// Secondary failure is silent, not counted as a delivery failure.
		_ = c.secondary.Send(ctx, frame)
	}
}

// Delivered returns the count of frames successfully delivered to the
// primary destination.
func (c *Consumer) Delivered() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivered
}
