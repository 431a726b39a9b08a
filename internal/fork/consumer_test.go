package fork

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/callbridge/media-bridge/internal/session"
)

var errFakeSend = errors.New("send failed")

type fakeDestination struct {
	mu        sync.Mutex
	connected bool
	received  []session.AudioFrame
	failNext  bool
}

func (f *fakeDestination) Send(ctx context.Context, frame session.AudioFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errFakeSend
	}
	f.received = append(f.received, frame)
	return nil
}

func (f *fakeDestination) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeDestination) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeDestination) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

// P8: within a session, delivered frames preserve push order.
func TestConsumerDeliversInOrder(t *testing.T) {
	rb := NewRingBuffer(8000, 2, 1, 1000, 160)
	primary := &fakeDestination{connected: true}

	cfg := DefaultConsumerConfig()
	cfg.PollInterval = time.Millisecond
	c := NewConsumer("s1", rb, primary, nil, cfg)

	for i := uint64(0); i < 5; i++ {
		rb.Push(session.AudioFrame{SessionID: "s1", PCM: []byte{byte(i)}, EnqueuedAt: time.Now(), Sequence: i})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	deadline := time.Now().Add(time.Second)
	for primary.count() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if primary.count() != 5 {
		t.Fatalf("delivered %d frames, want 5", primary.count())
	}
	for i, f := range primary.received {
		if f.Sequence != uint64(i) {
			t.Fatalf("frame %d has sequence %d, want %d", i, f.Sequence, i)
		}
	}
}

func TestConsumerFiltersForeignSessionFrames(t *testing.T) {
	rb := NewRingBuffer(8000, 2, 1, 1000, 160)
	primary := &fakeDestination{connected: true}
	cfg := DefaultConsumerConfig()
	cfg.PollInterval = time.Millisecond
	c := NewConsumer("s1", rb, primary, nil, cfg)

	rb.Push(session.AudioFrame{SessionID: "other", PCM: []byte{1}, EnqueuedAt: time.Now()})
	rb.Push(session.AudioFrame{SessionID: "s1", PCM: []byte{2}, EnqueuedAt: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	deadline := time.Now().Add(time.Second)
	for primary.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if primary.count() != 1 {
		t.Fatalf("delivered %d frames, want 1 (foreign session frame should be dropped)", primary.count())
	}
}

func TestConsumerStopDrainsBounded(t *testing.T) {
	rb := NewRingBuffer(8000, 2, 1, 1000, 160)
	primary := &fakeDestination{connected: true}
	cfg := DefaultConsumerConfig()
	cfg.DrainTimeout = 200 * time.Millisecond
	c := NewConsumer("s1", rb, primary, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	start := time.Now()
	c.Stop()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Stop took %v, want bounded by drain timeout", elapsed)
	}
	if c.State() != StateStopped {
		t.Fatalf("state = %v, want STOPPED", c.State())
	}
}
