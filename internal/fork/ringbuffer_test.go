package fork

import (
	"testing"
	"time"

	"github.com/callbridge/media-bridge/internal/session"
)

func frame(label byte) session.AudioFrame {
	return session.AudioFrame{
		SessionID:  "s1",
		PCM:        []byte{label},
		EnqueuedAt: time.Now(),
	}
}

// P2/S4: drop-oldest retains the most recent `capacity` frames in order.
func TestRingBufferDropOldest(t *testing.T) {
	rb := NewRingBuffer(8000, 2, 1, 1000, 1) // capacity derived to be 16000 frames; override below
	rb.capacity = 3
	rb.frames = rb.frames[:0]

	labels := []byte{'A', 'B', 'C', 'D', 'E'}
	for _, l := range labels {
		rb.Push(frame(l))
	}

	var got []byte
	for {
		f, ok := rb.Pop()
		if !ok {
			break
		}
		got = append(got, f.PCM[0])
	}

	want := []byte{'C', 'D', 'E'}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

// P3: overflow accounting invariant.
func TestRingBufferOverflowAccounting(t *testing.T) {
	rb := NewRingBuffer(8000, 2, 1, 1000, 1)
	rb.capacity = 3
	rb.frames = rb.frames[:0]

	for _, l := range []byte{'A', 'B', 'C', 'D', 'E'} {
		rb.Push(frame(l))
	}

	m := rb.Metrics()
	if m.FramesDropped != m.OverflowEvents {
		t.Fatalf("frames_dropped=%d overflow_events=%d, want equal", m.FramesDropped, m.OverflowEvents)
	}
	stillBuffered := uint64(rb.Size())
	if m.FramesReceived != m.FramesConsumed+m.FramesDropped+stillBuffered {
		t.Fatalf("received=%d != consumed=%d + dropped=%d + buffered=%d",
			m.FramesReceived, m.FramesConsumed, m.FramesDropped, stillBuffered)
	}
}

func TestRingBufferPushNeverBlocks(t *testing.T) {
	rb := NewRingBuffer(8000, 2, 1, 20, 160) // tiny capacity
	for i := 0; i < 1000; i++ {
		start := time.Now()
		rb.Push(frame(byte(i)))
		if elapsed := time.Since(start); elapsed > time.Millisecond {
			t.Fatalf("push took %v, want < 1ms", elapsed)
		}
	}
}

func TestRingBufferClear(t *testing.T) {
	rb := NewRingBuffer(8000, 2, 1, 1000, 1)
	rb.Push(frame('A'))
	rb.Push(frame('B'))
	n := rb.Clear()
	if n != 2 {
		t.Fatalf("Clear() = %d, want 2", n)
	}
	if rb.Size() != 0 {
		t.Fatalf("Size() = %d after Clear, want 0", rb.Size())
	}
}
