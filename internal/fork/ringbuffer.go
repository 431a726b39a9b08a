// Package fork isolates the real-time media path from everything
// downstream: a mutex-guarded ring buffer per session whose producer never
// waits on the consumer (push and pop share one short lock; the producer
// side is not lock-free), a best-effort async consumer, and a manager that
// is the only thing the real-time audio callback ever touches.
package fork

import (
	"sync"
	"time"

	"github.com/callbridge/media-bridge/internal/session"
)

// Metrics is a value-copy snapshot of a RingBuffer's counters.
type Metrics struct {
	FramesReceived     uint64
	FramesDropped      uint64
	FramesConsumed     uint64
	BytesReceived      uint64
	BytesDropped       uint64
	BytesConsumed      uint64
	OverflowEvents     uint64
	LastOverflowTime   time.Time
	PeakOccupancyBytes uint64
}

// RingBuffer is a bounded, single-producer/single-consumer queue of
// AudioFrame with a drop-oldest overflow policy.
//
// Push is wait-free on the happy path: it takes the buffer's own slice
// mutex only to append/evict, never blocks on the consumer, and never
// fails. The consumer side takes the same short lock for pop/peek; that's
// fine because it never holds it long enough to affect push latency beyond
// an uncontended mutex acquisition.
type RingBuffer struct {
	mu       sync.Mutex
	frames   []session.AudioFrame
	capacity int // frame count, derived from capacity_ms at construction

	bytesPerFrame int

	metrics Metrics
}

// NewRingBuffer computes capacity in frames from capacityMs:
// sampleRate*sampleWidth*channels*capacityMs/1000 / bytesPerFrame.
func NewRingBuffer(sampleRate, sampleWidth, channels, capacityMs, bytesPerFrame int) *RingBuffer {
	if bytesPerFrame <= 0 {
		bytesPerFrame = 1
	}
	totalBytes := sampleRate * sampleWidth * channels * capacityMs / 1000
	capFrames := totalBytes / bytesPerFrame
	if capFrames < 1 {
		capFrames = 1
	}
	return &RingBuffer{
		frames:        make([]session.AudioFrame, 0, capFrames),
		capacity:      capFrames,
		bytesPerFrame: bytesPerFrame,
	}
}

// Push enqueues a frame. Returns true if no overflow occurred, false if the
// oldest frame was dropped to make room. Never fails.
func (r *RingBuffer) Push(frame session.AudioFrame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.metrics.FramesReceived++
	r.metrics.BytesReceived += uint64(frame.Bytes())

	overflowed := false
	if len(r.frames) >= r.capacity {
		dropped := r.frames[0]
		r.frames = r.frames[1:]
		r.metrics.FramesDropped++
		r.metrics.BytesDropped += uint64(dropped.Bytes())
		r.metrics.OverflowEvents++
		r.metrics.LastOverflowTime = time.Now()
		overflowed = true
	}

	r.frames = append(r.frames, frame)

	occ := r.occupancyBytesLocked()
	if occ > r.metrics.PeakOccupancyBytes {
		r.metrics.PeakOccupancyBytes = occ
	}

	return !overflowed
}

// Pop removes and returns the oldest frame, or false if empty.
func (r *RingBuffer) Pop() (session.AudioFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return session.AudioFrame{}, false
	}
	f := r.frames[0]
	r.frames = r.frames[1:]
	r.metrics.FramesConsumed++
	r.metrics.BytesConsumed += uint64(f.Bytes())
	return f, true
}

// Peek returns the oldest frame without removing it.
func (r *RingBuffer) Peek() (session.AudioFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return session.AudioFrame{}, false
	}
	return r.frames[0], true
}

// Clear discards all buffered frames (used on Resume — stale audio must not
// be replayed) and returns the count discarded.
func (r *RingBuffer) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.frames)
	r.frames = r.frames[:0]
	return n
}

// Size returns the number of buffered frames.
func (r *RingBuffer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// SizeMs estimates buffered duration from frame count and negotiated frame
// duration; callers pass the session's negotiated frame_duration_ms.
func (r *RingBuffer) SizeMs(frameDurationMs int) int {
	return r.Size() * frameDurationMs
}

// FillRatio returns occupancy as a fraction of capacity in [0,1].
func (r *RingBuffer) FillRatio() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capacity == 0 {
		return 0
	}
	return float64(len(r.frames)) / float64(r.capacity)
}

// OldestAgeMs returns the age in milliseconds of the oldest buffered frame,
// or 0 if empty.
func (r *RingBuffer) OldestAgeMs() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return 0
	}
	return float64(time.Since(r.frames[0].EnqueuedAt).Milliseconds())
}

// Metrics returns a value-copy snapshot of the buffer's counters.
func (r *RingBuffer) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

func (r *RingBuffer) occupancyBytesLocked() uint64 {
	var total uint64
	for _, f := range r.frames {
		total += uint64(f.Bytes())
	}
	return total
}
