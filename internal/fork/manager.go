package fork

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/callbridge/media-bridge/internal/metrics"
	"github.com/callbridge/media-bridge/internal/session"
)

// ManagerConfig carries the fixed audio format and buffer sizing the
// manager needs to construct a RingBuffer per session.
type ManagerConfig struct {
	SampleRate  int
	SampleWidth int
	Channels    int
	BufferMs    int
	ConsumerCfg ConsumerConfig
}

// entry bundles everything the manager tracks for one active session.
type entry struct {
	ring     *RingBuffer
	consumer *Consumer
	group    *errgroup.Group
	cancel   context.CancelFunc
	paused   bool
	fallback bool
}

// Manager is the only thing the real-time audio callback ever calls. Its
// fast path, ForkAudio, never waits on the consumer: session lookup under a
// read lock, a ring buffer push under the buffer's short mutex, nothing else.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
	cfg     ManagerConfig
}

// NewManager creates an empty manager for the given fixed audio format.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		entries: make(map[string]*entry),
		cfg:     cfg,
	}
}

// ForkAudio is the real-time media callback's only call. It never waits on
// the consumer beyond the buffer's short mutex and never panics: an unknown
// or paused session simply returns false.
func (m *Manager) ForkAudio(sessionID string, pcm []byte, seq uint64) bool {
	m.mu.RLock()
	e, ok := m.entries[sessionID]
	m.mu.RUnlock()
	if !ok || e.paused {
		return false
	}
	frame := session.AudioFrame{
		SessionID:  sessionID,
		PCM:        pcm,
		EnqueuedAt: time.Now(),
		Sequence:   seq,
	}
	ok2 := e.ring.Push(frame)
	metrics.AudioChunks.Inc()
	if !ok2 {
		metrics.ForkOverflows.Inc()
	}
	return ok2
}

// StartSession creates the session's RingBuffer and Consumer and starts the
// consumer goroutine under a per-session errgroup, so a consumer panic or
// unrecoverable error can be observed and logged without taking other
// sessions down with it.
func (m *Manager) StartSession(ctx context.Context, sessionID string, primary, secondary Destination) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[sessionID]; exists {
		return fmt.Errorf("fork: session %s already started", sessionID)
	}

	bytesPerFrame := m.cfg.SampleRate * m.cfg.SampleWidth * m.cfg.Channels * 20 / 1000
	ring := NewRingBuffer(m.cfg.SampleRate, m.cfg.SampleWidth, m.cfg.Channels, m.cfg.BufferMs, bytesPerFrame)
	consumer := NewConsumer(sessionID, ring, primary, secondary, m.cfg.ConsumerCfg)

	sessCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(sessCtx)
	g.Go(func() error {
		consumer.Start(gctx)
		<-gctx.Done()
		return nil
	})

	m.entries[sessionID] = &entry{
		ring:     ring,
		consumer: consumer,
		group:    g,
		cancel:   cancel,
	}
	metrics.CallsActive.Inc()
	metrics.CallsTotal.Inc()
	return nil
}

// StopSession cancels the consumer, waits for the bounded drain, logs final
// metrics, and removes the session. Idempotent.
func (m *Manager) StopSession(sessionID string) {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	if ok {
		delete(m.entries, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	e.consumer.Stop()
	e.cancel()
	if err := e.group.Wait(); err != nil {
		slog.Error("fork session group exited with error", "session_id", sessionID, "error", err)
	}

	snap := e.ring.Metrics()
	slog.Info("fork session stopped",
		"session_id", sessionID,
		"frames_received", snap.FramesReceived,
		"frames_dropped", snap.FramesDropped,
		"frames_consumed", snap.FramesConsumed,
		"overflow_events", snap.OverflowEvents,
	)
	metrics.CallsActive.Dec()
}

// PauseSession suppresses forking without tearing down session state.
func (m *Manager) PauseSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[sessionID]; ok {
		e.paused = true
	}
}

// ResumeSession clears the paused flag and discards any stale buffered
// audio — resumed playback must never replay audio captured while paused.
func (m *Manager) ResumeSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[sessionID]; ok {
		e.paused = false
		e.ring.Clear()
	}
}

// ActivateFallback flips the session's fallback flag and a process-level
// metric. Purely observational from the core's point of view; it does not
// change how frames are forked.
func (m *Manager) ActivateFallback(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[sessionID]; ok {
		e.fallback = true
	}
	metrics.ProviderFallbacks.WithLabelValues("fork").Inc()
}

// DeactivateFallback clears the session's fallback flag.
func (m *Manager) DeactivateFallback(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[sessionID]; ok {
		e.fallback = false
	}
}

// SendAudioEnd, SendOutboundAudio and SendOutboundAudioEnd forward to the
// transcription destination only; the conversational destination receives
// this via its own ASP channel, not through the fork core.

// SendOutboundAudio forwards agent→caller PCM to the transcription
// destination, best-effort.
func (m *Manager) SendOutboundAudio(ctx context.Context, sessionID string, pcm []byte, secondary Destination) {
	if secondary == nil || !secondary.Connected() {
		return
	}
	_ = secondary.Send(ctx, session.AudioFrame{
		SessionID:  sessionID,
		PCM:        pcm,
		EnqueuedAt: time.Now(),
	})
}

// SendAudioEnd forwards a caller→agent end-of-stream signal to the
// transcription destination, best-effort.
func (m *Manager) SendAudioEnd(ctx context.Context, sessionID string, secondary Destination) {
	if secondary == nil || !secondary.Connected() {
		return
	}
	_ = secondary.Send(ctx, session.AudioFrame{
		SessionID:  sessionID,
		EnqueuedAt: time.Now(),
		End:        true,
	})
}

// SendOutboundAudioEnd forwards an agent→caller end-of-stream signal to the
// transcription destination, best-effort.
func (m *Manager) SendOutboundAudioEnd(ctx context.Context, sessionID string, secondary Destination) {
	if secondary == nil || !secondary.Connected() {
		return
	}
	_ = secondary.Send(ctx, session.AudioFrame{
		SessionID:  sessionID,
		EnqueuedAt: time.Now(),
		End:        true,
	})
}

// RingMetrics returns the live ring buffer metrics for a session, or false
// if the session is unknown.
func (m *Manager) RingMetrics(sessionID string) (Metrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return Metrics{}, false
	}
	return e.ring.Metrics(), true
}

// SessionCount returns the number of sessions the manager currently tracks.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
