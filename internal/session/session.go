// Package session defines the call session entity shared by the media fork
// core and the conversation pipeline: identity, negotiated configuration,
// and the small state machine that drives comfort-noise and barge-in
// behavior.
package session

import (
	"crypto/md5"
	"sync"
	"time"
)

// State is the call's position in the listen/think/speak cycle.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateResponding State = "responding"
)

// AudioConfig is the negotiated media format for a session.
type AudioConfig struct {
	SampleRate      int    `json:"sample_rate"`
	Encoding        string `json:"encoding"`
	Channels        int    `json:"channels"`
	FrameDurationMs int    `json:"frame_duration_ms"`
}

// VADConfig is the negotiated voice-activity parameters.
type VADConfig struct {
	Enabled            bool    `json:"enabled"`
	SilenceThresholdMs int     `json:"silence_threshold_ms"`
	MinSpeechMs        int     `json:"min_speech_ms"`
	Threshold          float64 `json:"threshold"`
	RingBufferFrames   int     `json:"ring_buffer_frames"`
	SpeechRatio        float64 `json:"speech_ratio"`
	PrefixPaddingMs    int     `json:"prefix_padding_ms"`
}

// Hash truncates the MD5 of a session UUID string to an 8-byte wire
// identity. It is a lookup key only, never an identity proof.
func Hash(id string) [8]byte {
	sum := md5.Sum([]byte(id))
	var h [8]byte
	copy(h[:], sum[:8])
	return h
}

// Session is one live call, identified by a UUID string and indexed on the
// wire by its truncated hash.
type Session struct {
	mu sync.Mutex

	ID     string
	Hash   [8]byte
	CallID string

	Audio AudioConfig
	VAD   VADConfig

	state State

	CreatedAt    time.Time
	LastActivity time.Time

	// InboundPCM and OutboundPCM accumulate audio for the transcription
	// destination only; the conversational destination receives frames
	// directly off the ring buffer (see internal/fork).
	InboundPCM  []byte
	OutboundPCM []byte

	FramesReceived        uint64
	UtterancesTranscribed uint64

	paused   bool
	fallback bool

	onEnterResponding func()
	onLeaveResponding func()
}

// New creates a session for callID with the given negotiated configuration.
func New(id, callID string, audio AudioConfig, vad VADConfig) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		Hash:         Hash(id),
		CallID:       callID,
		Audio:        audio,
		VAD:          vad,
		state:        StateIdle,
		CreatedAt:    now,
		LastActivity: now,
	}
}

// OnRespondingEdge registers callbacks fired on entry to and exit from the
// responding state — the hook point for the comfort-noise generator.
func (s *Session) OnRespondingEdge(onEnter, onLeave func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnterResponding = onEnter
	s.onLeaveResponding = onLeave
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// touch marks activity and must be called with mu held.
func (s *Session) touch() {
	s.LastActivity = time.Now()
}

// BeginListening transitions to listening (caller speech detected).
func (s *Session) BeginListening() {
	if cb := s.transition(StateListening); cb != nil {
		cb()
	}
}

// BeginProcessing transitions to processing (utterance handed to the pipeline).
func (s *Session) BeginProcessing() {
	if cb := s.transition(StateProcessing); cb != nil {
		cb()
	}
}

// BeginResponding transitions to responding (agent audio playing back).
func (s *Session) BeginResponding() {
	s.mu.Lock()
	already := s.state == StateResponding
	s.state = StateResponding
	s.touch()
	cb := s.onEnterResponding
	s.mu.Unlock()
	if !already && cb != nil {
		cb()
	}
}

// Idle transitions back to idle, e.g. after response playback completes.
func (s *Session) Idle() {
	if cb := s.transition(StateIdle); cb != nil {
		cb()
	}
}

// transition moves to the given state, returning the leave-responding
// callback to invoke (outside the lock) if the session was responding.
func (s *Session) transition(to State) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cb func()
	if s.state == StateResponding {
		cb = s.onLeaveResponding
	}
	s.state = to
	s.touch()
	return cb
}

// Pause sets the session's paused flag without tearing down session state.
// The flag is informational: fork.Manager keeps its own paused flag, set by
// PauseSession, and that is the one that suppresses forking.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume clears the paused flag. The caller is responsible for clearing any
// stale buffered audio.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

// Paused reports whether the session's paused flag is set.
func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SetFallback flips the session-level fallback flag. Purely observational
// from the core's point of view.
func (s *Session) SetFallback(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = active
}

// Fallback reports whether this session is currently in fallback mode.
func (s *Session) Fallback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallback
}

// AppendInbound appends caller→agent PCM for the transcription destination.
func (s *Session) AppendInbound(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InboundPCM = append(s.InboundPCM, pcm...)
	s.FramesReceived++
}

// AppendOutbound appends agent→caller PCM for the transcription destination.
func (s *Session) AppendOutbound(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OutboundPCM = append(s.OutboundPCM, pcm...)
}

// IdleFor reports whether the session has been inactive longer than d.
func (s *Session) IdleFor(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.LastActivity) >= d
}
