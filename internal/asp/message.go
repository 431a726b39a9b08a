// Package asp implements the Audio Session Protocol: a WebSocket transport
// carrying JSON control messages alongside a binary audio sub-protocol, the
// capability negotiation that configures a session, and the server/client
// handshake state machines built on top of it.
package asp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/callbridge/media-bridge/internal/session"
)

// MessageType is the closed set of control message types. Unknown types
// must be rejected with a protocol.error.
type MessageType string

const (
	TypeProtocolCapabilities MessageType = "protocol.capabilities"
	TypeSessionStart         MessageType = "session.start"
	TypeSessionStarted       MessageType = "session.started"
	TypeSessionUpdate        MessageType = "session.update"
	TypeSessionUpdated       MessageType = "session.updated"
	TypeSessionEnd           MessageType = "session.end"
	TypeSessionEnded         MessageType = "session.ended"
	TypeProtocolError        MessageType = "protocol.error"
	TypeAudioSpeechStart     MessageType = "audio.speech_start"
	TypeAudioSpeechEnd       MessageType = "audio.speech_end"
	TypeResponseStart        MessageType = "response.start"
	TypeResponseEnd          MessageType = "response.end"
	TypeResponseInterrupted  MessageType = "response.interrupted"
	TypeCallAction           MessageType = "call.action"
	TypeTextUtterance        MessageType = "text.utterance"
)

var validTypes = map[MessageType]bool{
	TypeProtocolCapabilities: true,
	TypeSessionStart:         true,
	TypeSessionStarted:       true,
	TypeSessionUpdate:        true,
	TypeSessionUpdated:       true,
	TypeSessionEnd:           true,
	TypeSessionEnded:         true,
	TypeProtocolError:        true,
	TypeAudioSpeechStart:     true,
	TypeAudioSpeechEnd:       true,
	TypeResponseStart:        true,
	TypeResponseEnd:          true,
	TypeResponseInterrupted:  true,
	TypeCallAction:           true,
	TypeTextUtterance:        true,
}

// IsValidType reports whether t belongs to the closed message type set.
func IsValidType(t MessageType) bool {
	return validTypes[t]
}

// TimeFormat is the ISO-8601 UTC millisecond-precision format used on the
// wire for every message timestamp.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Timestamp formats t per the wire convention.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ErrorCategory is the category field of a protocol.error.
type ErrorCategory string

const (
	CategoryProtocol ErrorCategory = "protocol"
	CategoryAudio    ErrorCategory = "audio"
	CategoryVAD      ErrorCategory = "vad"
	CategorySession  ErrorCategory = "session"
)

// Capabilities describes what a service supports, advertised exactly once
// per connection right after it accepts the WebSocket upgrade.
type Capabilities struct {
	Version                   string   `json:"version"`
	SupportedSampleRates      []int    `json:"supported_sample_rates"`
	SupportedEncodings        []string `json:"supported_encodings"`
	SupportedFrameDurations   []int    `json:"supported_frame_durations"`
	VADConfigurable           bool     `json:"vad_configurable"`
	VADParameters             []string `json:"vad_parameters"`
	MaxSessionDurationSeconds int      `json:"max_session_duration_seconds"`
	Features                  []string `json:"features"`
}

// ProtocolCapabilitiesMessage is sent once, unsolicited, by a server
// immediately after WebSocket upgrade.
type ProtocolCapabilitiesMessage struct {
	Type         MessageType  `json:"type"`
	Version      string       `json:"version"`
	Capabilities Capabilities `json:"capabilities"`
	ServerID     string       `json:"server_id,omitempty"`
	Timestamp    string       `json:"timestamp"`
}

// SessionStartMessage requests a new session with a desired configuration.
type SessionStartMessage struct {
	Type      MessageType          `json:"type"`
	SessionID string               `json:"session_id"`
	CallID    string               `json:"call_id,omitempty"`
	Audio     *session.AudioConfig `json:"audio,omitempty"`
	VAD       *session.VADConfig   `json:"vad,omitempty"`
	Metadata  map[string]string    `json:"metadata,omitempty"`
	Timestamp string               `json:"timestamp"`
}

// Adjustment records one field the negotiator had to coerce.
type Adjustment struct {
	Field     string `json:"field"`
	Requested any    `json:"requested"`
	Applied   any    `json:"applied"`
	Reason    string `json:"reason"`
}

// SessionStatus is the negotiation outcome reported in session.started.
type SessionStatus string

const (
	StatusAccepted            SessionStatus = "accepted"
	StatusAcceptedWithChanges SessionStatus = "accepted_with_changes"
	StatusRejected            SessionStatus = "rejected"
)

// Negotiated is the final configuration plus the adjustments applied.
type Negotiated struct {
	Audio       session.AudioConfig `json:"audio"`
	VAD         session.VADConfig   `json:"vad"`
	Adjustments []Adjustment        `json:"adjustments"`
}

// SessionStartedMessage answers a session.start (or session.update).
type SessionStartedMessage struct {
	Type       MessageType   `json:"type"`
	SessionID  string        `json:"session_id"`
	Status     SessionStatus `json:"status"`
	Negotiated *Negotiated   `json:"negotiated,omitempty"`
	Errors     []string      `json:"errors,omitempty"`
	Timestamp  string        `json:"timestamp"`
}

// SessionUpdateMessage requests a VAD-only mid-session change. Audio fields
// must be absent: the format is immutable once a session starts.
type SessionUpdateMessage struct {
	Type      MessageType       `json:"type"`
	SessionID string            `json:"session_id"`
	VAD       session.VADConfig `json:"vad"`
	Timestamp string            `json:"timestamp"`
}

// SessionUpdatedMessage mirrors SessionStartedMessage for updates.
type SessionUpdatedMessage = SessionStartedMessage

// SessionEndReason enumerates why a session ended.
type SessionEndReason string

const (
	ReasonHangup        SessionEndReason = "hangup"
	ReasonTimeout       SessionEndReason = "timeout"
	ReasonError         SessionEndReason = "error"
	ReasonUserEnd       SessionEndReason = "user_end"
	ReasonDebugComplete SessionEndReason = "debug_complete"
)

// SessionEndMessage requests termination of a session.
type SessionEndMessage struct {
	Type      MessageType      `json:"type"`
	SessionID string           `json:"session_id"`
	Reason    SessionEndReason `json:"reason,omitempty"`
	Timestamp string           `json:"timestamp"`
}

// SessionEndedMessage confirms a session has ended.
type SessionEndedMessage struct {
	Type            MessageType    `json:"type"`
	SessionID       string         `json:"session_id"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	Statistics      map[string]any `json:"statistics,omitempty"`
	Timestamp       string         `json:"timestamp"`
}

// ProtocolErrorDetail is the error body of a protocol.error message.
type ProtocolErrorDetail struct {
	Code        int           `json:"code"`
	Category    ErrorCategory `json:"category"`
	Message     string        `json:"message"`
	Details     string        `json:"details,omitempty"`
	Recoverable bool          `json:"recoverable"`
}

// ProtocolErrorMessage reports a protocol-level failure. It never alters
// session state.
type ProtocolErrorMessage struct {
	Type      MessageType         `json:"type"`
	Error     ProtocolErrorDetail `json:"error"`
	SessionID string              `json:"session_id,omitempty"`
	Timestamp string              `json:"timestamp"`
}

// NewProtocolError builds a protocol.error message with the given code,
// category and message. Unknown message types use category=protocol and
// codes in the 1000 range.
func NewProtocolError(code int, category ErrorCategory, message string, sessionID string, recoverable bool) ProtocolErrorMessage {
	return ProtocolErrorMessage{
		Type: TypeProtocolError,
		Error: ProtocolErrorDetail{
			Code:        code,
			Category:    category,
			Message:     message,
			Recoverable: recoverable,
		},
		SessionID: sessionID,
		Timestamp: Timestamp(time.Now()),
	}
}

// AudioEdgeMessage covers audio.speech_start/end and response.start/end.
type AudioEdgeMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Timestamp string      `json:"timestamp"`
}

// ResponseInterruptedMessage is sent when barge-in discards playback.
type ResponseInterruptedMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Timestamp string      `json:"timestamp"`
}

// CallActionKind enumerates the actions the conversational service may ask
// the media bridge to perform on the underlying channel.
type CallActionKind string

const (
	ActionTransfer CallActionKind = "transfer"
	ActionHangup   CallActionKind = "hangup"
)

// CallActionMessage asks the media bridge to invoke the channel-control
// interface (redirect or hang up the underlying call).
type CallActionMessage struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"session_id"`
	Action    CallActionKind `json:"action"`
	Target    string         `json:"target,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// TextUtteranceMessage carries a recognized or synthesized text turn for
// debug/inspection UIs.
type TextUtteranceMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	Final     bool        `json:"final"`
	Timestamp string      `json:"timestamp"`
}

// PeekType reads only the "type" field from a raw control frame, enough to
// dispatch without fully unmarshalling into the wrong shape.
func PeekType(raw []byte) (MessageType, error) {
	var probe struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("asp: malformed control message: %w", err)
	}
	return probe.Type, nil
}
