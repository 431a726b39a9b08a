package asp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/callbridge/media-bridge/internal/metrics"
	"github.com/callbridge/media-bridge/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SessionHooks lets the owning service react to session lifecycle events
// without the server package depending on the conversation pipeline.
type SessionHooks struct {
	OnSessionStarted func(sess *session.Session)
	OnSessionEnded   func(sess *session.Session, reason session.State)
	OnAudioFrame     func(sess *session.Session, dir Direction, pcm []byte)
	OnCallAction     func(sess *session.Session, action CallActionMessage)
}

// Server is one ASP listener: it advertises capabilities on connect,
// negotiates each session.start, and indexes sessions by hash for incoming
// binary audio frames.
type Server struct {
	Capabilities Capabilities
	VADBounds    VADBounds
	Registry     *session.Registry
	Hooks        SessionHooks
	Role         string // label used on the connections-active metric

	mu    sync.Mutex
	conns map[string]*serverConn // session id -> conn
}

// serverConn pairs a websocket connection with the mutex that serializes
// writes to it; gorilla/websocket forbids concurrent writers on one conn.
type serverConn struct {
	conn *websocket.Conn
	mu   *sync.Mutex
}

// NewServer creates a Server ready to accept connections.
func NewServer(caps Capabilities, registry *session.Registry, hooks SessionHooks, role string) *Server {
	return &Server{
		Capabilities: caps,
		VADBounds:    DefaultVADBounds(),
		Registry:     registry,
		Hooks:        hooks,
		Role:         role,
		conns:        make(map[string]*serverConn),
	}
}

// ServeHTTP upgrades the connection and runs the ASP session loop.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("asp: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	metrics.ASPConnectionsActive.WithLabelValues(s.Role).Inc()
	defer metrics.ASPConnectionsActive.WithLabelValues(s.Role).Dec()

	if err := s.sendCapabilities(conn); err != nil {
		slog.Error("asp: send capabilities failed", "error", err)
		return
	}

	s.runConnection(conn)
}

func (s *Server) sendCapabilities(conn *websocket.Conn) error {
	msg := ProtocolCapabilitiesMessage{
		Type:         TypeProtocolCapabilities,
		Version:      s.Capabilities.Version,
		Capabilities: s.Capabilities,
		Timestamp:    Timestamp(time.Now()),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) runConnection(conn *websocket.Conn) {
	var mu sync.Mutex
	var active *session.Session

	send := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Error("asp: write failed", "error", err)
		}
	}

	defer func() {
		if active != nil {
			s.untrackConn(active.ID)
			s.endSession(active, send)
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if msgType == websocket.BinaryMessage {
			s.handleBinaryFrame(data)
			continue
		}
		if msgType != websocket.TextMessage {
			continue
		}

		next, changed := s.handleControlMessage(data, active, send)
		if !changed {
			continue
		}
		if active != nil && next == nil {
			s.untrackConn(active.ID)
		}
		active = next
		if active != nil {
			s.trackConn(active.ID, conn, &mu)
		}
	}
}

func (s *Server) trackConn(sessionID string, conn *websocket.Conn, mu *sync.Mutex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[sessionID] = &serverConn{conn: conn, mu: mu}
}

func (s *Server) untrackConn(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, sessionID)
}

// SendAudio writes a synthesized outbound audio frame to the peer owning
// sessionID, for callers (the conversation pipeline) that need to push
// agent speech back down an ASP connection this server accepted.
func (s *Server) SendAudio(sessionID string, hash [8]byte, pcm []byte) error {
	s.mu.Lock()
	sc, ok := s.conns[sessionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("asp: no active connection for session %s", sessionID)
	}
	wire := EncodeAudioFrame(hash, DirectionOutbound, pcm)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteMessage(websocket.BinaryMessage, wire)
}

// SendCallAction pushes a call.action message to the peer owning
// sessionID — the conversational service asking the media bridge to
// transfer or hang up the underlying call.
func (s *Server) SendCallAction(sessionID string, action CallActionKind, target, reason string) error {
	s.mu.Lock()
	sc, ok := s.conns[sessionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("asp: no active connection for session %s", sessionID)
	}

	msg := CallActionMessage{
		Type:      TypeCallAction,
		SessionID: sessionID,
		Action:    action,
		Target:    target,
		Reason:    reason,
		Timestamp: Timestamp(time.Now()),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteMessage(websocket.TextMessage, data)
}

// handleControlMessage processes one text frame and reports the session
// that should become active, with changed indicating whether the caller
// should replace its active session (including clearing it to nil on
// session.end — distinct from "no change").
func (s *Server) handleControlMessage(data []byte, active *session.Session, send func(any)) (next *session.Session, changed bool) {
	t, err := PeekType(data)
	if err != nil {
		send(NewProtocolError(1000, CategoryProtocol, err.Error(), "", false))
		return nil, false
	}
	if !IsValidType(t) {
		send(NewProtocolError(1001, CategoryProtocol, fmt.Sprintf("unknown message type %q", t), "", false))
		return nil, false
	}

	switch t {
	case TypeSessionStart:
		return s.handleSessionStart(data, send), true
	case TypeSessionUpdate:
		s.handleSessionUpdate(data, active, send)
		return nil, false
	case TypeSessionEnd:
		if active != nil {
			s.endSession(active, send)
			return nil, true
		}
		return nil, false
	case TypeCallAction:
		s.handleCallAction(data, active, send)
		return nil, false
	default:
		// Other message types (audio.speech_*, response.*, text.utterance)
		// are emitted by this service, not consumed from the peer here.
		return nil, false
	}
}

func (s *Server) handleSessionStart(data []byte, send func(any)) *session.Session {
	var req SessionStartMessage
	if err := json.Unmarshal(data, &req); err != nil {
		send(NewProtocolError(1002, CategoryProtocol, "malformed session.start", "", false))
		return nil
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	reqAudio := session.AudioConfig{SampleRate: 8000, Encoding: "pcm_s16le", Channels: 1, FrameDurationMs: 20}
	if req.Audio != nil {
		reqAudio = *req.Audio
	}
	reqVAD := session.VADConfig{}
	if req.VAD != nil {
		reqVAD = *req.VAD
	}

	result := Negotiate(s.Capabilities, reqAudio, reqVAD, s.VADBounds)
	if result.Status == StatusRejected {
		send(SessionStartedMessage{
			Type:      TypeSessionStarted,
			SessionID: req.SessionID,
			Status:    StatusRejected,
			Errors:    result.Errors,
			Timestamp: Timestamp(time.Now()),
		})
		metrics.ASPNegotiationAdjustments.Inc()
		return nil
	}

	sess := session.New(req.SessionID, req.CallID, result.Negotiated, result.VAD)
	s.Registry.Register(sess)

	if len(result.Adjustments) > 0 {
		metrics.ASPNegotiationAdjustments.Inc()
	}

	send(SessionStartedMessage{
		Type:      TypeSessionStarted,
		SessionID: sess.ID,
		Status:    result.Status,
		Negotiated: &Negotiated{
			Audio:       result.Negotiated,
			VAD:         result.VAD,
			Adjustments: result.Adjustments,
		},
		Timestamp: Timestamp(time.Now()),
	})

	if s.Hooks.OnSessionStarted != nil {
		s.Hooks.OnSessionStarted(sess)
	}
	return sess
}

func (s *Server) handleSessionUpdate(data []byte, active *session.Session, send func(any)) {
	if active == nil {
		send(NewProtocolError(1003, CategorySession, "session.update with no active session", "", false))
		return
	}
	var req SessionUpdateMessage
	if err := json.Unmarshal(data, &req); err != nil {
		send(NewProtocolError(1002, CategoryProtocol, "malformed session.update", active.ID, false))
		return
	}
	if req.SessionID != active.ID {
		send(NewProtocolError(1004, CategorySession, "unknown session_id", req.SessionID, false))
		return
	}

	result := Negotiate(s.Capabilities, active.Audio, req.VAD, s.VADBounds)
	active.VAD = result.VAD

	send(SessionUpdatedMessage{
		Type:      TypeSessionUpdated,
		SessionID: active.ID,
		Status:    result.Status,
		Negotiated: &Negotiated{
			Audio:       active.Audio,
			VAD:         result.VAD,
			Adjustments: result.Adjustments,
		},
		Timestamp: Timestamp(time.Now()),
	})
}

func (s *Server) handleCallAction(data []byte, active *session.Session, send func(any)) {
	if active == nil {
		return
	}
	var req CallActionMessage
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	if s.Hooks.OnCallAction != nil {
		s.Hooks.OnCallAction(active, req)
	}
}

func (s *Server) endSession(sess *session.Session, send func(any)) {
	s.Registry.Remove(sess)
	if s.Hooks.OnSessionEnded != nil {
		s.Hooks.OnSessionEnded(sess, sess.State())
	}
	send(SessionEndedMessage{
		Type:      TypeSessionEnded,
		SessionID: sess.ID,
		Timestamp: Timestamp(time.Now()),
	})
}

func (s *Server) handleBinaryFrame(data []byte) {
	hash, dir, pcm, err := DecodeAudioFrame(data)
	if err != nil {
		slog.Warn("asp: dropping malformed binary frame", "error", err)
		return
	}
	sess, ok := s.Registry.LookupHash(hash)
	if !ok {
		// Unknown hash: drop, not fatal.
		return
	}
	if s.Hooks.OnAudioFrame != nil {
		s.Hooks.OnAudioFrame(sess, dir, pcm)
	}
}
