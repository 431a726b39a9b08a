// Package callws terminates the caller-facing side of a call: a WebSocket
// carrying the call's raw 20ms PCM frames, standing in for the real RTP
// capture hook a native telephony integration would drive. It bridges that
// audio into the media fork core and back out again, modeled on the
// teacher's own call-session WebSocket handler.
package callws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/callbridge/media-bridge/internal/fork"
	"github.com/callbridge/media-bridge/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// callMetadata is the first text frame the caller-facing leg sends,
// identifying the underlying telephony channel and its media format.
type callMetadata struct {
	Channel         string `json:"channel"`
	SampleRate      int    `json:"sample_rate"`
	Encoding        string `json:"encoding"`
	FrameDurationMs int    `json:"frame_duration_ms"`
}

// Hub tracks the caller-facing connection for each live session so that
// agent audio arriving asynchronously over the outbound ASP connections can
// be written back to the right caller.
type Hub struct {
	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// NewHub creates an empty connection hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*websocket.Conn)}
}

func (h *Hub) register(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[sessionID] = conn
}

func (h *Hub) unregister(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, sessionID)
}

// WriteAudio writes a raw PCM frame back to the caller leg of sessionID.
// Best-effort: a missing or broken connection is not an error the pipeline
// needs to react to.
func (h *Hub) WriteAudio(sessionID string, pcm []byte) {
	h.mu.Lock()
	conn, ok := h.conns[sessionID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		slog.Warn("callws: write audio failed", "session_id", sessionID, "error", err)
	}
}

// HandlerConfig bundles the dependencies one caller-facing connection needs.
type HandlerConfig struct {
	Registry *session.Registry
	Manager  *fork.Manager
	Hub      *Hub

	// Primary forks to the conversational AI Agent; Secondary forks to the
	// AI Transcribe service. Either may be nil.
	Primary   fork.Destination
	Secondary fork.Destination

	// OnSessionStarted/OnSessionEnded let the owning process start/stop
	// ASP sessions on the outbound connections and track channel identity
	// for AMI redirects.
	OnSessionStarted func(sess *session.Session)
	OnSessionEnded   func(sess *session.Session)
}

// Handler upgrades one caller leg per connection and bridges it to the fork
// core for the lifetime of the call.
type Handler struct {
	cfg HandlerConfig
}

// NewHandler creates a Handler over cfg.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{cfg: cfg}
}

// ServeHTTP upgrades the connection and runs the call until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("callws: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.runCall(conn)
}

func (h *Handler) runCall(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	meta, err := readMetadata(conn)
	if err != nil {
		slog.Error("callws: read metadata", "error", err)
		return
	}

	audioCfg := session.AudioConfig{
		SampleRate:      orDefaultInt(meta.SampleRate, 8000),
		Encoding:        orDefaultStr(meta.Encoding, "pcm_s16le"),
		Channels:        1,
		FrameDurationMs: orDefaultInt(meta.FrameDurationMs, 20),
	}

	sess := session.New(uuid.NewString(), meta.Channel, audioCfg, session.VADConfig{})
	h.cfg.Registry.Register(sess)
	h.cfg.Hub.register(sess.ID, conn)

	if err := h.cfg.Manager.StartSession(ctx, sess.ID, h.cfg.Primary, h.cfg.Secondary); err != nil {
		slog.Error("callws: start fork session", "session_id", sess.ID, "error", err)
		h.cfg.Hub.unregister(sess.ID)
		h.cfg.Registry.Remove(sess)
		return
	}

	if h.cfg.OnSessionStarted != nil {
		h.cfg.OnSessionStarted(sess)
	}

	slog.Info("callws: call started", "session_id", sess.ID, "channel", sess.CallID, "sample_rate", audioCfg.SampleRate)

	h.readLoop(conn, sess)

	h.cfg.Manager.StopSession(sess.ID)
	h.cfg.Hub.unregister(sess.ID)
	h.cfg.Registry.Remove(sess)
	if h.cfg.OnSessionEnded != nil {
		h.cfg.OnSessionEnded(sess)
	}
	slog.Info("callws: call ended", "session_id", sess.ID)
}

func (h *Handler) readLoop(conn *websocket.Conn, sess *session.Session) {
	var seq uint64
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		seq++
		sess.BeginListening()
		h.cfg.Manager.ForkAudio(sess.ID, data, seq)
	}
}

func readMetadata(conn *websocket.Conn) (*callMetadata, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var meta callMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func orDefaultInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func orDefaultStr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
