package asp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callbridge/media-bridge/internal/session"
)

// ClientConfig tunes the handshake and reconnect timeouts.
type ClientConfig struct {
	CapabilitiesTimeout  time.Duration // default 5s
	SessionStartTimeout  time.Duration // default 10s
	ReconnectInterval    time.Duration // default 5s
	MaxReconnectAttempts int           // default 10
}

// DefaultClientConfig returns the handshake defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		CapabilitiesTimeout:  5 * time.Second,
		SessionStartTimeout:  10 * time.Second,
		ReconnectInterval:    5 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// Client is the media bridge's connection to one downstream ASP service
// (the AI agent or the AI transcribe service). It runs the handshake
// described for the client role: wait for capabilities or fall back to
// legacy mode, negotiate a session, and reconnect on transport drop.
type Client struct {
	url string
	cfg ClientConfig

	mu             sync.Mutex
	conn           *websocket.Conn
	legacy         bool
	caps           *Capabilities
	negotiated     *Negotiated
	reconnectCount int
	onMessage      func(MessageType, []byte)
	onBinary       func(hash [8]byte, dir Direction, pcm []byte)
}

// NewClient creates a client for the given ASP URL.
func NewClient(url string, cfg ClientConfig) *Client {
	return &Client{url: url, cfg: cfg}
}

// OnMessage registers the control-message callback, invoked for every
// parsed text frame after the handshake.
func (c *Client) OnMessage(fn func(MessageType, []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnBinary registers the binary audio frame callback.
func (c *Client) OnBinary(fn func(hash [8]byte, dir Direction, pcm []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onBinary = fn
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Legacy reports whether the connection fell back to legacy mode (no
// protocol.capabilities received within the timeout).
func (c *Client) Legacy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.legacy
}

// Dial opens the WebSocket and runs the capabilities wait. It starts the
// read loop in the background and returns once the connection is usable
// (legacy or negotiated-capable).
func (c *Client) Dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("asp: dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.legacy = false
	c.caps = nil
	c.mu.Unlock()

	capCh := make(chan *Capabilities, 1)
	go c.readLoop(conn, capCh)

	select {
	case caps := <-capCh:
		c.mu.Lock()
		c.caps = caps
		c.mu.Unlock()
	case <-time.After(c.cfg.CapabilitiesTimeout):
		slog.Warn("asp: no protocol.capabilities within timeout, falling back to legacy mode", "url", c.url)
		c.mu.Lock()
		c.legacy = true
		c.mu.Unlock()
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, capCh chan<- *Capabilities) {
	capDelivered := false
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect()
			return
		}
		if msgType == websocket.BinaryMessage {
			hash, dir, pcm, err := DecodeAudioFrame(data)
			if err != nil {
				continue
			}
			c.mu.Lock()
			cb := c.onBinary
			c.mu.Unlock()
			if cb != nil {
				cb(hash, dir, pcm)
			}
			continue
		}

		t, err := PeekType(data)
		if err != nil {
			continue
		}

		if t == TypeProtocolCapabilities && !capDelivered {
			var msg ProtocolCapabilitiesMessage
			if json.Unmarshal(data, &msg) == nil {
				capDelivered = true
				select {
				case capCh <- &msg.Capabilities:
				default:
				}
			}
			continue
		}

		c.mu.Lock()
		cb := c.onMessage
		c.mu.Unlock()
		if cb != nil {
			cb(t, data)
		}
	}
}

func (c *Client) handleDisconnect() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

// StartSession sends session.start and waits up to SessionStartTimeout for
// session.started, storing the negotiated config. Timeouts at this stage
// are fatal for the session (unlike the earlier capabilities wait) and the
// caller should trigger reconnection.
func (c *Client) StartSession(ctx context.Context, sessionID, callID string, audio session.AudioConfig, vad session.VADConfig) (*Negotiated, error) {
	msg := SessionStartMessage{
		Type:      TypeSessionStart,
		SessionID: sessionID,
		CallID:    callID,
		Audio:     &audio,
		VAD:       &vad,
		Timestamp: Timestamp(time.Now()),
	}
	if err := c.send(msg); err != nil {
		return nil, err
	}

	resultCh := make(chan *SessionStartedMessage, 1)
	prev := c.onMessage
	c.mu.Lock()
	c.onMessage = func(t MessageType, data []byte) {
		if t == TypeSessionStarted {
			var resp SessionStartedMessage
			if json.Unmarshal(data, &resp) == nil && resp.SessionID == sessionID {
				select {
				case resultCh <- &resp:
				default:
				}
				return
			}
		}
		if prev != nil {
			prev(t, data)
		}
	}
	c.mu.Unlock()

	select {
	case resp := <-resultCh:
		c.mu.Lock()
		c.onMessage = prev
		c.mu.Unlock()
		if resp.Status == StatusRejected {
			return nil, fmt.Errorf("asp: session rejected: %v", resp.Errors)
		}
		c.mu.Lock()
		c.negotiated = resp.Negotiated
		c.mu.Unlock()
		return resp.Negotiated, nil
	case <-time.After(c.cfg.SessionStartTimeout):
		c.mu.Lock()
		c.onMessage = prev
		c.mu.Unlock()
		return nil, fmt.Errorf("asp: timeout waiting for session.started")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// UpdateVAD sends a VAD-only session.update.
func (c *Client) UpdateVAD(sessionID string, vad session.VADConfig) error {
	return c.send(SessionUpdateMessage{
		Type:      TypeSessionUpdate,
		SessionID: sessionID,
		VAD:       vad,
		Timestamp: Timestamp(time.Now()),
	})
}

// EndSession sends session.end fire-and-forget; it does not wait for
// session.ended.
func (c *Client) EndSession(sessionID string, reason SessionEndReason) {
	_ = c.send(SessionEndMessage{
		Type:      TypeSessionEnd,
		SessionID: sessionID,
		Reason:    reason,
		Timestamp: Timestamp(time.Now()),
	})
}

// Send transmits a binary audio frame.
func (c *Client) Send(ctx context.Context, frame session.AudioFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("asp: not connected")
	}
	hash := session.Hash(frame.SessionID)
	wire := EncodeAudioFrame(hash, DirectionInbound, frame.PCM)
	return conn.WriteMessage(websocket.BinaryMessage, wire)
}

func (c *Client) send(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("asp: not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Reconnect implements the fixed-interval, capped-attempt reconnect policy
// on transport drop. It does not attempt protocol-level resume: every
// reconnection re-establishes the session from scratch.
func (c *Client) Reconnect(ctx context.Context) error {
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectInterval):
		}
		if err := c.Dial(ctx); err == nil {
			c.mu.Lock()
			c.reconnectCount++
			c.mu.Unlock()
			return nil
		}
		slog.Warn("asp: reconnect attempt failed", "attempt", attempt, "url", c.url)
	}
	return fmt.Errorf("asp: exhausted %d reconnect attempts", c.cfg.MaxReconnectAttempts)
}

// ReconnectCount reports how many successful reconnections have occurred.
func (c *Client) ReconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectCount
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
