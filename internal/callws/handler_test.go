package callws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callbridge/media-bridge/internal/fork"
	"github.com/callbridge/media-bridge/internal/session"
)

type fakeDestination struct {
	mu        sync.Mutex
	connected bool
	received  []session.AudioFrame
}

func (f *fakeDestination) Send(ctx context.Context, frame session.AudioFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, frame)
	return nil
}

func (f *fakeDestination) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeDestination) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func newTestManager() *fork.Manager {
	return fork.NewManager(fork.ManagerConfig{
		SampleRate:  8000,
		SampleWidth: 2,
		Channels:    1,
		BufferMs:    2000,
		ConsumerCfg: fork.DefaultConsumerConfig(),
	})
}

func dialCallWS(t *testing.T, h *Handler) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	httpSrv := httptest.NewServer(h)
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/call"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, httpSrv
}

// A caller connection that sends metadata then PCM frames is registered,
// forked to the configured destinations, and reported to OnSessionStarted.
func TestHandlerForksInboundAudio(t *testing.T) {
	registry := session.NewRegistry()
	manager := newTestManager()
	hub := NewHub()
	primary := &fakeDestination{connected: true}

	var started *session.Session
	var mu sync.Mutex

	h := NewHandler(HandlerConfig{
		Registry: registry,
		Manager:  manager,
		Hub:      hub,
		Primary:  primary,
		OnSessionStarted: func(sess *session.Session) {
			mu.Lock()
			started = sess
			mu.Unlock()
		},
	})

	conn, httpSrv := dialCallWS(t, h)
	defer httpSrv.Close()
	defer conn.Close()

	meta := callMetadata{Channel: "SIP/1000-0001", SampleRate: 8000, Encoding: "pcm_s16le", FrameDurationMs: 20}
	data, _ := json.Marshal(meta)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write metadata: %v", err)
	}

	frame := make([]byte, 320)
	for i := 0; i < 5; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		s := started
		mu.Unlock()
		if s != nil && registry.Count() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	for primary.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if primary.count() == 0 {
		t.Fatal("no inbound frames were forked to the primary destination")
	}

	mu.Lock()
	defer mu.Unlock()
	if started == nil {
		t.Fatal("OnSessionStarted was never called")
	}
	if started.CallID != "SIP/1000-0001" {
		t.Fatalf("CallID = %q, want SIP/1000-0001", started.CallID)
	}
}

// Hub.WriteAudio delivers bytes to the registered caller connection for a
// session, and is a silent no-op for an unknown session.
func TestHubWriteAudio(t *testing.T) {
	registry := session.NewRegistry()
	manager := newTestManager()
	hub := NewHub()

	var sessionID string
	var mu sync.Mutex

	h := NewHandler(HandlerConfig{
		Registry: registry,
		Manager:  manager,
		Hub:      hub,
		OnSessionStarted: func(sess *session.Session) {
			mu.Lock()
			sessionID = sess.ID
			mu.Unlock()
		},
	})

	conn, httpSrv := dialCallWS(t, h)
	defer httpSrv.Close()
	defer conn.Close()

	meta := callMetadata{Channel: "SIP/1000-0002", SampleRate: 8000, Encoding: "pcm_s16le", FrameDurationMs: 20}
	data, _ := json.Marshal(meta)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write metadata: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		id := sessionID
		mu.Unlock()
		if id != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	id := sessionID
	mu.Unlock()
	if id == "" {
		t.Fatal("session never registered")
	}

	hub.WriteAudio(id, []byte{9, 9, 9})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, got, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read pushed audio: %v", err)
	}
	if msgType != websocket.BinaryMessage || string(got) != string([]byte{9, 9, 9}) {
		t.Fatalf("got %v (%d), want [9 9 9] binary", got, msgType)
	}

	// Unknown session is a no-op, not a panic.
	hub.WriteAudio("no-such-session", []byte{1})
}
