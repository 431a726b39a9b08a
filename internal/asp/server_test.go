package asp

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callbridge/media-bridge/internal/session"
)

func dialServer(t *testing.T, srv *Server) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	httpSrv := httptest.NewServer(srv)
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/asp"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	// Drain the unsolicited protocol.capabilities message.
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read capabilities: %v", err)
	}
	return conn, httpSrv
}

func startSession(t *testing.T, conn *websocket.Conn, sessionID string) SessionStartedMessage {
	t.Helper()
	req := SessionStartMessage{
		Type:      TypeSessionStart,
		SessionID: sessionID,
		CallID:    "channel-1",
		Timestamp: Timestamp(time.Now()),
	}
	data, _ := json.Marshal(req)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write session.start: %v", err)
	}
	_, resp, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read session.started: %v", err)
	}
	var started SessionStartedMessage
	if err := json.Unmarshal(resp, &started); err != nil {
		t.Fatalf("unmarshal session.started: %v", err)
	}
	return started
}

// P-push: SendAudio reaches a peer that started a session, addressed by
// the session's wire hash.
func TestServerSendAudioReachesConnectedPeer(t *testing.T) {
	srv := NewServer(testCaps(), session.NewRegistry(), SessionHooks{}, "test")
	conn, httpSrv := dialServer(t, srv)
	defer httpSrv.Close()
	defer conn.Close()

	started := startSession(t, conn, "sess-1")
	hash := session.Hash(started.SessionID)

	if err := srv.SendAudio(started.SessionID, hash, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read pushed audio: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("msgType = %d, want BinaryMessage", msgType)
	}
	gotHash, dir, pcm, err := DecodeAudioFrame(data)
	if err != nil {
		t.Fatalf("decode pushed frame: %v", err)
	}
	if dir != DirectionOutbound {
		t.Fatalf("dir = %v, want DirectionOutbound", dir)
	}
	if gotHash != hash {
		t.Fatalf("hash mismatch")
	}
	if string(pcm) != string([]byte{1, 2, 3, 4}) {
		t.Fatalf("pcm = %v, want [1 2 3 4]", pcm)
	}
}

// SendAudio on a session with no tracked connection is an error, not a panic.
func TestServerSendAudioUnknownSession(t *testing.T) {
	srv := NewServer(testCaps(), session.NewRegistry(), SessionHooks{}, "test")
	if err := srv.SendAudio("no-such-session", [8]byte{}, []byte("x")); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

// SendCallAction pushes a text call.action frame to the connected peer.
func TestServerSendCallActionReachesConnectedPeer(t *testing.T) {
	srv := NewServer(testCaps(), session.NewRegistry(), SessionHooks{}, "test")
	conn, httpSrv := dialServer(t, srv)
	defer httpSrv.Close()
	defer conn.Close()

	started := startSession(t, conn, "sess-2")

	if err := srv.SendCallAction(started.SessionID, ActionTransfer, "from-ai-transfer,100", "caller asked for billing"); err != nil {
		t.Fatalf("SendCallAction: %v", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read pushed call.action: %v", err)
	}
	var msg CallActionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal call.action: %v", err)
	}
	if msg.Action != ActionTransfer || msg.Target != "from-ai-transfer,100" {
		t.Fatalf("call.action = %+v, want transfer to from-ai-transfer,100", msg)
	}
}

// An explicit session.end must not cause a second session.ended on
// connection teardown: handleControlMessage must report changed=true with
// next=nil so runConnection clears its active session instead of leaving
// it stale for the deferred cleanup to re-fire on.
func TestServerExplicitSessionEndDoesNotDoubleFire(t *testing.T) {
	var endedCount int
	srv := NewServer(testCaps(), session.NewRegistry(), SessionHooks{
		OnSessionEnded: func(sess *session.Session, reason session.State) {
			endedCount++
		},
	}, "test")
	conn, httpSrv := dialServer(t, srv)
	defer httpSrv.Close()

	started := startSession(t, conn, "sess-3")

	endReq := SessionEndMessage{Type: TypeSessionEnd, SessionID: started.SessionID, Timestamp: Timestamp(time.Now())}
	data, _ := json.Marshal(endReq)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write session.end: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read session.ended: %v", err)
	}

	// Close the connection; if active were not cleared, the deferred
	// cleanup in runConnection would call endSession a second time.
	conn.Close()
	time.Sleep(50 * time.Millisecond)

	if endedCount != 1 {
		t.Fatalf("OnSessionEnded called %d times, want exactly 1", endedCount)
	}
}
