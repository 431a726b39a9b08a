package fork

import (
	"context"
	"testing"
	"time"
)

func testManager() *Manager {
	return NewManager(ManagerConfig{
		SampleRate:  8000,
		SampleWidth: 2,
		Channels:    1,
		BufferMs:    2000,
		ConsumerCfg: DefaultConsumerConfig(),
	})
}

func TestManagerForkAudioUnknownSessionReturnsFalse(t *testing.T) {
	m := testManager()
	if m.ForkAudio("missing", []byte{1, 2}, 0) {
		t.Fatal("ForkAudio on unknown session should return false")
	}
}

func TestManagerForkAudioPausedReturnsFalse(t *testing.T) {
	m := testManager()
	primary := &fakeDestination{connected: true}
	if err := m.StartSession(context.Background(), "s1", primary, nil); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	defer m.StopSession("s1")

	m.PauseSession("s1")
	if m.ForkAudio("s1", []byte{1, 2}, 0) {
		t.Fatal("ForkAudio on paused session should return false")
	}
}

func TestManagerResumeClearsBuffer(t *testing.T) {
	m := testManager()
	primary := &fakeDestination{connected: false} // keep consumer from draining
	if err := m.StartSession(context.Background(), "s1", primary, nil); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	defer m.StopSession("s1")

	for i := 0; i < 3; i++ {
		m.ForkAudio("s1", []byte{byte(i)}, uint64(i))
	}
	m.PauseSession("s1")
	m.ResumeSession("s1")

	if _, ok := m.RingMetrics("s1"); !ok {
		t.Fatal("expected ring metrics for s1")
	}
	m.mu.RLock()
	buffered := m.entries["s1"].ring.Size()
	m.mu.RUnlock()
	if buffered != 0 {
		t.Fatalf("expected empty buffer after resume, got %d frames buffered", buffered)
	}
}

func TestManagerStartSessionDuplicateFails(t *testing.T) {
	m := testManager()
	primary := &fakeDestination{connected: true}
	if err := m.StartSession(context.Background(), "s1", primary, nil); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	defer m.StopSession("s1")

	if err := m.StartSession(context.Background(), "s1", primary, nil); err == nil {
		t.Fatal("expected error starting duplicate session")
	}
}

func TestManagerStopSessionIdempotent(t *testing.T) {
	m := testManager()
	primary := &fakeDestination{connected: true}
	if err := m.StartSession(context.Background(), "s1", primary, nil); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	m.StopSession("s1")
	m.StopSession("s1") // must not panic or block
}

func TestManagerForkAudioDeliversToConsumer(t *testing.T) {
	m := testManager()
	primary := &fakeDestination{connected: true}
	if err := m.StartSession(context.Background(), "s1", primary, nil); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	defer m.StopSession("s1")

	for i := 0; i < 3; i++ {
		if !m.ForkAudio("s1", []byte{byte(i)}, uint64(i)) {
			t.Fatalf("ForkAudio(%d) returned false unexpectedly", i)
		}
	}

	deadline := time.Now().Add(time.Second)
	for primary.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if primary.count() != 3 {
		t.Fatalf("delivered %d frames, want 3", primary.count())
	}
}
