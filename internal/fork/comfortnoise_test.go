package fork

import (
	"sync"
	"testing"
	"time"

	"github.com/callbridge/media-bridge/internal/session"
)

func TestComfortNoiseStartsOnRespondingAndStopsOnIdle(t *testing.T) {
	sess := session.New("sid-1", "call-1", session.AudioConfig{SampleRate: 8000, FrameDurationMs: 20}, session.VADConfig{})

	var mu sync.Mutex
	var frames int
	sink := func(pcm []byte) {
		mu.Lock()
		frames++
		mu.Unlock()
	}

	NewComfortNoiseGenerator(sess, 8000, 20, sink)

	sess.BeginListening()
	sess.BeginProcessing()
	sess.BeginResponding()

	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	got := frames
	mu.Unlock()
	if got == 0 {
		t.Fatal("expected comfort noise frames while responding")
	}

	sess.Idle()
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	afterIdle := frames
	mu.Unlock()
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	final := frames
	mu.Unlock()

	if final != afterIdle {
		t.Fatalf("comfort noise kept producing after leaving responding: %d -> %d", afterIdle, final)
	}
}

func TestComfortNoiseSilenceStopsImmediately(t *testing.T) {
	sess := session.New("sid-2", "call-2", session.AudioConfig{SampleRate: 8000, FrameDurationMs: 20}, session.VADConfig{})
	var frames int
	var mu sync.Mutex
	g := NewComfortNoiseGenerator(sess, 8000, 20, func(pcm []byte) {
		mu.Lock()
		frames++
		mu.Unlock()
	})

	sess.BeginResponding()
	time.Sleep(30 * time.Millisecond)
	g.Silence()

	mu.Lock()
	afterSilence := frames
	mu.Unlock()
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	final := frames
	mu.Unlock()

	if final != afterSilence {
		t.Fatalf("comfort noise continued after Silence(): %d -> %d", afterSilence, final)
	}
}
