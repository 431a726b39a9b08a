package conversation

import (
	"testing"

	"github.com/callbridge/media-bridge/internal/audio"
)

func TestUtteranceBufferExternalAccumulatesAndTruncates(t *testing.T) {
	b := NewUtteranceBuffer(UtteranceBufferConfig{External: true, MaxBufferBytes: 10}, audio.VADConfig{})

	b.PushExternal([]byte{1, 2, 3, 4, 5})
	b.PushExternal([]byte{6, 7, 8, 9, 10, 11, 12})

	out := b.FlushExternal()
	if len(out) != 10 {
		t.Fatalf("buffer len = %d, want capped at 10", len(out))
	}
	if out[0] != 3 {
		t.Fatalf("expected oldest bytes discarded, got first byte %d", out[0])
	}
}

func TestUtteranceBufferFlushResetsAtomically(t *testing.T) {
	b := NewUtteranceBuffer(UtteranceBufferConfig{External: true}, audio.VADConfig{})
	b.PushExternal([]byte{1, 2, 3})
	first := b.FlushExternal()
	second := b.FlushExternal()

	if len(first) != 3 {
		t.Fatalf("first flush len = %d, want 3", len(first))
	}
	if len(second) != 0 {
		t.Fatalf("second flush len = %d, want 0 (buffer must reset)", len(second))
	}
}

func TestUtteranceBufferInternalModeExternalPushDoesNotPanic(t *testing.T) {
	b := NewUtteranceBuffer(UtteranceBufferConfig{External: false, SilenceThresholdMs: 500, MinSpeechMs: 250}, audio.DefaultVADConfig())
	defer func() {
		if recover() != nil {
			t.Fatal("PushExternal should not panic even on an internal-mode buffer")
		}
	}()
	b.PushExternal([]byte{1})
}
