package ttsprovider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/callbridge/media-bridge/internal/provider"
)

func TestPiperSynthesizeReturnsAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{1, 2, 3, 4})
	}))
	defer srv.Close()

	c := NewPiper(PiperConfig{Name: "piper", URL: srv.URL, Voice: "en_US-lessac-low", Breaker: provider.DefaultBreakerConfig("piper")})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	audio, err := c.Synthesize(ctx, "hello")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(audio) != 4 {
		t.Fatalf("audio len = %d, want 4", len(audio))
	}
}

func TestPiperSynthesizeStreamYieldsSingleChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{9, 9})
	}))
	defer srv.Close()

	c := NewPiper(PiperConfig{Name: "piper", URL: srv.URL, Breaker: provider.DefaultBreakerConfig("piper")})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := c.SynthesizeStream(ctx, "hi")
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var chunks [][]byte
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 1 || len(chunks[0]) != 2 {
		t.Fatalf("chunks = %v, want one 2-byte chunk", chunks)
	}
}

func TestRegisterWiresPiper(t *testing.T) {
	reg := provider.NewRegistry()
	Register(reg)
	names := reg.List(provider.KindTTS)
	if len(names) != 1 || names[0] != "piper" {
		t.Fatalf("names = %v, want [piper]", names)
	}
}
