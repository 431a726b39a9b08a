package sttprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/callbridge/media-bridge/internal/provider"
)

func TestWhisperTranscribeReturnsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"text": "hello world"})
	}))
	defer srv.Close()

	c := NewWhisper(WhisperConfig{Name: "whisper", URL: srv.URL, Breaker: provider.DefaultBreakerConfig("whisper")})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pcm := make([]byte, 3200)
	text, err := c.Transcribe(ctx, pcm, 16000)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("text = %q, want %q", text, "hello world")
	}
}

func TestWhisperTranscribeSurfacesNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	breaker := provider.DefaultBreakerConfig("whisper")
	breaker.FailureThreshold = 100
	c := NewWhisper(WhisperConfig{Name: "whisper", URL: srv.URL, Breaker: breaker})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.Transcribe(ctx, make([]byte, 320), 16000)
	if err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

func TestRegisterWiresWhisper(t *testing.T) {
	reg := provider.NewRegistry()
	Register(reg)
	names := reg.List(provider.KindSTT)
	if len(names) != 1 || names[0] != "whisper" {
		t.Fatalf("names = %v, want [whisper]", names)
	}
}
