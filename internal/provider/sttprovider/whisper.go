// Package sttprovider implements the speech-to-text side of the provider
// contract: an HTTP multipart client for a whisper.cpp-style inference
// server, wrapped in the shared retry/circuit-breaker base.
package sttprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/callbridge/media-bridge/internal/audio"
	"github.com/callbridge/media-bridge/internal/provider"
)

// WhisperConfig configures the whisper.cpp-style HTTP backend.
type WhisperConfig struct {
	Name    string
	URL     string
	Breaker provider.BreakerConfig
}

// Whisper transcribes PCM audio by posting a WAV file to a whisper.cpp
// server's /inference endpoint.
type Whisper struct {
	*provider.Base
	url    string
	client *http.Client
}

// NewWhisper constructs a whisper.cpp-backed STT provider.
func NewWhisper(cfg WhisperConfig) *Whisper {
	return &Whisper{
		Base:   provider.NewBase(cfg.Name, cfg.Breaker),
		url:    cfg.URL,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *Whisper) Connect(ctx context.Context) error    { return nil }
func (w *Whisper) Disconnect(ctx context.Context) error { return nil }

func (w *Whisper) HealthCheck(ctx context.Context) (provider.Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url+"/health", nil)
	if err != nil {
		return provider.Health{Status: provider.HealthDown}, err
	}
	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return provider.Health{Status: provider.HealthDown, Message: err.Error()}, nil
	}
	defer resp.Body.Close()
	latency := time.Since(start).Milliseconds()
	if resp.StatusCode != http.StatusOK {
		return provider.Health{Status: provider.HealthDegraded, LatencyMs: latency}, nil
	}
	return provider.Health{Status: provider.HealthOK, LatencyMs: latency}, nil
}

func (w *Whisper) Warmup(ctx context.Context) (int64, error) {
	start := time.Now()
	silence := make([]byte, 3200) // 100ms of 16kHz 16-bit silence
	_, err := w.Transcribe(ctx, silence, 16000)
	return time.Since(start).Milliseconds(), err
}

// Transcribe posts pcm (16-bit signed little-endian) as a WAV file to the
// whisper server and returns its transcript.
func (w *Whisper) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	var text string
	err := w.Call(ctx, func(ctx context.Context) error {
		samples := pcm16ToFloat32(pcm)
		wavBytes := audio.SamplesToWAV(samples, sampleRate)

		body, contentType, err := buildMultipartWAV(wavBytes)
		if err != nil {
			return fmt.Errorf("sttprovider: build multipart body: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/inference", body)
		if err != nil {
			return fmt.Errorf("sttprovider: create request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := w.client.Do(req)
		if err != nil {
			return &retryableHTTPErr{err: fmt.Errorf("sttprovider: whisper request: %w", err)}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("sttprovider: whisper status %d: %s", resp.StatusCode, respBody)
		}

		var whisperResp struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&whisperResp); err != nil {
			return fmt.Errorf("sttprovider: decode whisper response: %w", err)
		}
		text = whisperResp.Text
		return nil
	})
	return text, err
}

func pcm16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		samples[i] = float32(v) / 32768.0
	}
	return samples
}

func buildMultipartWAV(wavBytes []byte) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(wavBytes); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &body, writer.FormDataContentType(), nil
}

type retryableHTTPErr struct{ err error }

func (e *retryableHTTPErr) Error() string   { return e.err.Error() }
func (e *retryableHTTPErr) Unwrap() error   { return e.err }
func (e *retryableHTTPErr) Retryable() bool { return true }
