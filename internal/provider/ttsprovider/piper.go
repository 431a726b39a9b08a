// Package ttsprovider implements the speech-synthesis side of the provider
// contract: an HTTP JSON client for a Piper-style synthesis server, wrapped
// in the shared retry/circuit-breaker base.
package ttsprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/callbridge/media-bridge/internal/provider"
)

// PiperConfig configures the Piper-style HTTP backend.
type PiperConfig struct {
	Name    string
	URL     string
	Voice   string
	Breaker provider.BreakerConfig
}

// Piper synthesizes speech via a Piper HTTP server's /synthesize endpoint,
// returning raw PCM audio.
type Piper struct {
	*provider.Base
	url    string
	voice  string
	client *http.Client
}

// NewPiper constructs a Piper-backed TTS provider.
func NewPiper(cfg PiperConfig) *Piper {
	return &Piper{
		Base:   provider.NewBase(cfg.Name, cfg.Breaker),
		url:    cfg.URL,
		voice:  cfg.Voice,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *Piper) Connect(ctx context.Context) error    { return nil }
func (p *Piper) Disconnect(ctx context.Context) error { return nil }

func (p *Piper) HealthCheck(ctx context.Context) (provider.Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url+"/health", nil)
	if err != nil {
		return provider.Health{Status: provider.HealthDown}, err
	}
	start := time.Now()
	resp, err := p.client.Do(req)
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

func (p *Piper) Warmup(ctx context.Context) (int64, error) {
	start := time.Now()
	_, err := p.Synthesize(ctx, "warming up")
	return time.Since(start).Milliseconds(), err
}

// Synthesize converts text to raw PCM audio via the Piper HTTP API.
func (p *Piper) Synthesize(ctx context.Context, text string) ([]byte, error) {
	var audio []byte
	err := p.Call(ctx, func(ctx context.Context) error {
		reqBody, err := json.Marshal(synthesizeRequest{Text: text, Voice: p.voice})
		if err != nil {
			return fmt.Errorf("ttsprovider: marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/synthesize", bytes.NewReader(reqBody))
		if err != nil {
			return fmt.Errorf("ttsprovider: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return &retryableHTTPErr{err: fmt.Errorf("ttsprovider: piper request: %w", err)}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("ttsprovider: piper status %d", resp.StatusCode)
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("ttsprovider: read response: %w", err)
		}
		audio = data
		return nil
	})
	return audio, err
}

// SynthesizeStream requests synthesis and yields the single resulting PCM
// buffer as one chunk; Piper's HTTP API returns the full clip rather than a
// streamed one, so this satisfies provider.StreamingTTS as a single-chunk
// stream for pipelines that want a uniform streaming interface.
func (p *Piper) SynthesizeStream(ctx context.Context, text string) (<-chan []byte, error) {
	audio, err := p.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	out := make(chan []byte, 1)
	out <- audio
	close(out)
	return out, nil
}

type synthesizeRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

type retryableHTTPErr struct{ err error }

func (e *retryableHTTPErr) Error() string   { return e.err.Error() }
func (e *retryableHTTPErr) Unwrap() error   { return e.err }
func (e *retryableHTTPErr) Retryable() bool { return true }
