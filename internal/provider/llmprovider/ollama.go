// Package llmprovider implements the conversational-agent LLM side of the
// provider contract: a hand-rolled Ollama/OpenAI-compatible HTTP streaming
// client plus three real-SDK adapters (OpenAI, Anthropic, openai-agents-go),
// all wrapped in the shared retry/circuit-breaker base.
package llmprovider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/callbridge/media-bridge/internal/provider"
)

// OllamaConfig configures the Ollama streaming backend.
type OllamaConfig struct {
	Name         string
	URL          string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Breaker      provider.BreakerConfig
}

// Ollama streams chat completions from an Ollama (or Ollama-compatible)
// HTTP server's /api/chat endpoint.
type Ollama struct {
	*provider.Base
	url          string
	model        string
	systemPrompt string
	maxTokens    int
	client       *http.Client
}

// NewOllama constructs an Ollama-backed LLM provider.
func NewOllama(cfg OllamaConfig) *Ollama {
	return &Ollama{
		Base:         provider.NewBase(cfg.Name, cfg.Breaker),
		url:          cfg.URL,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxTokens,
		client:       &http.Client{Timeout: 60 * time.Second},
	}
}

func (o *Ollama) Connect(ctx context.Context) error    { return nil }
func (o *Ollama) Disconnect(ctx context.Context) error { return nil }

func (o *Ollama) HealthCheck(ctx context.Context) (provider.Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url+"/api/tags", nil)
	if err != nil {
		return provider.Health{Status: provider.HealthDown}, err
	}
	start := time.Now()
	resp, err := o.client.Do(req)
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

func (o *Ollama) Warmup(ctx context.Context) (int64, error) {
	start := time.Now()
	_, err := o.Generate(ctx, "", "hello")
	return time.Since(start).Milliseconds(), err
}

// Generate performs a single non-streaming-to-caller chat completion,
// internally draining the streamed response.
func (o *Ollama) Generate(ctx context.Context, systemPrompt, userText string) (string, error) {
	var reply string
	err := o.Call(ctx, func(ctx context.Context) error {
		ch, err := o.generateStream(ctx, systemPrompt, userText)
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		for tok := range ch {
			buf.WriteString(tok)
		}
		reply = buf.String()
		return nil
	})
	return reply, err
}

// GenerateStream streams response tokens as they arrive from Ollama.
func (o *Ollama) GenerateStream(ctx context.Context, systemPrompt, userText string) (<-chan string, error) {
	return o.generateStream(ctx, systemPrompt, userText)
}

func (o *Ollama) generateStream(ctx context.Context, systemPrompt, userText string) (<-chan string, error) {
	sysPrompt := o.systemPrompt
	if systemPrompt != "" {
		sysPrompt = systemPrompt
	}

	reqBody := ollamaRequest{
		Model:  o.model,
		Stream: true,
		Options: ollamaOptions{
			NumPredict: o.maxTokens,
		},
		Messages: []ollamaMessage{
			{Role: "system", Content: sysPrompt},
			{Role: "user", Content: userText},
		},
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("llmprovider: marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/api/chat", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("llmprovider: create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, &retryableHTTPErr{err: fmt.Errorf("llmprovider: ollama request: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("llmprovider: ollama status %d: %s", resp.StatusCode, body)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			var chunk ollamaStreamChunk
			if json.Unmarshal(scanner.Bytes(), &chunk) != nil {
				continue
			}
			if chunk.Done {
				return
			}
			if chunk.Message.Content == "" {
				continue
			}
			select {
			case out <- chunk.Message.Content:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type retryableHTTPErr struct{ err error }

func (e *retryableHTTPErr) Error() string   { return e.err.Error() }
func (e *retryableHTTPErr) Unwrap() error   { return e.err }
func (e *retryableHTTPErr) Retryable() bool { return true }

type ollamaRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []ollamaMessage `json:"messages"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict"`
}

type ollamaStreamChunk struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}
