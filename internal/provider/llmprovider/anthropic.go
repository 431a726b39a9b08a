package llmprovider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/callbridge/media-bridge/internal/provider"
)

// AnthropicConfig configures the real-SDK Anthropic backend.
type AnthropicConfig struct {
	Name         string
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Breaker      provider.BreakerConfig
}

// Anthropic is a conversational-agent LLM provider backed by the official
// Anthropic Go SDK's Messages streaming API. It exercises the provider
// factory's variant dispatch with a second real LLM backend alongside
// Ollama and OpenAI.
type Anthropic struct {
	*provider.Base
	client       anthropic.Client
	model        string
	systemPrompt string
	maxTokens    int64
}

// NewAnthropic constructs an Anthropic-backed LLM provider.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llmprovider: anthropic apiKey must not be empty")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Anthropic{
		Base:         provider.NewBase(cfg.Name, cfg.Breaker),
		client:       anthropic.NewClient(opts...),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    maxTokens,
	}, nil
}

func (a *Anthropic) Connect(ctx context.Context) error    { return nil }
func (a *Anthropic) Disconnect(ctx context.Context) error { return nil }

func (a *Anthropic) HealthCheck(ctx context.Context) (provider.Health, error) {
	start := time.Now()
	_, err := a.Generate(ctx, "", "ping")
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return provider.Health{Status: provider.HealthDown, LatencyMs: latency, Message: err.Error()}, nil
	}
	return provider.Health{Status: provider.HealthOK, LatencyMs: latency}, nil
}

func (a *Anthropic) Warmup(ctx context.Context) (int64, error) {
	start := time.Now()
	_, err := a.Generate(ctx, "", "hello")
	return time.Since(start).Milliseconds(), err
}

func (a *Anthropic) params(systemPrompt, userText string) anthropic.MessageNewParams {
	sysPrompt := a.systemPrompt
	if systemPrompt != "" {
		sysPrompt = systemPrompt
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userText)),
		},
	}
	if sysPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: sysPrompt}}
	}
	return params
}

// Generate performs a single non-streaming message request.
func (a *Anthropic) Generate(ctx context.Context, systemPrompt, userText string) (string, error) {
	var reply string
	err := a.Call(ctx, func(ctx context.Context) error {
		resp, err := a.client.Messages.New(ctx, a.params(systemPrompt, userText))
		if err != nil {
			return fmt.Errorf("llmprovider: anthropic message: %w", err)
		}
		for _, block := range resp.Content {
			if text := block.Text; text != "" {
				reply += text
			}
		}
		return nil
	})
	return reply, err
}

// GenerateStream streams response text deltas from Anthropic's Messages API.
func (a *Anthropic) GenerateStream(ctx context.Context, systemPrompt, userText string) (<-chan string, error) {
	stream := a.client.Messages.NewStreaming(ctx, a.params(systemPrompt, userText))

	out := make(chan string)
	go func() {
		defer close(out)
		defer stream.Close()
		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			text := delta.Delta.Text
			if text == "" {
				continue
			}
			select {
			case out <- text:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			slog.Warn("llmprovider: anthropic stream ended with error", "error", err)
		}
	}()
	return out, nil
}
