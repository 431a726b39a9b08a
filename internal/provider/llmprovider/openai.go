package llmprovider

import (
	"context"
	"fmt"
	"time"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/openai/openai-go/v2/shared"

	"github.com/callbridge/media-bridge/internal/provider"
)

// OpenAIConfig configures the real-SDK OpenAI-compatible backend.
type OpenAIConfig struct {
	Name         string
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Breaker      provider.BreakerConfig
}

// OpenAI is a conversational-agent LLM provider backed by the official
// OpenAI Go SDK's chat completions streaming API.
type OpenAI struct {
	*provider.Base
	client       openai.Client
	model        string
	systemPrompt string
	maxTokens    int
}

// NewOpenAI constructs an OpenAI-backed LLM provider.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llmprovider: openai apiKey must not be empty")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{
		Base:         provider.NewBase(cfg.Name, cfg.Breaker),
		client:       openai.NewClient(opts...),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

func (o *OpenAI) Connect(ctx context.Context) error    { return nil }
func (o *OpenAI) Disconnect(ctx context.Context) error { return nil }

func (o *OpenAI) HealthCheck(ctx context.Context) (provider.Health, error) {
	start := time.Now()
	_, err := o.client.Models.List(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return provider.Health{Status: provider.HealthDown, LatencyMs: latency, Message: err.Error()}, nil
	}
	return provider.Health{Status: provider.HealthOK, LatencyMs: latency}, nil
}

func (o *OpenAI) Warmup(ctx context.Context) (int64, error) {
	start := time.Now()
	_, err := o.Generate(ctx, "", "hello")
	return time.Since(start).Milliseconds(), err
}

func (o *OpenAI) params(systemPrompt, userText string) openai.ChatCompletionNewParams {
	sysPrompt := o.systemPrompt
	if systemPrompt != "" {
		sysPrompt = systemPrompt
	}
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(sysPrompt),
			openai.UserMessage(userText),
		},
	}
	if o.maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(o.maxTokens))
	}
	return params
}

// Generate performs a single non-streaming chat completion.
func (o *OpenAI) Generate(ctx context.Context, systemPrompt, userText string) (string, error) {
	var reply string
	err := o.Call(ctx, func(ctx context.Context) error {
		resp, err := o.client.Chat.Completions.New(ctx, o.params(systemPrompt, userText))
		if err != nil {
			return fmt.Errorf("llmprovider: openai completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("llmprovider: openai returned no choices")
		}
		reply = resp.Choices[0].Message.Content
		return nil
	})
	return reply, err
}

// GenerateStream streams response tokens from OpenAI's chat completions API.
func (o *OpenAI) GenerateStream(ctx context.Context, systemPrompt, userText string) (<-chan string, error) {
	stream := o.client.Chat.Completions.NewStreaming(ctx, o.params(systemPrompt, userText))
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("llmprovider: openai stream start: %w", err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer stream.Close()
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			tok := chunk.Choices[0].Delta.Content
			if tok == "" {
				continue
			}
			select {
			case out <- tok:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
