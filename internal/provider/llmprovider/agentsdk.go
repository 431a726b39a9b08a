package llmprovider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/callbridge/media-bridge/internal/provider"
)

// AgentSDKConfig configures an LLM backend routed through the
// openai-agents-go SDK's model-provider abstraction rather than a
// hand-rolled HTTP client. UseResponses selects the OpenAI Responses API
// over plain chat completions; self-hosted OpenAI-compatible backends
// (Ollama among them) generally want it false.
type AgentSDKConfig struct {
	Name         string
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	MaxTokens    int
	UseResponses bool
	Breaker      provider.BreakerConfig
}

// AgentSDK is a conversational-agent LLM provider that runs every turn
// through a single-turn agents.Runner, the same construction the upstream
// gateway uses to route between self-hosted and vendor-hosted backends
// behind one interface.
type AgentSDK struct {
	*provider.Base
	modelProvider agents.ModelProvider
	model         string
	systemPrompt  string
	maxTokens     int
}

// NewAgentSDK constructs an AgentSDK-backed LLM provider.
func NewAgentSDK(cfg AgentSDKConfig) (*AgentSDK, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llmprovider: agentsdk baseURL must not be empty")
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "unused"
	}
	mp := agents.NewOpenAIProvider(agents.OpenAIProviderParams{
		BaseURL:      param.NewOpt(cfg.BaseURL),
		APIKey:       param.NewOpt(apiKey),
		UseResponses: param.NewOpt(cfg.UseResponses),
	})
	return &AgentSDK{
		Base:          provider.NewBase(cfg.Name, cfg.Breaker),
		modelProvider: mp,
		model:         cfg.Model,
		systemPrompt:  cfg.SystemPrompt,
		maxTokens:     cfg.MaxTokens,
	}, nil
}

func (a *AgentSDK) Connect(ctx context.Context) error    { return nil }
func (a *AgentSDK) Disconnect(ctx context.Context) error { return nil }

func (a *AgentSDK) HealthCheck(ctx context.Context) (provider.Health, error) {
	start := time.Now()
	_, err := a.Generate(ctx, a.systemPrompt, "ping")
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return provider.Health{Status: provider.HealthDown, LatencyMs: latency, Message: err.Error()}, nil
	}
	return provider.Health{Status: provider.HealthOK, LatencyMs: latency}, nil
}

func (a *AgentSDK) Warmup(ctx context.Context) (int64, error) {
	start := time.Now()
	_, err := a.Generate(ctx, a.systemPrompt, "hello")
	return time.Since(start).Milliseconds(), err
}

func (a *AgentSDK) agent(systemPrompt string) *agents.Agent {
	sys := a.systemPrompt
	if systemPrompt != "" {
		sys = systemPrompt
	}
	return agents.New("assistant").
		WithInstructions(sys).
		WithModel(a.model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(a.maxTokens)),
		})
}

func (a *AgentSDK) runner() agents.Runner {
	return agents.Runner{Config: agents.RunConfig{
		ModelProvider:   a.modelProvider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}
}

// Generate runs a single non-streaming turn, draining the token stream
// internally and joining it into the full reply.
func (a *AgentSDK) Generate(ctx context.Context, systemPrompt, userText string) (string, error) {
	var reply string
	err := a.Call(ctx, func(ctx context.Context) error {
		tokens, err := a.GenerateStream(ctx, systemPrompt, userText)
		if err != nil {
			return err
		}
		var buf strings.Builder
		for tok := range tokens {
			buf.WriteString(tok)
		}
		reply = buf.String()
		return nil
	})
	return reply, err
}

// GenerateStream runs one agent turn and streams output-text deltas as they
// arrive, mirroring the upstream gateway's raw-event filtering.
func (a *AgentSDK) GenerateStream(ctx context.Context, systemPrompt, userText string) (<-chan string, error) {
	runner := a.runner()
	events, errCh, err := runner.RunStreamedChan(ctx, a.agent(systemPrompt), userText)
	if err != nil {
		return nil, fmt.Errorf("llmprovider: agentsdk stream start: %w", err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		for ev := range events {
			tok, ok := extractDelta(ev)
			if !ok {
				continue
			}
			select {
			case out <- tok:
			case <-ctx.Done():
				return
			}
		}
		<-errCh
	}()
	return out, nil
}

func extractDelta(ev agents.StreamEvent) (string, bool) {
	raw, ok := ev.(agents.RawResponsesStreamEvent)
	if !ok {
		return "", false
	}
	if raw.Data.Type != "response.output_text.delta" {
		return "", false
	}
	return raw.Data.Delta, true
}
