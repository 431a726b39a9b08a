package llmprovider

import (
	"fmt"

	"github.com/callbridge/media-bridge/internal/provider"
)

// Register adds the ollama, openai, anthropic, and agent-sdk LLM factories to reg.
// Each factory expects the corresponding *Config type as its cfg argument.
func Register(reg *provider.Registry) {
	reg.Register(provider.KindLLM, "ollama", func(cfg any) (provider.Provider, error) {
		c, ok := cfg.(OllamaConfig)
		if !ok {
			return nil, fmt.Errorf("llmprovider: ollama factory expects OllamaConfig, got %T", cfg)
		}
		return NewOllama(c), nil
	})

	reg.Register(provider.KindLLM, "openai", func(cfg any) (provider.Provider, error) {
		c, ok := cfg.(OpenAIConfig)
		if !ok {
			return nil, fmt.Errorf("llmprovider: openai factory expects OpenAIConfig, got %T", cfg)
		}
		return NewOpenAI(c)
	})

	reg.Register(provider.KindLLM, "anthropic", func(cfg any) (provider.Provider, error) {
		c, ok := cfg.(AnthropicConfig)
		if !ok {
			return nil, fmt.Errorf("llmprovider: anthropic factory expects AnthropicConfig, got %T", cfg)
		}
		return NewAnthropic(c)
	})

	reg.Register(provider.KindLLM, "agent-sdk", func(cfg any) (provider.Provider, error) {
		c, ok := cfg.(AgentSDKConfig)
		if !ok {
			return nil, fmt.Errorf("llmprovider: agent-sdk factory expects AgentSDKConfig, got %T", cfg)
		}
		return NewAgentSDK(c)
	})
}
