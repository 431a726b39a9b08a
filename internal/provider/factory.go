package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// STT is the speech-to-text provider contract.
type STT interface {
	Provider
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (text string, err error)
}

// StreamingSTT is implemented by STT providers that can stream partial
// transcripts. No caller in this module uses TranscribeStream; speech is
// transcribed through the single-shot Transcribe.
type StreamingSTT interface {
	STT
	TranscribeStream(ctx context.Context, pcm <-chan []byte) (<-chan string, error)
}

// LLM is the text-generation provider contract.
type LLM interface {
	Provider
	Generate(ctx context.Context, systemPrompt, userText string) (reply string, err error)
}

// StreamingLLM is implemented by LLM providers that can stream tokens.
type StreamingLLM interface {
	LLM
	GenerateStream(ctx context.Context, systemPrompt, userText string) (<-chan string, error)
}

// TTS is the speech-synthesis provider contract.
type TTS interface {
	Provider
	Synthesize(ctx context.Context, text string) (pcm []byte, err error)
}

// StreamingTTS is implemented by TTS providers that can stream audio
// chunks as they become available.
type StreamingTTS interface {
	TTS
	SynthesizeStream(ctx context.Context, text string) (<-chan []byte, error)
}

// Factory constructs a concrete provider instance for a given config blob.
// The config type is provider-specific; adapters type-assert it.
type Factory func(cfg any) (Provider, error)

// Registry maps provider name -> kind -> factory. It panics on empty name,
// duplicate registration, or nil factory, mirroring the teacher's
// fail-fast provider-stub registration pattern.
type Registry struct {
	mu     sync.RWMutex
	byKind map[Kind]map[string]Factory
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{byKind: make(map[Kind]map[string]Factory)}
}

// Register adds a factory under (kind, name). Panics on empty name,
// duplicate registration, or a nil factory — these are programmer errors
// caught at init time, not runtime conditions to recover from.
func (r *Registry) Register(kind Kind, name string, f Factory) {
	if name == "" {
		panic("provider: cannot register with empty name")
	}
	if f == nil {
		panic(fmt.Sprintf("provider: nil factory for %s/%s", kind, name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byKind[kind] == nil {
		r.byKind[kind] = make(map[string]Factory)
	}
	if _, exists := r.byKind[kind][name]; exists {
		panic(fmt.Sprintf("provider: duplicate registration for %s/%s", kind, name))
	}
	r.byKind[kind][name] = f
}

// New resolves name under kind and constructs a provider with cfg.
func (r *Registry) New(kind Kind, name string, cfg any) (Provider, error) {
	r.mu.RLock()
	f, ok := r.byKind[kind][name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider: no %s provider registered as %q", kind, name)
	}
	return f(cfg)
}

// List returns the registered provider names for kind, sorted.
func (r *Registry) List(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byKind[kind]))
	for name := range r.byKind[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
