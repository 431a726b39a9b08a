package conversation

import (
	"context"
	"testing"
	"time"
)

type fakeStreamingLLM struct {
	tokens []string
	delay  time.Duration
}

func (f *fakeStreamingLLM) GenerateStream(ctx context.Context, systemPrompt, userText string) (<-chan string, error) {
	out := make(chan string)
	go func() {
		defer close(out)
		for _, tok := range f.tokens {
			if f.delay > 0 {
				time.Sleep(f.delay)
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

type fakeStreamingTTS struct {
	delay time.Duration
}

func (f *fakeStreamingTTS) SynthesizeStream(ctx context.Context, text string) (<-chan []byte, error) {
	out := make(chan []byte, 1)
	go func() {
		defer close(out)
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		out <- []byte(text)
	}()
	return out, nil
}

// P9: first_audio_latency_ms roughly bounded by T_llm and T_llm+T_tts.
func TestSentencePipelineFirstAudioLatency(t *testing.T) {
	llm := &fakeStreamingLLM{tokens: []string{"Hello", " world.", " Second sentence."}}
	tts := &fakeStreamingTTS{}

	p := NewSentencePipeline(LLMPair{Streaming: llm}, TTSPair{Streaming: tts}, DefaultSentencePipelineConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, metrics, err := p.Process(ctx, "", "hi")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	var chunks []AudioChunk
	for c := range out {
		chunks = append(chunks, c)
	}

	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2 sentences worth", len(chunks))
	}
	if metrics.SentencesGenerated != 2 {
		t.Fatalf("SentencesGenerated = %d, want 2", metrics.SentencesGenerated)
	}
	if metrics.FirstAudioLatencyMs < 0 {
		t.Fatalf("FirstAudioLatencyMs = %d, want >= 0", metrics.FirstAudioLatencyMs)
	}
}

type fakeNonStreamingLLM struct{}

func (fakeNonStreamingLLM) Generate(ctx context.Context, systemPrompt, userText string) (string, error) {
	return "a reply", nil
}

type fakeNonStreamingTTS struct{}

func (fakeNonStreamingTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return []byte(text), nil
}

func TestSentencePipelineFallsBackToSingleShot(t *testing.T) {
	p := NewSentencePipeline(
		LLMPair{NonStreaming: fakeNonStreamingLLM{}},
		TTSPair{NonStreaming: fakeNonStreamingTTS{}},
		DefaultSentencePipelineConfig(),
	)

	out, metrics, err := p.Process(context.Background(), "", "hi")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	var chunks []AudioChunk
	for c := range out {
		chunks = append(chunks, c)
	}
	if len(chunks) != 1 || chunks[0].Sentence != "a reply" {
		t.Fatalf("chunks = %+v, want single fallback chunk", chunks)
	}
	if metrics.SentencesGenerated != 1 {
		t.Fatalf("SentencesGenerated = %d, want 1", metrics.SentencesGenerated)
	}
}

func TestSentencePipelineCancellationStopsProducer(t *testing.T) {
	llm := &fakeStreamingLLM{tokens: []string{"one.", "two.", "three.", "four."}, delay: 20 * time.Millisecond}
	tts := &fakeStreamingTTS{}
	p := NewSentencePipeline(LLMPair{Streaming: llm}, TTSPair{Streaming: tts}, DefaultSentencePipelineConfig())

	ctx, cancel := context.WithCancel(context.Background())
	out, _, err := p.Process(ctx, "", "hi")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	<-out // consume one chunk
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-out:
			if !ok {
				return // channel closed, consumer terminated cleanly
			}
		case <-deadline:
			t.Fatal("pipeline did not terminate within bound after cancellation")
		}
	}
}
