// Package conversation implements the streaming pipeline that overlaps LLM
// generation with TTS synthesis, the per-interaction latency budget, and
// the VAD-driven utterance buffer feeding STT.
package conversation

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

var sentenceSplitRE = regexp.MustCompile(`[.!?]+\s*`)

// AudioChunk pairs a synthesized audio chunk with the sentence it came
// from, the unit SentencePipeline.Process yields.
type AudioChunk struct {
	Sentence string
	Audio    []byte
}

// SentencePipelineConfig tunes the producer/consumer queue.
type SentencePipelineConfig struct {
	QueueSize       int           // default 3
	SentenceTimeout time.Duration // default 30s
}

// DefaultSentencePipelineConfig returns the spec's defaults.
func DefaultSentencePipelineConfig() SentencePipelineConfig {
	return SentencePipelineConfig{QueueSize: 3, SentenceTimeout: 30 * time.Second}
}

// StreamingLLM is the minimal LLM-streaming contract SentencePipeline
// needs; concrete adapters in provider/llmprovider satisfy it.
type StreamingLLM interface {
	GenerateStream(ctx context.Context, systemPrompt, userText string) (<-chan string, error)
}

// NonStreamingLLM is the single-shot fallback contract.
type NonStreamingLLM interface {
	Generate(ctx context.Context, systemPrompt, userText string) (string, error)
}

// StreamingTTS is the minimal TTS-streaming contract.
type StreamingTTS interface {
	SynthesizeStream(ctx context.Context, text string) (<-chan []byte, error)
}

// NonStreamingTTS is the single-shot fallback contract.
type NonStreamingTTS interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// SentencePipelineMetrics is recorded once per Process invocation.
type SentencePipelineMetrics struct {
	SentencesGenerated  int
	AudioChunksProduced int
	FirstAudioLatencyMs int64
	TotalLatencyMs      int64
}

// SentencePipeline overlaps LLM token generation with TTS synthesis: as
// soon as the LLM emits a complete sentence, that sentence starts
// synthesizing while the LLM keeps generating the next one.
type SentencePipeline struct {
	llm LLMPair
	tts TTSPair
	cfg SentencePipelineConfig
}

// LLMPair bundles the streaming and non-streaming LLM contracts; at least
// one must be non-nil.
type LLMPair struct {
	Streaming    StreamingLLM
	NonStreaming NonStreamingLLM
}

// TTSPair bundles the streaming and non-streaming TTS contracts.
type TTSPair struct {
	Streaming    StreamingTTS
	NonStreaming NonStreamingTTS
}

// NewSentencePipeline creates a pipeline over the given LLM/TTS pairs.
func NewSentencePipeline(llm LLMPair, tts TTSPair, cfg SentencePipelineConfig) *SentencePipeline {
	if cfg.QueueSize <= 0 {
		cfg = DefaultSentencePipelineConfig()
	}
	return &SentencePipeline{llm: llm, tts: tts, cfg: cfg}
}

// Process drives systemPrompt+userText through the LLM and TTS, yielding
// (sentence, audio) pairs on the returned channel as they become ready.
// The channel is closed when the response completes, when no sentence
// arrives within SentenceTimeout, or when ctx is cancelled. A caller that
// stops reading early cancels ctx, which also stops the producer.
func (p *SentencePipeline) Process(ctx context.Context, systemPrompt, userText string) (<-chan AudioChunk, *SentencePipelineMetrics, error) {
	metrics := &SentencePipelineMetrics{}

	if p.llm.Streaming == nil || p.tts.Streaming == nil {
		return p.singleShot(ctx, systemPrompt, userText, metrics)
	}

	tokens, err := p.llm.Streaming.GenerateStream(ctx, systemPrompt, userText)
	if err != nil {
		return nil, metrics, err
	}

	sentences := make(chan string, p.cfg.QueueSize)
	out := make(chan AudioChunk)
	start := time.Now()

	go p.produceSentences(ctx, tokens, sentences, metrics)
	go p.consumeSentences(ctx, sentences, out, metrics, start)

	return out, metrics, nil
}

func (p *SentencePipeline) produceSentences(ctx context.Context, tokens <-chan string, sentences chan<- string, metrics *SentencePipelineMetrics) {
	defer close(sentences) // sentinel: closing signals end, even on panic-free early return

	var buf strings.Builder
	for {
		select {
		case <-ctx.Done():
			return
		case tok, ok := <-tokens:
			if !ok {
				if rest := strings.TrimSpace(buf.String()); rest != "" {
					select {
					case sentences <- rest:
						metrics.SentencesGenerated++
					case <-ctx.Done():
					}
				}
				return
			}
			buf.WriteString(tok)
			p.drainCompleteSentences(ctx, &buf, sentences, metrics)
		}
	}
}

func (p *SentencePipeline) drainCompleteSentences(ctx context.Context, buf *strings.Builder, sentences chan<- string, metrics *SentencePipelineMetrics) {
	for {
		text := buf.String()
		loc := sentenceSplitRE.FindStringIndex(text)
		if loc == nil {
			return
		}
		sentence := strings.TrimSpace(text[:loc[1]])
		remainder := text[loc[1]:]
		buf.Reset()
		buf.WriteString(remainder)
		if sentence == "" {
			continue
		}
		select {
		case sentences <- sentence:
			metrics.SentencesGenerated++
		case <-ctx.Done():
			return
		}
	}
}

func (p *SentencePipeline) consumeSentences(ctx context.Context, sentences <-chan string, out chan<- AudioChunk, metrics *SentencePipelineMetrics, start time.Time) {
	defer close(out)

	first := true
	for {
		var sentence string
		var ok bool
		select {
		case sentence, ok = <-sentences:
		case <-time.After(p.cfg.SentenceTimeout):
			slog.Warn("conversation: sentence pipeline timed out waiting for next sentence")
			metrics.TotalLatencyMs = time.Since(start).Milliseconds()
			return
		case <-ctx.Done():
			return
		}
		if !ok {
			metrics.TotalLatencyMs = time.Since(start).Milliseconds()
			return
		}

		chunks, err := p.tts.Streaming.SynthesizeStream(ctx, sentence)
		if err != nil {
			slog.Warn("conversation: tts stream failed", "error", err)
			continue
		}
		for audio := range chunks {
			if first {
				metrics.FirstAudioLatencyMs = time.Since(start).Milliseconds()
				first = false
			}
			select {
			case out <- AudioChunk{Sentence: sentence, Audio: audio}:
				metrics.AudioChunksProduced++
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *SentencePipeline) singleShot(ctx context.Context, systemPrompt, userText string, metrics *SentencePipelineMetrics) (<-chan AudioChunk, *SentencePipelineMetrics, error) {
	start := time.Now()
	reply, err := p.llm.NonStreaming.Generate(ctx, systemPrompt, userText)
	if err != nil {
		return nil, metrics, err
	}
	audio, err := p.tts.NonStreaming.Synthesize(ctx, reply)
	if err != nil {
		return nil, metrics, err
	}

	out := make(chan AudioChunk, 1)
	out <- AudioChunk{Sentence: reply, Audio: audio}
	close(out)

	metrics.SentencesGenerated = 1
	metrics.AudioChunksProduced = 1
	metrics.FirstAudioLatencyMs = time.Since(start).Milliseconds()
	metrics.TotalLatencyMs = metrics.FirstAudioLatencyMs
	return out, metrics, nil
}
