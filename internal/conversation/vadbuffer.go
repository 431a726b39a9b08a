package conversation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/callbridge/media-bridge/internal/audio"
	"github.com/callbridge/media-bridge/internal/denoise"
)

// UtteranceBufferConfig tunes either VAD mode.
type UtteranceBufferConfig struct {
	External           bool
	SilenceThresholdMs int
	MinSpeechMs        int
	MaxBufferBytes     int // external mode only: retain-most-recent-N bound
	Denoise            bool
}

// UtteranceBuffer accumulates caller audio into an utterance suitable for
// STT, either by running its own VAD (internal mode) or by accumulating
// raw PCM until an upstream signal marks end-of-speech (external mode).
type UtteranceBuffer struct {
	cfg      UtteranceBufferConfig
	vad      *audio.VAD
	denoiser *denoise.Denoiser

	mu              sync.Mutex
	externalBuf     []byte
	truncationCount int
}

// NewUtteranceBuffer creates a buffer. In internal mode it owns a VAD
// instance built from cfg; in external mode it just accumulates PCM. When
// cfg.Denoise is set, internal mode runs caller audio through RNNoise
// before handing it to the VAD, which keeps noisy telephony lines from
// miscalibrating the energy-based noise floor.
func NewUtteranceBuffer(cfg UtteranceBufferConfig, vadCfg audio.VADConfig) *UtteranceBuffer {
	b := &UtteranceBuffer{cfg: cfg}
	if !cfg.External {
		vadCfg.SilenceTimeout = time.Duration(cfg.SilenceThresholdMs) * time.Millisecond
		vadCfg.MinSpeechDuration = time.Duration(cfg.MinSpeechMs) * time.Millisecond
		b.vad = audio.NewVAD(vadCfg)
		if cfg.Denoise {
			b.denoiser = denoise.New()
		}
	}
	return b
}

// PushInternal feeds one frame of samples through the internal VAD. It
// returns the completed utterance PCM and true when an utterance closes
// with sufficient speech duration; otherwise ok is false.
func (b *UtteranceBuffer) PushInternal(samples []float32) (utterance []float32, ok bool) {
	if b.vad == nil {
		panic("conversation: PushInternal called on an external-mode buffer")
	}
	if b.denoiser != nil {
		samples = b.denoiser.Denoise(samples)
	}
	result := b.vad.Process(samples)
	if result.SpeechEnded {
		return result.Audio, true
	}
	return nil, false
}

// Close releases the denoiser's C-side state, if one was allocated.
func (b *UtteranceBuffer) Close() {
	if b.denoiser != nil {
		b.denoiser.Close()
	}
}

// PushExternal accumulates raw PCM in external-VAD mode, applying a
// discard-oldest backpressure policy when MaxBufferBytes is exceeded.
func (b *UtteranceBuffer) PushExternal(pcm []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.externalBuf = append(b.externalBuf, pcm...)
	if b.cfg.MaxBufferBytes <= 0 || len(b.externalBuf) <= b.cfg.MaxBufferBytes {
		return
	}

	excess := len(b.externalBuf) - b.cfg.MaxBufferBytes
	b.externalBuf = b.externalBuf[excess:]
	b.truncationCount++
	if b.truncationCount <= 3 || b.truncationCount%50 == 0 {
		slog.Warn("conversation: external VAD buffer truncated", "count", b.truncationCount, "discarded_bytes", excess)
	}
}

// FlushExternal returns and atomically clears the accumulated buffer, for
// use when the upstream signals end-of-speech.
func (b *UtteranceBuffer) FlushExternal() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.externalBuf
	b.externalBuf = nil
	return out
}
