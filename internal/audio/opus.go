package audio

import (
	"fmt"

	"github.com/hraban/opus"
)

// maxOpusFrameSamples covers the largest Opus frame duration (120ms) at the
// highest sample rate this package negotiates (48kHz), mono.
const maxOpusFrameSamples = 48000 * 120 / 1000

// decodeOpus decodes a single mono Opus packet into normalized float32 PCM.
// A fresh decoder per call means no cross-packet prediction state survives
// between calls; callers that need that continuity should decode a whole
// stream through one *opus.Decoder directly instead of through Decode.
func decodeOpus(data []byte, sampleRate int) ([]float32, error) {
	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}

	pcm := make([]float32, maxOpusFrameSamples)
	n, err := dec.DecodeFloat32(data, pcm)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return pcm[:n], nil
}
