package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// sliceWriteSeeker adapts a growable byte slice to io.WriteSeeker, which
// go-audio/wav.Encoder requires so it can back-patch the RIFF/data chunk
// sizes after writing.
type sliceWriteSeeker struct {
	buf []byte
	pos int
}

func (s *sliceWriteSeeker) Write(p []byte) (int, error) {
	end := s.pos + len(p)
	if end > len(s.buf) {
		grown := make([]byte, end)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[s.pos:end], p)
	s.pos = end
	return len(p), nil
}

func (s *sliceWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var base int
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = s.pos
	case io.SeekEnd:
		base = len(s.buf)
	default:
		return 0, fmt.Errorf("audio: invalid whence %d", whence)
	}
	newPos := base + int(offset)
	if newPos < 0 {
		return 0, errors.New("audio: negative seek position")
	}
	s.pos = newPos
	return int64(newPos), nil
}

// SamplesToWAV encodes float32 mono PCM samples as a WAV container via
// go-audio/wav, used for ASR request bodies and recorded comfort-noise or
// silence clips.
func SamplesToWAV(samples []float32, sampleRate int) []byte {
	sw := &sliceWriteSeeker{}
	enc := wav.NewEncoder(sw, sampleRate, 16, 1, 1)

	ints := make([]int, len(samples))
	for i, s := range samples {
		clamped := max(float32(-1.0), min(float32(1.0), s))
		ints[i] = int(clamped * math.MaxInt16)
	}

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           ints,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return nil
	}
	if err := enc.Close(); err != nil {
		return nil
	}
	return sw.buf
}

// WAVToSamples decodes a WAV byte slice back to float32 mono PCM samples,
// the inverse of SamplesToWAV, used when reading provider responses that
// return WAV-wrapped audio.
func WAVToSamples(data []byte) ([]float32, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("audio: decode wav: %w", err)
	}
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / math.MaxInt16
	}
	return samples, buf.Format.SampleRate, nil
}
