package audio

import "fmt"

type Codec string

const (
	CodecPCM      Codec = "pcm"
	CodecG711Ulaw Codec = "g711_ulaw"
	CodecG711Alaw Codec = "g711_alaw"
	// CodecOpus decodes a single Opus packet, for a WebRTC-fed capture hook
	// variant instead of the default RTP/G.711 path. Each call creates its
	// own decoder, since this path carries one packet at a time and the
	// caller is expected to keep per-stream state if continuity matters.
	CodecOpus Codec = "opus"
)

// Decode converts encoded audio bytes to float32 PCM samples normalized to [-1, 1].
// Returns samples and the sample rate.
func Decode(data []byte, codec Codec, sampleRate int) ([]float32, int, error) {
	if codec == CodecPCM {
		return decodePCM(data), sampleRate, nil
	}

	if codec == CodecG711Ulaw {
		return decodeG711Ulaw(data), 8000, nil
	}

	if codec == CodecG711Alaw {
		return decodeG711Alaw(data), 8000, nil
	}

	if codec == CodecOpus {
		samples, err := decodeOpus(data, sampleRate)
		if err != nil {
			return nil, 0, err
		}
		return samples, sampleRate, nil
	}

	return nil, 0, fmt.Errorf("unsupported codec: %s", codec)
}
