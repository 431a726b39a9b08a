package asp

import (
	"github.com/callbridge/media-bridge/internal/session"
)

// NegotiationResult is the outcome of matching a requested configuration
// against server capabilities.
type NegotiationResult struct {
	Status      SessionStatus
	Negotiated  session.AudioConfig
	VAD         session.VADConfig
	Adjustments []Adjustment
	Errors      []string
}

// VADBounds is the server's acceptable numeric range per VAD field, used to
// clamp out-of-range requests rather than reject them.
type VADBounds struct {
	MinSilenceThresholdMs, MaxSilenceThresholdMs int
	MinSpeechMs, MaxSpeechMs                     int
	MinThreshold, MaxThreshold                   float64
	MinRingBufferFrames, MaxRingBufferFrames     int
	MinSpeechRatio, MaxSpeechRatio               float64
	MinPrefixPaddingMs, MaxPrefixPaddingMs       int
}

// DefaultVADBounds mirrors the defaults the media bridge advertises.
func DefaultVADBounds() VADBounds {
	return VADBounds{
		MinSilenceThresholdMs: 100, MaxSilenceThresholdMs: 5000,
		MinSpeechMs: 50, MaxSpeechMs: 5000,
		MinThreshold: 0, MaxThreshold: 1,
		MinRingBufferFrames: 3, MaxRingBufferFrames: 10,
		MinSpeechRatio: 0.2, MaxSpeechRatio: 0.8,
		MinPrefixPaddingMs: 0, MaxPrefixPaddingMs: 500,
	}
}

// Negotiate applies the closest-supported-value algorithm: for each
// requested audio field not in the advertised capability set, substitute
// the closest supported value and record an Adjustment; VAD numeric fields
// out of bounds are clamped to the nearest bound. The server is the source
// of truth — a client requesting an unsupported parameter gets a working
// session with a transparent record of what changed, not a handshake
// failure, unless no reasonable value exists for a mandatory field.
func Negotiate(caps Capabilities, reqAudio session.AudioConfig, reqVAD session.VADConfig, bounds VADBounds) NegotiationResult {
	var adjustments []Adjustment

	audio := reqAudio

	if !containsInt(caps.SupportedSampleRates, reqAudio.SampleRate) {
		if len(caps.SupportedSampleRates) == 0 {
			return rejected("no supported sample rates advertised")
		}
		closest := closestInt(caps.SupportedSampleRates, reqAudio.SampleRate)
		adjustments = append(adjustments, Adjustment{
			Field: "audio.sample_rate", Requested: reqAudio.SampleRate, Applied: closest,
			Reason: "requested sample rate not supported, substituted closest",
		})
		audio.SampleRate = closest
	}

	if !containsString(caps.SupportedEncodings, reqAudio.Encoding) {
		if len(caps.SupportedEncodings) == 0 {
			return rejected("no supported encodings advertised")
		}
		first := caps.SupportedEncodings[0]
		adjustments = append(adjustments, Adjustment{
			Field: "audio.encoding", Requested: reqAudio.Encoding, Applied: first,
			Reason: "requested encoding not supported, substituted first advertised",
		})
		audio.Encoding = first
	}

	if !containsInt(caps.SupportedFrameDurations, reqAudio.FrameDurationMs) {
		if len(caps.SupportedFrameDurations) == 0 {
			return rejected("no supported frame durations advertised")
		}
		applied := preferOr20(caps.SupportedFrameDurations)
		adjustments = append(adjustments, Adjustment{
			Field: "audio.frame_duration_ms", Requested: reqAudio.FrameDurationMs, Applied: applied,
			Reason: "requested frame duration not supported, preferred 20ms else first advertised",
		})
		audio.FrameDurationMs = applied
	}

	if reqAudio.Channels != 1 {
		adjustments = append(adjustments, Adjustment{
			Field: "audio.channels", Requested: reqAudio.Channels, Applied: 1,
			Reason: "only mono is supported, forced to 1",
		})
		audio.Channels = 1
	}

	vad := reqVAD
	if v, adj, ok := clampInt(reqVAD.SilenceThresholdMs, bounds.MinSilenceThresholdMs, bounds.MaxSilenceThresholdMs, "vad.silence_threshold_ms"); ok {
		vad.SilenceThresholdMs = v
		adjustments = append(adjustments, adj)
	}
	if v, adj, ok := clampInt(reqVAD.MinSpeechMs, bounds.MinSpeechMs, bounds.MaxSpeechMs, "vad.min_speech_ms"); ok {
		vad.MinSpeechMs = v
		adjustments = append(adjustments, adj)
	}
	if v, adj, ok := clampFloat(reqVAD.Threshold, bounds.MinThreshold, bounds.MaxThreshold, "vad.threshold"); ok {
		vad.Threshold = v
		adjustments = append(adjustments, adj)
	}
	if v, adj, ok := clampInt(reqVAD.RingBufferFrames, bounds.MinRingBufferFrames, bounds.MaxRingBufferFrames, "vad.ring_buffer_frames"); ok {
		vad.RingBufferFrames = v
		adjustments = append(adjustments, adj)
	}
	if v, adj, ok := clampFloat(reqVAD.SpeechRatio, bounds.MinSpeechRatio, bounds.MaxSpeechRatio, "vad.speech_ratio"); ok {
		vad.SpeechRatio = v
		adjustments = append(adjustments, adj)
	}
	if v, adj, ok := clampInt(reqVAD.PrefixPaddingMs, bounds.MinPrefixPaddingMs, bounds.MaxPrefixPaddingMs, "vad.prefix_padding_ms"); ok {
		vad.PrefixPaddingMs = v
		adjustments = append(adjustments, adj)
	}

	status := StatusAccepted
	if len(adjustments) > 0 {
		status = StatusAcceptedWithChanges
	}
	return NegotiationResult{
		Status:      status,
		Negotiated:  audio,
		VAD:         vad,
		Adjustments: adjustments,
	}
}

func rejected(reason string) NegotiationResult {
	return NegotiationResult{Status: StatusRejected, Errors: []string{reason}}
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func closestInt(candidates []int, target int) int {
	best := candidates[0]
	bestDist := abs(best - target)
	for _, c := range candidates[1:] {
		if d := abs(c - target); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func preferOr20(candidates []int) int {
	if containsInt(candidates, 20) {
		return 20
	}
	return candidates[0]
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func clampInt(v, min, max int, field string) (int, Adjustment, bool) {
	if v >= min && v <= max {
		return v, Adjustment{}, false
	}
	applied := v
	if v < min {
		applied = min
	} else if v > max {
		applied = max
	}
	return applied, Adjustment{
		Field: field, Requested: v, Applied: applied, Reason: "out of range, clamped to nearest bound",
	}, true
}

func clampFloat(v, min, max float64, field string) (float64, Adjustment, bool) {
	if v >= min && v <= max {
		return v, Adjustment{}, false
	}
	applied := v
	if v < min {
		applied = min
	} else if v > max {
		applied = max
	}
	return applied, Adjustment{
		Field: field, Requested: v, Applied: applied, Reason: "out of range, clamped to nearest bound",
	}, true
}
