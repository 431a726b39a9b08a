package asp

import (
	"testing"

	"github.com/callbridge/media-bridge/internal/session"
)

func testCaps() Capabilities {
	return Capabilities{
		Version:                 "1.0",
		SupportedSampleRates:    []int{8000, 16000},
		SupportedEncodings:      []string{"pcm_s16le"},
		SupportedFrameDurations: []int{10, 20, 30},
	}
}

// S1: capability downgrade.
func TestNegotiateSampleRateDowngrade(t *testing.T) {
	req := session.AudioConfig{SampleRate: 24000, Encoding: "pcm_s16le", Channels: 1, FrameDurationMs: 20}
	vad := session.VADConfig{
		SilenceThresholdMs: 500, MinSpeechMs: 250, Threshold: 0.5,
		RingBufferFrames: 5, SpeechRatio: 0.5, PrefixPaddingMs: 100,
	}
	result := Negotiate(testCaps(), req, vad, DefaultVADBounds())

	if result.Status != StatusAcceptedWithChanges {
		t.Fatalf("status = %v, want accepted_with_changes", result.Status)
	}
	if result.Negotiated.SampleRate != 16000 {
		t.Fatalf("negotiated sample rate = %d, want 16000", result.Negotiated.SampleRate)
	}
	if len(result.Adjustments) != 1 {
		t.Fatalf("adjustments = %+v, want exactly 1", result.Adjustments)
	}
	adj := result.Adjustments[0]
	if adj.Field != "audio.sample_rate" || adj.Requested != 24000 || adj.Applied != 16000 {
		t.Fatalf("adjustment = %+v, want sample_rate 24000->16000", adj)
	}
}

// S2: VAD clamp.
func TestNegotiateVADClamp(t *testing.T) {
	req := session.AudioConfig{SampleRate: 8000, Encoding: "pcm_s16le", Channels: 1, FrameDurationMs: 20}
	vad := session.VADConfig{
		SilenceThresholdMs: 50, MinSpeechMs: 250, Threshold: 0.5,
		RingBufferFrames: 5, SpeechRatio: 0.5, PrefixPaddingMs: 100,
	}
	result := Negotiate(testCaps(), req, vad, DefaultVADBounds())

	if result.VAD.SilenceThresholdMs != 100 {
		t.Fatalf("clamped silence_threshold_ms = %d, want 100", result.VAD.SilenceThresholdMs)
	}
	found := false
	for _, a := range result.Adjustments {
		if a.Field == "vad.silence_threshold_ms" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected one adjustment for vad.silence_threshold_ms, got %+v", result.Adjustments)
	}
}

// S2b: the three extended VAD fields clamp the same way as the original
// three.
func TestNegotiateVADClampExtendedFields(t *testing.T) {
	req := session.AudioConfig{SampleRate: 8000, Encoding: "pcm_s16le", Channels: 1, FrameDurationMs: 20}
	vad := session.VADConfig{
		SilenceThresholdMs: 500, MinSpeechMs: 250, Threshold: 0.5,
		RingBufferFrames: 500, SpeechRatio: 5, PrefixPaddingMs: 5000,
	}
	result := Negotiate(testCaps(), req, vad, DefaultVADBounds())

	if result.VAD.RingBufferFrames != 10 {
		t.Fatalf("clamped ring_buffer_frames = %d, want 10", result.VAD.RingBufferFrames)
	}
	if result.VAD.SpeechRatio != 0.8 {
		t.Fatalf("clamped speech_ratio = %v, want 0.8", result.VAD.SpeechRatio)
	}
	if result.VAD.PrefixPaddingMs != 500 {
		t.Fatalf("clamped prefix_padding_ms = %d, want 500", result.VAD.PrefixPaddingMs)
	}

	wantFields := map[string]bool{"vad.ring_buffer_frames": false, "vad.speech_ratio": false, "vad.prefix_padding_ms": false}
	for _, a := range result.Adjustments {
		if _, ok := wantFields[a.Field]; ok {
			wantFields[a.Field] = true
		}
	}
	for field, found := range wantFields {
		if !found {
			t.Fatalf("expected an adjustment for %s, got %+v", field, result.Adjustments)
		}
	}
}

// P5: negotiation idempotence.
func TestNegotiateIdempotent(t *testing.T) {
	caps := testCaps()
	req := session.AudioConfig{SampleRate: 24000, Encoding: "opus", Channels: 2, FrameDurationMs: 5}
	vad := session.VADConfig{SilenceThresholdMs: 50, MinSpeechMs: 10, Threshold: 2}

	first := Negotiate(caps, req, vad, DefaultVADBounds())
	second := Negotiate(caps, first.Negotiated, first.VAD, DefaultVADBounds())

	if len(second.Adjustments) != 0 {
		t.Fatalf("re-negotiating an already-negotiated config produced adjustments: %+v", second.Adjustments)
	}
}

func TestNegotiateRejectsWithNoCapabilities(t *testing.T) {
	req := session.AudioConfig{SampleRate: 8000, Encoding: "pcm_s16le", Channels: 1, FrameDurationMs: 20}
	result := Negotiate(Capabilities{}, req, session.VADConfig{}, DefaultVADBounds())
	if result.Status != StatusRejected {
		t.Fatalf("status = %v, want rejected when no sample rates are advertised", result.Status)
	}
}
