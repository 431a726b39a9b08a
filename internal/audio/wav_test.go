package audio

import "testing"

func TestSamplesToWAVRoundTrip(t *testing.T) {
	samples := make([]float32, 160)
	for i := range samples {
		samples[i] = 0.25
	}

	wavBytes := SamplesToWAV(samples, 16000)
	if len(wavBytes) == 0 {
		t.Fatal("SamplesToWAV returned empty output")
	}

	decoded, rate, err := WAVToSamples(wavBytes)
	if err != nil {
		t.Fatalf("WAVToSamples: %v", err)
	}
	if rate != 16000 {
		t.Fatalf("sample rate = %d, want 16000", rate)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("decoded len = %d, want %d", len(decoded), len(samples))
	}
	for i, s := range decoded {
		diff := s - samples[i]
		if diff < 0 {
			diff = -diff
		}
		if diff > 0.001 {
			t.Fatalf("sample %d = %f, want ~%f", i, s, samples[i])
		}
	}
}
