package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/livecritic/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestStereoToMono(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	got := bytesToSamples(audio.StereoToMono(stereo))
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_Clamping(t *testing.T) {
	stereo := samplesToBytes([]int16{32767, 32767})
	got := bytesToSamples(audio.StereoToMono(stereo))
	if len(got) != 1 || got[0] != 32767 {
		t.Errorf("got %v, want [32767]", got)
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, audio.OutputSampleRate, audio.OutputSampleRate)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_CaptureToOutput(t *testing.T) {
	// 4 samples at 16kHz → 6 samples at 24kHz (1.5x)
	pcm := samplesToBytes([]int16{1000, 2000, 3000, 4000})
	got := bytesToSamples(audio.ResampleMono16(pcm, audio.CaptureSampleRate, audio.OutputSampleRate))
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Errorf("sample %d (%d) decreased from %d on a rising ramp", i, got[i], got[i-1])
		}
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	// 6 samples at 48kHz → 3 samples at 24kHz
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	got := bytesToSamples(audio.ResampleMono16(pcm, 48000, audio.OutputSampleRate))
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
}

func TestResampleMono16_ZeroRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200})
	if out := audio.ResampleMono16(pcm, 0, audio.OutputSampleRate); len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero srcRate, got len %d", len(out))
	}
	if out := audio.ResampleMono16(pcm, audio.OutputSampleRate, 0); len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero dstRate, got len %d", len(out))
	}
	if out := audio.ResampleMono16(pcm, -1, audio.OutputSampleRate); len(out) != len(pcm) {
		t.Errorf("expected unchanged output for negative srcRate, got len %d", len(out))
	}
}
