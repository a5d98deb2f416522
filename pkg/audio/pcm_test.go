package audio_test

import (
	"encoding/base64"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/livecritic/pkg/audio"
)

const quantum = 1.0 / 32768

func TestEncodePCM16_RoundTrip(t *testing.T) {
	in := []float32{0.0, 0.5, -0.5, 1.0, -1.0}
	pcm := audio.EncodePCM16(in)
	if len(pcm) != len(in)*2 {
		t.Fatalf("len(pcm) = %d, want %d", len(pcm), len(in)*2)
	}
	out := audio.DecodePCM16(pcm)
	if len(out) != len(in) {
		t.Fatalf("decoded %d samples, want %d", len(out), len(in))
	}
	for i := range in {
		if diff := math.Abs(float64(out[i] - in[i])); diff > quantum+1e-9 {
			t.Errorf("sample %d: got %v, want %v (diff %g > %g)", i, out[i], in[i], diff, quantum)
		}
	}
}

func TestEncodePCM16_Extremes(t *testing.T) {
	got := bytesToSamples(audio.EncodePCM16([]float32{1.0, -1.0, 0}))
	want := []int16{32767, -32768, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestEncodePCM16_Clamps(t *testing.T) {
	got := bytesToSamples(audio.EncodePCM16([]float32{1.7, -3.2}))
	if got[0] != 32767 || got[1] != -32768 {
		t.Errorf("got %v, want [32767 -32768]", got)
	}
}

func TestEncodePCM16_LittleEndian(t *testing.T) {
	pcm := audio.EncodePCM16([]float32{-1.0})
	// -32768 = 0x8000 → low byte first.
	if pcm[0] != 0x00 || pcm[1] != 0x80 {
		t.Errorf("bytes = %#v, want [0x00 0x80]", pcm)
	}
}

func TestEncodeChunk(t *testing.T) {
	c := audio.Chunk{
		Samples:    make([]float32, audio.ChunkSamples),
		SampleRate: audio.CaptureSampleRate,
		Seq:        7,
	}
	c.Samples[0] = 0.25

	f := audio.EncodeChunk(c)
	if f.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q, want audio/pcm;rate=16000", f.MIMEType)
	}
	if f.Seq != 7 {
		t.Errorf("Seq = %d, want 7", f.Seq)
	}
	raw, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		t.Fatalf("Data is not base64: %v", err)
	}
	if len(raw) != audio.ChunkSamples*2 {
		t.Errorf("payload = %d bytes, want %d", len(raw), audio.ChunkSamples*2)
	}
	if got := audio.DecodePCM16(raw[:2])[0]; math.Abs(float64(got)-0.25) > quantum {
		t.Errorf("first sample = %v, want ~0.25", got)
	}
}

func TestEncodeChunk_DefaultRate(t *testing.T) {
	f := audio.EncodeChunk(audio.Chunk{Samples: []float32{0}})
	if f.MIMEType != audio.PCMMIMEType(audio.CaptureSampleRate) {
		t.Errorf("MIMEType = %q", f.MIMEType)
	}
}

func TestChunkDuration(t *testing.T) {
	c := audio.Chunk{Samples: make([]float32, audio.ChunkSamples), SampleRate: audio.CaptureSampleRate}
	if got, want := c.Duration(), 256*time.Millisecond; got != want {
		t.Errorf("Duration = %v, want %v", got, want)
	}
}

func TestRMS(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	if got := audio.RMS([]float32{0.5, -0.5, 0.5, -0.5}); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS = %v, want 0.5", got)
	}
}
