package audio

import (
	"encoding/base64"
	"math"
	"strconv"
)

// EncodePCM16 converts float32 samples to little-endian int16 PCM. Samples are
// clamped to [-1.0, 1.0]; positive values scale by 32767 and negative values
// by 32768 (rounded to nearest) so both ends of the range map onto the full
// int16 range. The output holds exactly two bytes per input sample.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		var s int16
		switch {
		case f >= 1:
			s = 32767
		case f <= -1:
			s = -32768
		case f < 0:
			s = int16(math.Round(float64(f) * 32768))
		default:
			s = int16(math.Round(float64(f) * 32767))
		}
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// DecodePCM16 converts little-endian int16 PCM to float32 samples in
// [-1.0, 1.0). A trailing odd byte is ignored; callers that must reject odd
// input check the length themselves.
func DecodePCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768
	}
	return out
}

// int16sToFloat32 converts raw int16 samples (as produced by an Opus decoder)
// to float32 samples.
func int16sToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768
	}
	return out
}

// EncodedFrame is a [Chunk] in wire form: base64 little-endian int16 PCM with
// its MIME descriptor. The session bridge owns a frame only while it is queued
// for sending.
type EncodedFrame struct {
	// MIMEType describes the payload, e.g. "audio/pcm;rate=16000".
	MIMEType string

	// Data is the standard base64 encoding of the PCM payload.
	Data string

	// Seq is copied from the source chunk and preserves capture order.
	Seq uint64
}

// PCMMIMEType returns the MIME descriptor for raw PCM at rate Hz.
func PCMMIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// EncodeChunk encodes c for transport. It is a pure transform; a chunk with no
// sample rate is treated as [CaptureSampleRate].
func EncodeChunk(c Chunk) EncodedFrame {
	rate := c.SampleRate
	if rate <= 0 {
		rate = CaptureSampleRate
	}
	return EncodedFrame{
		MIMEType: PCMMIMEType(rate),
		Data:     base64.StdEncoding.EncodeToString(EncodePCM16(c.Samples)),
		Seq:      c.Seq,
	}
}
