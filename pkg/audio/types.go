// Package audio defines the audio data types and pure transforms shared by the
// livecritic capture and playback paths.
//
// The two directions use different formats:
//
//   - Capture: mono float32 samples at [CaptureSampleRate], grouped into
//     [Chunk] values of [ChunkSamples] samples and encoded into
//     [EncodedFrame] values (base64 little-endian int16 PCM) for the gateway.
//   - Playback: [InboundBlob] payloads received from the gateway are decoded by
//     a [Decoder] into [Buffer] values at [OutputSampleRate], mono.
//
// Everything in this package is synchronous and free of I/O; device access
// lives in audio/device and scheduling in audio/playback.
package audio

import "time"

const (
	// CaptureSampleRate is the microphone sample rate expected by the gateway.
	CaptureSampleRate = 16000

	// OutputSampleRate is the sample rate of every decoded [Buffer].
	OutputSampleRate = 24000

	// Channels is the channel count used in both directions.
	Channels = 1

	// ChunkSamples is the number of samples in a single capture [Chunk].
	ChunkSamples = 4096
)

// Chunk is a fixed-size block of mono float32 samples captured from the
// microphone. Chunks are ephemeral: the capture pipeline hands each one to the
// encoder immediately and does not retain it.
type Chunk struct {
	// Samples holds the captured samples in the range [-1.0, 1.0].
	Samples []float32

	// SampleRate in Hz. Always [CaptureSampleRate] for microphone chunks.
	SampleRate int

	// Seq is the capture order of this chunk, starting at 0 for each capture
	// session.
	Seq uint64
}

// Duration returns the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	return samplesDuration(len(c.Samples), c.SampleRate)
}

// Buffer is a block of decoded mono float32 samples at [OutputSampleRate],
// ready for playback. A Buffer is owned by the playback scheduler from the
// moment it is scheduled until its play window ends.
type Buffer struct {
	// Samples holds the decoded samples in the range [-1.0, 1.0].
	Samples []float32

	// SampleRate in Hz. Always [OutputSampleRate] for decoder output.
	SampleRate int

	// Channels is always 1.
	Channels int
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil {
		return 0
	}
	return samplesDuration(len(b.Samples), b.SampleRate)
}

func samplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
