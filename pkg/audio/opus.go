package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Inbound Opus is decoded straight to the playback format.
const (
	// opusMaxFrameSize is the largest frame an Opus packet can carry at
	// OutputSampleRate (120 ms).
	opusMaxFrameSize = OutputSampleRate * 120 / 1000
)

// opusDecoder wraps a gopus decoder for a single inbound stream. Opus decoding
// is stateful, so one decoder must see every packet of the stream in order.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(OutputSampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode decodes a single Opus packet into float32 samples.
func (d *opusDecoder) decode(packet []byte) ([]float32, error) {
	pcm, err := d.dec.Decode(packet, opusMaxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return int16sToFloat32(pcm), nil
}
