package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strconv"
	"sync"
)

// ErrDecode is wrapped by every error returned from [Decoder.Decode]. A decode
// failure drops a single utterance segment; it is never fatal to a session.
var ErrDecode = errors.New("audio: decode")

// InboundBlob is one encoded audio segment received from the gateway. It is
// immutable once received.
type InboundBlob struct {
	// MIMEType describes the payload, e.g. "audio/pcm;rate=24000".
	MIMEType string

	// Data is the standard base64 encoding of the payload.
	Data string
}

// Decoder turns [InboundBlob] values into [Buffer] values at
// [OutputSampleRate], mono.
//
// Supported payloads:
//
//   - audio/pcm: little-endian int16 PCM. The "rate" parameter defaults to
//     [OutputSampleRate] and the "channels" parameter to 1; other rates are
//     resampled and stereo is downmixed.
//   - audio/L16: the same, in network byte order (RFC 2586).
//   - audio/opus: a single Opus packet.
//
// A Decoder keeps Opus state between packets of the same stream. Create one
// per session; it is not safe for concurrent use.
type Decoder struct {
	opus *opusDecoder

	warnedMismatch sync.Once
}

// NewDecoder returns a ready-to-use Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decodes blob. All failures wrap [ErrDecode].
func (d *Decoder) Decode(blob InboundBlob) (*Buffer, error) {
	if blob.Data == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	mediaType, params, err := mime.ParseMediaType(blob.MIMEType)
	if err != nil {
		return nil, fmt.Errorf("%w: mime type %q: %v", ErrDecode, blob.MIMEType, err)
	}
	raw, err := base64.StdEncoding.DecodeString(blob.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecode, err)
	}

	switch mediaType {
	case "audio/pcm":
		return d.decodePCM(raw, params)
	case "audio/l16":
		if len(raw)%2 == 0 {
			swapBytes16(raw)
		}
		return d.decodePCM(raw, params)
	case "audio/opus":
		return d.decodeOpus(raw)
	default:
		return nil, fmt.Errorf("%w: unsupported mime type %q", ErrDecode, mediaType)
	}
}

func (d *Decoder) decodePCM(raw []byte, params map[string]string) (*Buffer, error) {
	rate, err := intParam(params, "rate", OutputSampleRate)
	if err != nil {
		return nil, err
	}
	channels, err := intParam(params, "channels", 1)
	if err != nil {
		return nil, err
	}
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("%w: unsupported channel count %d", ErrDecode, channels)
	}

	frameBytes := 2 * channels
	if len(raw) == 0 || len(raw)%frameBytes != 0 {
		return nil, fmt.Errorf("%w: truncated pcm payload (%d bytes, %s)",
			ErrDecode, len(raw), formatString(rate, channels))
	}

	pcm := raw
	if channels != 1 || rate != OutputSampleRate {
		d.warnedMismatch.Do(func() {
			slog.Warn("audio decoder: converting inbound format",
				"from", formatString(rate, channels),
				"to", formatString(OutputSampleRate, 1),
			)
		})
	}
	if channels == 2 {
		pcm = StereoToMono(pcm)
	}
	pcm = ResampleMono16(pcm, rate, OutputSampleRate)
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: payload too short to resample", ErrDecode)
	}

	return &Buffer{
		Samples:    DecodePCM16(pcm),
		SampleRate: OutputSampleRate,
		Channels:   1,
	}, nil
}

func (d *Decoder) decodeOpus(packet []byte) (*Buffer, error) {
	if d.opus == nil {
		dec, err := newOpusDecoder()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		d.opus = dec
	}
	samples, err := d.opus.decode(packet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: empty opus frame", ErrDecode)
	}
	return &Buffer{
		Samples:    samples,
		SampleRate: OutputSampleRate,
		Channels:   1,
	}, nil
}

// swapBytes16 converts big-endian int16 samples to little-endian in place.
func swapBytes16(b []byte) {
	for i := 0; i+1 < len(b); i += 2 {
		b[i], b[i+1] = b[i+1], b[i]
	}
}

func intParam(params map[string]string, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: invalid %s parameter %q", ErrDecode, key, v)
	}
	return n, nil
}
