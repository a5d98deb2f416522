// Package device defines the narrow interfaces livecritic uses to reach audio
// hardware: a push-driven microphone stream and an output context with its own
// audio clock.
//
// Implementations live in sub-packages (device/malgo for real hardware,
// device/mock for tests). The interfaces are kept small so the capture
// pipeline and playback scheduler never depend on a specific backend.
package device

import (
	"errors"
	"time"

	"github.com/MrWong99/livecritic/pkg/audio"
)

// ErrDeviceUnavailable is wrapped by every error returned when a microphone or
// output device cannot be acquired: permission denied, no such device, or a
// build without audio support. It is fatal to session start and never retried.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// InputConfig describes the microphone stream to open.
type InputConfig struct {
	// DeviceName selects a capture device by its display name. Empty selects
	// the system default.
	DeviceName string

	// SampleRate in Hz. The capture pipeline always requests
	// [audio.CaptureSampleRate].
	SampleRate int

	// Channels is always 1 for livecritic.
	Channels int

	// EchoCancellation requests acoustic echo cancellation. Backends that
	// cannot provide it log the fact and continue.
	EchoCancellation bool
}

// OutputConfig describes the playback context to open.
type OutputConfig struct {
	// DeviceName selects a playback device by its display name. Empty selects
	// the system default.
	DeviceName string

	// SampleRate in Hz. Always [audio.OutputSampleRate] for livecritic.
	SampleRate int

	// Channels is always 1 for livecritic.
	Channels int
}

// SampleFunc receives captured samples. It is called on the backend's audio
// thread and must not block. The slice is only valid for the duration of the
// call.
type SampleFunc func(samples []float32)

// Stream is an open microphone stream. Samples flow to the [SampleFunc] given
// to [Input.OpenInput] until Close is called.
type Stream interface {
	// Close stops delivery and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Input opens microphone streams.
type Input interface {
	// OpenInput acquires the capture device described by cfg and starts
	// delivering samples to fn. Errors wrap [ErrDeviceUnavailable].
	OpenInput(cfg InputConfig, fn SampleFunc) (Stream, error)
}

// OutputContext is an open playback device with its own monotonic audio
// clock. Buffers are scheduled against that clock.
type OutputContext interface {
	// Now returns the current position of the audio clock: the amount of
	// audio the device has rendered since the context was opened.
	Now() time.Duration

	// Schedule queues buf to start playing when the clock reaches at. A start
	// time in the past plays immediately.
	Schedule(buf *audio.Buffer, at time.Duration) error

	// Close stops playback and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Output opens playback contexts.
type Output interface {
	// OpenOutput acquires the playback device described by cfg. Errors wrap
	// [ErrDeviceUnavailable].
	OpenOutput(cfg OutputConfig) (OutputContext, error)
}

// Backend is a complete audio backend providing both directions.
type Backend interface {
	Input
	Output

	// Name returns a short backend identifier for logs (e.g. "malgo", "mock").
	Name() string
}
