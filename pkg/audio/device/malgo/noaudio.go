//go:build !cgo || noaudio

// Package malgo implements [device.Backend] on top of miniaudio. This build
// was compiled without cgo or with the noaudio tag, so every device request
// fails with [device.ErrDeviceUnavailable].
package malgo

import (
	"fmt"

	"github.com/MrWong99/livecritic/pkg/audio/device"
)

var _ device.Backend = (*Backend)(nil)

// Backend is a stand-in that never acquires a device.
type Backend struct{}

// New returns an error wrapping [device.ErrDeviceUnavailable].
func New() (*Backend, error) {
	return nil, fmt.Errorf("%w: audio was disabled during compilation", device.ErrDeviceUnavailable)
}

// Name implements [device.Backend].
func (*Backend) Name() string { return "noaudio" }

// Close is a no-op.
func (*Backend) Close() error { return nil }

// OpenInput implements [device.Input].
func (*Backend) OpenInput(device.InputConfig, device.SampleFunc) (device.Stream, error) {
	return nil, fmt.Errorf("%w: audio was disabled during compilation", device.ErrDeviceUnavailable)
}

// OpenOutput implements [device.Output].
func (*Backend) OpenOutput(device.OutputConfig) (device.OutputContext, error) {
	return nil, fmt.Errorf("%w: audio was disabled during compilation", device.ErrDeviceUnavailable)
}
