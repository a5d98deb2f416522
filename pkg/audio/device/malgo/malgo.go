//go:build cgo && !noaudio

// Package malgo implements [device.Backend] on top of miniaudio via
// github.com/gen2brain/malgo. Capture and playback both use 32-bit float
// samples so no conversion is needed between the device and the pipeline.
package malgo

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/livecritic/pkg/audio"
	"github.com/MrWong99/livecritic/pkg/audio/device"
)

var _ device.Backend = (*Backend)(nil)

// periodSizeMS is the device period. Output latency is roughly one period.
const periodSizeMS = 20

// Backend is a miniaudio-backed [device.Backend]. It owns one miniaudio
// context shared by every device it opens.
type Backend struct {
	ctx *malgo.AllocatedContext
	log *slog.Logger
}

// New initialises a miniaudio context. Call [Backend.Close] to release it.
func New() (*Backend, error) {
	log := slog.Default().With("component", "malgo")
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init miniaudio context: %v", device.ErrDeviceUnavailable, err)
	}
	return &Backend{ctx: ctx, log: log}, nil
}

// Name implements [device.Backend].
func (b *Backend) Name() string { return "malgo" }

// Close releases the miniaudio context. Devices opened from it must be closed
// first.
func (b *Backend) Close() error {
	if err := b.ctx.Uninit(); err != nil {
		return err
	}
	b.ctx.Free()
	return nil
}

// findDevice resolves a device by display name. An empty name selects the
// system default (nil ID pointer). It also fails when the system reports no
// devices of the requested type at all.
func (b *Backend) findDevice(typ malgo.DeviceType, name string) (*malgo.DeviceID, error) {
	devices, err := b.ctx.Devices(typ)
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", device.ErrDeviceUnavailable, err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no %s devices", device.ErrDeviceUnavailable, deviceTypeString(typ))
	}
	if name == "" {
		return nil, nil
	}
	for i := range devices {
		if devices[i].Name() == name {
			id := devices[i].ID
			return &id, nil
		}
	}
	return nil, fmt.Errorf("%w: %s device %q not found", device.ErrDeviceUnavailable, deviceTypeString(typ), name)
}

// OpenInput implements [device.Input].
func (b *Backend) OpenInput(cfg device.InputConfig, fn device.SampleFunc) (device.Stream, error) {
	id, err := b.findDevice(malgo.Capture, cfg.DeviceName)
	if err != nil {
		return nil, err
	}
	if cfg.EchoCancellation {
		b.log.Debug("echo cancellation requested but not provided by miniaudio")
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.PeriodSizeInMilliseconds = periodSizeMS
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = uint32(cfg.Channels)
	if id != nil {
		devCfg.Capture.DeviceID = id.Pointer()
	}
	devCfg.Alsa.NoMMap = 1

	var scratch []float32
	onRecv := func(_, in []byte, frameCount uint32) {
		n := int(frameCount) * cfg.Channels
		if n*4 > len(in) {
			n = len(in) / 4
		}
		if cap(scratch) < n {
			scratch = make([]float32, n)
		}
		samples := scratch[:n]
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(in[i*4:]))
		}
		fn(samples)
	}

	dev, err := malgo.InitDevice(b.ctx.Context, devCfg, malgo.DeviceCallbacks{Data: onRecv})
	if err != nil {
		return nil, fmt.Errorf("%w: init capture device: %v", device.ErrDeviceUnavailable, err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("%w: start capture device: %v", device.ErrDeviceUnavailable, err)
	}
	b.log.Info("capture device started", "device", displayName(cfg.DeviceName), "sample_rate", cfg.SampleRate)
	return &stream{dev: dev}, nil
}

// OpenOutput implements [device.Output].
func (b *Backend) OpenOutput(cfg device.OutputConfig) (device.OutputContext, error) {
	id, err := b.findDevice(malgo.Playback, cfg.DeviceName)
	if err != nil {
		return nil, err
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.PeriodSizeInMilliseconds = periodSizeMS
	devCfg.Playback.Format = malgo.FormatF32
	devCfg.Playback.Channels = uint32(cfg.Channels)
	if id != nil {
		devCfg.Playback.DeviceID = id.Pointer()
	}
	devCfg.Alsa.NoMMap = 1

	out := &outputContext{timeline: device.NewTimeline(cfg.SampleRate)}
	var scratch []float32
	onSend := func(outBytes, _ []byte, frameCount uint32) {
		n := int(frameCount) * cfg.Channels
		if n*4 > len(outBytes) {
			n = len(outBytes) / 4
		}
		if cap(scratch) < n {
			scratch = make([]float32, n)
		}
		frames := scratch[:n]
		out.timeline.Render(frames)
		for i, f := range frames {
			binary.LittleEndian.PutUint32(outBytes[i*4:], math.Float32bits(f))
		}
	}

	dev, err := malgo.InitDevice(b.ctx.Context, devCfg, malgo.DeviceCallbacks{Data: onSend})
	if err != nil {
		return nil, fmt.Errorf("%w: init playback device: %v", device.ErrDeviceUnavailable, err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("%w: start playback device: %v", device.ErrDeviceUnavailable, err)
	}
	out.dev = dev
	b.log.Info("playback device started", "device", displayName(cfg.DeviceName), "sample_rate", cfg.SampleRate)
	return out, nil
}

// stream is an open capture device.
type stream struct {
	dev       *malgo.Device
	closeOnce sync.Once
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.dev.Stop()
		s.dev.Uninit()
	})
	return err
}

// outputContext is an open playback device driven by a [device.Timeline].
type outputContext struct {
	dev       *malgo.Device
	timeline  *device.Timeline
	closeOnce sync.Once
}

func (o *outputContext) Now() time.Duration { return o.timeline.Now() }

func (o *outputContext) Schedule(buf *audio.Buffer, at time.Duration) error {
	o.timeline.Add(buf, at)
	return nil
}

func (o *outputContext) Close() error {
	var err error
	o.closeOnce.Do(func() {
		err = o.dev.Stop()
		o.dev.Uninit()
		o.timeline.Reset()
	})
	return err
}

func deviceTypeString(typ malgo.DeviceType) string {
	if typ == malgo.Capture {
		return "capture"
	}
	return "playback"
}

func displayName(name string) string {
	if name == "" {
		return "(default)"
	}
	return name
}
