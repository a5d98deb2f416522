// Package capture turns the push-driven microphone stream into fixed-size,
// wire-encoded audio frames.
//
// The audio device delivers sample slices of whatever length its period
// produces. A [Pipeline] accumulates them into [audio.ChunkSamples]-sized
// chunks, encodes each with [audio.EncodeChunk] and hands the result to a
// [Sink] in capture order. The sink runs on the device callback thread and
// must return promptly.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/livecritic/pkg/audio"
	"github.com/MrWong99/livecritic/pkg/audio/device"
)

// Sink receives encoded frames in capture order. It must not block.
type Sink func(frame audio.EncodedFrame)

// Config selects and configures the input device.
type Config struct {
	// DeviceName selects a specific input device. Empty means the system
	// default.
	DeviceName string

	// EchoCancellation requests acoustic echo cancellation from the backend.
	EchoCancellation bool
}

// Stats are cumulative capture counters.
type Stats struct {
	// Chunks is the number of frames delivered to the sink.
	Chunks uint64
	// Samples is the number of samples received from the device, including
	// those still buffered in a partial chunk.
	Samples uint64
	// Level is the RMS level of the most recent complete chunk.
	Level float64
}

// ErrAlreadyStarted is returned when Start is called more than once.
var ErrAlreadyStarted = errors.New("capture: pipeline already started")

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithChunkSize overrides the chunk size. Intended for tests.
func WithChunkSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.chunkSize = n
		}
	}
}

// WithLogger sets the pipeline's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// Pipeline owns one microphone stream for the lifetime of a session. A
// Pipeline is single use: once stopped it cannot be restarted.
type Pipeline struct {
	chunkSize int
	log       *slog.Logger

	mu      sync.Mutex
	stream  device.Stream
	sink    Sink
	pending []float32
	seq     uint64
	started bool
	stopped bool
	stats   Stats
}

// New returns an idle Pipeline.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		chunkSize: audio.ChunkSamples,
		log:       slog.Default().With("component", "capture"),
	}
	for _, o := range opts {
		o(p)
	}
	p.pending = make([]float32, 0, p.chunkSize)
	return p
}

// Start opens the input device at 16 kHz mono and begins delivering frames
// to sink. Device errors wrap [device.ErrDeviceUnavailable].
func (p *Pipeline) Start(in device.Input, cfg Config, sink Sink) error {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.sink = sink
	p.mu.Unlock()

	stream, err := in.OpenInput(device.InputConfig{
		DeviceName:       cfg.DeviceName,
		SampleRate:       audio.CaptureSampleRate,
		Channels:         audio.Channels,
		EchoCancellation: cfg.EchoCancellation,
	}, p.push)
	if err != nil {
		if !errors.Is(err, device.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", device.ErrDeviceUnavailable, err)
		}
		return fmt.Errorf("capture: open input: %w", err)
	}

	p.mu.Lock()
	if p.stopped {
		// Stop raced with OpenInput.
		p.mu.Unlock()
		return stream.Close()
	}
	p.stream = stream
	p.mu.Unlock()

	p.log.Info("capture started", "device", cfg.DeviceName, "chunk_samples", p.chunkSize)
	return nil
}

// push is the device callback. The device may reuse samples after return so
// they are copied into the pending chunk.
func (p *Pipeline) push(samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.sink == nil {
		return
	}
	p.stats.Samples += uint64(len(samples))

	for len(samples) > 0 {
		n := min(p.chunkSize-len(p.pending), len(samples))
		p.pending = append(p.pending, samples[:n]...)
		samples = samples[n:]
		if len(p.pending) < p.chunkSize {
			break
		}

		chunk := audio.Chunk{
			Samples:    p.pending,
			SampleRate: audio.CaptureSampleRate,
			Seq:        p.seq,
		}
		frame := audio.EncodeChunk(chunk)
		p.stats.Level = audio.RMS(chunk.Samples)
		p.seq++
		p.stats.Chunks++
		p.pending = p.pending[:0]

		// Called with mu held so frames reach the sink in capture order even
		// if the backend ever invokes the callback from more than one thread.
		p.sink(frame)
	}
}

// Stop closes the device stream and discards any partial chunk. It is safe
// to call before Start and more than once.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	stream := p.stream
	p.stream = nil
	dropped := len(p.pending)
	p.pending = p.pending[:0]
	p.mu.Unlock()

	if stream == nil {
		return nil
	}
	p.log.Debug("capture stopped", "discarded_samples", dropped)
	if err := stream.Close(); err != nil {
		return fmt.Errorf("capture: close input: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the capture counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
