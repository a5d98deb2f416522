// Package mock provides an in-memory [device.Backend] for tests. Input streams
// are driven manually with [Stream.Push] and output contexts expose a manual
// clock so playback scheduling can be asserted without real hardware.
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/livecritic/pkg/audio"
	"github.com/MrWong99/livecritic/pkg/audio/device"
)

var (
	_ device.Backend       = (*Backend)(nil)
	_ device.Stream        = (*Stream)(nil)
	_ device.OutputContext = (*OutputContext)(nil)
)

// Backend is a mock implementation of [device.Backend]. Set InputErr or
// OutputErr to make the respective Open call fail.
type Backend struct {
	mu sync.Mutex

	// InputErr is returned by OpenInput when non-nil.
	InputErr error
	// OutputErr is returned by OpenOutput when non-nil.
	OutputErr error

	inputs  []*Stream
	outputs []*OutputContext

	// InputConfigs records every InputConfig passed to OpenInput.
	InputConfigs []device.InputConfig
	// OutputConfigs records every OutputConfig passed to OpenOutput.
	OutputConfigs []device.OutputConfig
}

// Name implements [device.Backend].
func (b *Backend) Name() string { return "mock" }

// OpenInput implements [device.Input].
func (b *Backend) OpenInput(cfg device.InputConfig, fn device.SampleFunc) (device.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.InputConfigs = append(b.InputConfigs, cfg)
	if b.InputErr != nil {
		return nil, b.InputErr
	}
	s := &Stream{fn: fn}
	b.inputs = append(b.inputs, s)
	return s, nil
}

// OpenOutput implements [device.Output].
func (b *Backend) OpenOutput(cfg device.OutputConfig) (device.OutputContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OutputConfigs = append(b.OutputConfigs, cfg)
	if b.OutputErr != nil {
		return nil, b.OutputErr
	}
	o := &OutputContext{}
	b.outputs = append(b.outputs, o)
	return o, nil
}

// Inputs returns every stream opened so far.
func (b *Backend) Inputs() []*Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Stream, len(b.inputs))
	copy(out, b.inputs)
	return out
}

// Outputs returns every output context opened so far.
func (b *Backend) Outputs() []*OutputContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*OutputContext, len(b.outputs))
	copy(out, b.outputs)
	return out
}

// LastInput returns the most recently opened stream, or nil.
func (b *Backend) LastInput() *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.inputs) == 0 {
		return nil
	}
	return b.inputs[len(b.inputs)-1]
}

// LastOutput returns the most recently opened output context, or nil.
func (b *Backend) LastOutput() *OutputContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.outputs) == 0 {
		return nil
	}
	return b.outputs[len(b.outputs)-1]
}

// OpenCount reports how many streams and output contexts are still open.
func (b *Backend) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.inputs {
		if !s.Closed() {
			n++
		}
	}
	for _, o := range b.outputs {
		if !o.Closed() {
			n++
		}
	}
	return n
}

// Stream is a mock capture stream.
type Stream struct {
	mu         sync.Mutex
	fn         device.SampleFunc
	closed     bool
	closeCalls int
}

// Push delivers samples to the registered callback as if they came from the
// microphone. It is a no-op after Close.
func (s *Stream) Push(samples []float32) {
	s.mu.Lock()
	fn := s.fn
	closed := s.closed
	s.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn(samples)
}

// Close implements [device.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCalls++
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCalls returns the number of Close calls.
func (s *Stream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// ScheduledBuffer records one Schedule call.
type ScheduledBuffer struct {
	Buffer *audio.Buffer
	At     time.Duration
}

// OutputContext is a mock output context with a manually advanced clock.
type OutputContext struct {
	mu sync.Mutex

	// ScheduleErr is returned by Schedule when non-nil.
	ScheduleErr error

	now        time.Duration
	scheduled  []ScheduledBuffer
	closed     bool
	closeCalls int
}

// Now implements [device.OutputContext].
func (o *OutputContext) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetNow sets the clock.
func (o *OutputContext) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Advance moves the clock forward by d.
func (o *OutputContext) Advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += d
}

// Schedule implements [device.OutputContext].
func (o *OutputContext) Schedule(buf *audio.Buffer, at time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleErr != nil {
		return o.ScheduleErr
	}
	o.scheduled = append(o.scheduled, ScheduledBuffer{Buffer: buf, At: at})
	return nil
}

// Scheduled returns a copy of all Schedule calls.
func (o *OutputContext) Scheduled() []ScheduledBuffer {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ScheduledBuffer, len(o.scheduled))
	copy(out, o.scheduled)
	return out
}

// Close implements [device.OutputContext].
func (o *OutputContext) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.closeCalls++
	return nil
}

// Closed reports whether Close has been called.
func (o *OutputContext) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// CloseCalls returns the number of Close calls.
func (o *OutputContext) CloseCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closeCalls
}
