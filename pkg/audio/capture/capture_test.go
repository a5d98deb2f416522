package capture

import (
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/livecritic/pkg/audio"
	"github.com/MrWong99/livecritic/pkg/audio/device"
	"github.com/MrWong99/livecritic/pkg/audio/device/mock"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []audio.EncodedFrame
}

func (r *frameRecorder) sink(f audio.EncodedFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *frameRecorder) get() []audio.EncodedFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audio.EncodedFrame, len(r.frames))
	copy(out, r.frames)
	return out
}

// ramp returns n samples whose values encode their index so frame order can
// be checked after decoding.
func ramp(start, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(start+i) / 32768
	}
	return s
}

func TestPipeline_OpensDeviceAt16kMono(t *testing.T) {
	t.Parallel()

	backend := &mock.Backend{}
	p := New()
	if err := p.Start(backend, Config{DeviceName: "mic", EchoCancellation: true}, func(audio.EncodedFrame) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if len(backend.InputConfigs) != 1 {
		t.Fatalf("OpenInput calls = %d, want 1", len(backend.InputConfigs))
	}
	got := backend.InputConfigs[0]
	want := device.InputConfig{DeviceName: "mic", SampleRate: 16000, Channels: 1, EchoCancellation: true}
	if got != want {
		t.Errorf("InputConfig = %+v, want %+v", got, want)
	}
}

func TestPipeline_ChunksArbitraryPushes(t *testing.T) {
	t.Parallel()

	backend := &mock.Backend{}
	rec := &frameRecorder{}
	p := New()
	if err := p.Start(backend, Config{}, rec.sink); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	in := backend.LastInput()
	// 3 full chunks plus a partial, pushed in uneven periods.
	total := 0
	for _, n := range []int{1000, 3000, 4096, 4192, 100} {
		in.Push(ramp(total, n))
		total += n
	}

	frames := rec.get()
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	for i, f := range frames {
		if f.Seq != uint64(i) {
			t.Errorf("frame %d Seq = %d", i, f.Seq)
		}
		if f.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("frame %d MIMEType = %q", i, f.MIMEType)
		}
	}

	st := p.Stats()
	if st.Chunks != 3 || st.Samples != uint64(total) {
		t.Errorf("Stats = %+v, want 3 chunks / %d samples", st, total)
	}
}

func TestPipeline_PreservesCaptureOrder(t *testing.T) {
	t.Parallel()

	backend := &mock.Backend{}
	rec := &frameRecorder{}
	p := New(WithChunkSize(4))
	if err := p.Start(backend, Config{}, rec.sink); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	in := backend.LastInput()
	for i := 0; i < 40; i += 5 {
		in.Push(ramp(i, 5))
	}

	frames := rec.get()
	if len(frames) != 10 {
		t.Fatalf("got %d frames, want 10", len(frames))
	}
	next := 0
	for i, f := range frames {
		blob := audio.InboundBlob{MIMEType: "audio/pcm;rate=24000", Data: f.Data}
		buf, err := audio.NewDecoder().Decode(blob)
		if err != nil {
			t.Fatalf("decode frame %d: %v", i, err)
		}
		for _, s := range buf.Samples {
			if got := int(s*32768 + 0.5); got != next {
				t.Fatalf("frame %d sample = %d, want %d", i, got, next)
			}
			next++
		}
	}
}

func TestPipeline_StopIdempotent(t *testing.T) {
	t.Parallel()

	backend := &mock.Backend{}
	rec := &frameRecorder{}
	p := New()

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}

	p = New()
	if err := p.Start(backend, Config{}, rec.sink); err != nil {
		t.Fatalf("Start: %v", err)
	}
	in := backend.LastInput()
	in.Push(ramp(0, 100))

	for range 3 {
		if err := p.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	if in.CloseCalls() != 1 {
		t.Errorf("stream closed %d times, want 1", in.CloseCalls())
	}
	if backend.OpenCount() != 0 {
		t.Errorf("OpenCount = %d, want 0", backend.OpenCount())
	}

	// Late samples after Stop are ignored.
	in.Push(ramp(0, audio.ChunkSamples))
	if n := len(rec.get()); n != 0 {
		t.Errorf("got %d frames after Stop, want 0", n)
	}
	if err := p.Start(backend, Config{}, rec.sink); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Start after Stop: err = %v, want ErrAlreadyStarted", err)
	}
}

func TestPipeline_DeviceUnavailable(t *testing.T) {
	t.Parallel()

	backend := &mock.Backend{InputErr: errors.New("permission denied")}
	p := New()
	err := p.Start(backend, Config{}, func(audio.EncodedFrame) {})
	if !errors.Is(err, device.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if backend.OpenCount() != 0 {
		t.Errorf("OpenCount = %d, want 0", backend.OpenCount())
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Stop after failed Start: %v", err)
	}
}
