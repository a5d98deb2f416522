package playback

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/livecritic/pkg/audio"
	"github.com/MrWong99/livecritic/pkg/audio/device"
	"github.com/MrWong99/livecritic/pkg/audio/device/mock"
)

// bufferOf returns a silent 24 kHz mono buffer of duration d.
func bufferOf(d time.Duration) *audio.Buffer {
	n := int(d.Seconds() * audio.OutputSampleRate)
	return &audio.Buffer{Samples: make([]float32, n), SampleRate: audio.OutputSampleRate, Channels: 1}
}

func TestScheduler_BackToBack(t *testing.T) {
	t.Parallel()

	out := &mock.OutputContext{}
	out.SetNow(3 * time.Second)
	s := NewScheduler(out)

	first, err := s.Schedule(bufferOf(2 * time.Second))
	if err != nil {
		t.Fatalf("Schedule first: %v", err)
	}
	second, err := s.Schedule(bufferOf(1500 * time.Millisecond))
	if err != nil {
		t.Fatalf("Schedule second: %v", err)
	}

	if first != 3*time.Second {
		t.Errorf("first start = %v, want 3s", first)
	}
	if second != first+2*time.Second {
		t.Errorf("second start = %v, want %v", second, first+2*time.Second)
	}
	if got, want := s.Cursor(), 6500*time.Millisecond; got != want {
		t.Errorf("Cursor = %v, want %v", got, want)
	}

	sched := out.Scheduled()
	if len(sched) != 2 {
		t.Fatalf("output got %d buffers, want 2", len(sched))
	}
	if sched[0].At != first || sched[1].At != second {
		t.Errorf("output start times = %v, %v; want %v, %v", sched[0].At, sched[1].At, first, second)
	}
}

func TestScheduler_LateArrivalStartsNow(t *testing.T) {
	t.Parallel()

	out := &mock.OutputContext{}
	s := NewScheduler(out)

	if _, err := s.Schedule(bufferOf(time.Second)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	// The first buffer finished 500ms ago.
	out.SetNow(1500 * time.Millisecond)

	start, err := s.Schedule(bufferOf(time.Second))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if start != 1500*time.Millisecond {
		t.Errorf("start = %v, want 1.5s (clock now)", start)
	}
	if s.Cursor() != 2500*time.Millisecond {
		t.Errorf("Cursor = %v, want 2.5s", s.Cursor())
	}
}

func TestScheduler_StartTimesNonDecreasingAndNotInPast(t *testing.T) {
	t.Parallel()

	out := &mock.OutputContext{}
	s := NewScheduler(out)

	durations := []time.Duration{
		200 * time.Millisecond, 50 * time.Millisecond, time.Second,
		10 * time.Millisecond, 300 * time.Millisecond, 700 * time.Millisecond,
	}
	advances := []time.Duration{
		0, 400 * time.Millisecond, 0, 2 * time.Second, 5 * time.Millisecond, 100 * time.Millisecond,
	}

	var prevEnd time.Duration
	for i, d := range durations {
		out.Advance(advances[i])
		now := out.Now()
		start, err := s.Schedule(bufferOf(d))
		if err != nil {
			t.Fatalf("Schedule %d: %v", i, err)
		}
		if start < now {
			t.Errorf("buffer %d start %v before clock %v", i, start, now)
		}
		if start < prevEnd {
			t.Errorf("buffer %d start %v overlaps previous end %v", i, start, prevEnd)
		}
		prevEnd = start + d
	}
}

func TestScheduler_FailedScheduleKeepsCursor(t *testing.T) {
	t.Parallel()

	out := &mock.OutputContext{}
	s := NewScheduler(out)
	if _, err := s.Schedule(bufferOf(time.Second)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	out.ScheduleErr = errors.New("device gone")
	if _, err := s.Schedule(bufferOf(time.Second)); err == nil {
		t.Fatal("expected error from failing output")
	}
	if s.Cursor() != time.Second {
		t.Errorf("Cursor = %v, want 1s (unchanged)", s.Cursor())
	}
}

func TestScheduler_EmptyBuffer(t *testing.T) {
	t.Parallel()

	s := NewScheduler(&mock.OutputContext{})
	for _, buf := range []*audio.Buffer{nil, {SampleRate: audio.OutputSampleRate}} {
		if _, err := s.Schedule(buf); err == nil {
			t.Errorf("Schedule(%v): expected error", buf)
		}
	}
	if s.Cursor() != 0 {
		t.Errorf("Cursor = %v, want 0", s.Cursor())
	}
}

func TestScheduler_Pending(t *testing.T) {
	t.Parallel()

	out := &mock.OutputContext{}
	s := NewScheduler(out)
	if _, err := s.Schedule(bufferOf(time.Second)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	out.Advance(400 * time.Millisecond)
	if got := s.Pending(); got != 600*time.Millisecond {
		t.Errorf("Pending = %v, want 600ms", got)
	}
	out.Advance(time.Second)
	if got := s.Pending(); got != 0 {
		t.Errorf("Pending = %v, want 0", got)
	}
}

func TestScheduler_Reset(t *testing.T) {
	t.Parallel()

	s := NewScheduler(&mock.OutputContext{})
	if _, err := s.Schedule(bufferOf(time.Second)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	s.Reset()
	if s.Cursor() != 0 {
		t.Errorf("Cursor after Reset = %v, want 0", s.Cursor())
	}
	if _, err := s.Schedule(bufferOf(time.Second)); !errors.Is(err, ErrNoOutput) {
		t.Errorf("Schedule after Reset: err = %v, want ErrNoOutput", err)
	}
}

// timelineOutput plays scheduled buffers on a real device timeline.
type timelineOutput struct{ *device.Timeline }

func (o timelineOutput) Schedule(buf *audio.Buffer, at time.Duration) error {
	o.Add(buf, at)
	return nil
}

func TestScheduler_OddLengthBuffersNeitherOverlapNorGap(t *testing.T) {
	t.Parallel()

	const n, segs = 1001, 3
	tl := device.NewTimeline(audio.OutputSampleRate)
	s := NewScheduler(timelineOutput{tl})
	for range segs {
		samples := make([]float32, n)
		for i := range samples {
			samples[i] = 0.5
		}
		if _, err := s.Schedule(&audio.Buffer{Samples: samples, SampleRate: audio.OutputSampleRate, Channels: 1}); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	out := make([]float32, n*segs+10)
	tl.Render(out)
	for i, v := range out {
		want := float32(0)
		if i < n*segs {
			want = 0.5
		}
		if v != want {
			t.Fatalf("frame %d = %v, want %v", i, v, want)
		}
	}
}
