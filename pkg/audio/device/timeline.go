package device

import (
	"sync"
	"time"

	"github.com/MrWong99/livecritic/pkg/audio"
)

// Timeline renders scheduled buffers into a continuous output stream and
// provides the sample-accurate audio clock behind an [OutputContext].
//
// Backends call [Timeline.Render] from their audio thread for every period;
// the clock advances by exactly the number of frames rendered, so Now never
// drifts from what has actually been handed to the device. Gaps between
// scheduled buffers render as silence and overlapping buffers are summed.
//
// All methods are safe for concurrent use.
type Timeline struct {
	rate int

	mu       sync.Mutex
	pos      int64 // frames rendered so far
	segments []segment
}

type segment struct {
	start   int64
	samples []float32
}

// NewTimeline returns a Timeline for mono audio at rate Hz.
func NewTimeline(rate int) *Timeline {
	return &Timeline{rate: rate}
}

// Now returns the audio clock position.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.framesToDuration(t.pos)
}

// Add queues buf to start at clock position at, rounded to the nearest frame.
// A start in the past is moved to the current position.
func (t *Timeline) Add(buf *audio.Buffer, at time.Duration) {
	if buf == nil || len(buf.Samples) == 0 {
		return
	}
	start := t.durationToFrames(at)

	t.mu.Lock()
	defer t.mu.Unlock()
	if start < t.pos {
		start = t.pos
	}
	t.segments = append(t.segments, segment{start: start, samples: buf.Samples})
}

// Pending returns the number of buffers that have not finished rendering.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.segments)
}

// Render fills out with the next len(out) frames and advances the clock.
func (t *Timeline) Render(out []float32) {
	clear(out)

	t.mu.Lock()
	defer t.mu.Unlock()

	from := t.pos
	to := from + int64(len(out))
	kept := t.segments[:0]
	for _, seg := range t.segments {
		end := seg.start + int64(len(seg.samples))
		if seg.start < to && end > from {
			lo := max(seg.start, from)
			hi := min(end, to)
			for f := lo; f < hi; f++ {
				out[f-from] += seg.samples[f-seg.start]
			}
		}
		if end > to {
			kept = append(kept, seg)
		}
	}
	clear(t.segments[len(kept):])
	t.segments = kept
	t.pos = to
}

// Reset drops every pending buffer without moving the clock.
func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.segments)
	t.segments = t.segments[:0]
}

func (t *Timeline) framesToDuration(frames int64) time.Duration {
	if t.rate <= 0 {
		return 0
	}
	return time.Duration(frames * int64(time.Second) / int64(t.rate))
}

// durationToFrames rounds to the nearest frame. Cursors built by summing
// buffer durations are truncated to whole nanoseconds and land just short of
// the frame boundary they mean.
func (t *Timeline) durationToFrames(d time.Duration) int64 {
	return (int64(d)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)
}
