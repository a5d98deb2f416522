// Package playback schedules decoded audio buffers back-to-back on an output
// clock so consecutive model utterances play without gaps or overlap.
//
// The [Scheduler] keeps a cursor: the audio-clock time at which the previously
// scheduled buffer ends. Every new buffer starts at max(cursor, now), so a
// buffer that arrives while audio is still playing is queued behind it and a
// buffer that arrives late starts immediately instead of in the past.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/livecritic/pkg/audio"
)

// Output is the part of an audio output context the scheduler needs.
// [device.OutputContext] satisfies it.
type Output interface {
	// Now returns the current position of the output's audio clock.
	Now() time.Duration

	// Schedule queues buf to start playing at the given clock position.
	Schedule(buf *audio.Buffer, at time.Duration) error
}

// ErrNoOutput is returned by [Scheduler.Schedule] after [Scheduler.Reset].
var ErrNoOutput = errors.New("playback: no output")

// Scheduler assigns start times to decoded buffers. All methods are safe for
// concurrent use.
type Scheduler struct {
	mu     sync.Mutex
	out    Output
	cursor time.Duration
}

// NewScheduler returns a Scheduler for out with the cursor at zero.
func NewScheduler(out Output) *Scheduler {
	return &Scheduler{out: out}
}

// Schedule hands buf to the output at max(cursor, now) and advances the
// cursor by the buffer's duration. It returns the chosen start time. If the
// output rejects the buffer the cursor is left unchanged.
func (s *Scheduler) Schedule(buf *audio.Buffer) (time.Duration, error) {
	if buf == nil || len(buf.Samples) == 0 {
		return 0, fmt.Errorf("playback: empty buffer")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return 0, ErrNoOutput
	}

	start := max(s.cursor, s.out.Now())
	if err := s.out.Schedule(buf, start); err != nil {
		return 0, fmt.Errorf("playback: schedule buffer: %w", err)
	}
	s.cursor = start + buf.Duration()
	return start, nil
}

// Cursor returns the clock position where the last scheduled buffer ends.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Pending returns how much scheduled audio has not played yet.
func (s *Scheduler) Pending() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return 0
	}
	return max(0, s.cursor-s.out.Now())
}

// Reset detaches the output and zeroes the cursor. Subsequent Schedule calls
// fail with [ErrNoOutput].
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = nil
	s.cursor = 0
}
