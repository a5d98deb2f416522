package playback

import (
	"sync"
	"time"
)

// Level is a snapshot of the speaking indicator.
type Level struct {
	// Speaking is true while scheduled model audio is believed to be playing.
	Speaking bool
	// RMS is the root-mean-square amplitude of the most recently scheduled
	// buffer, in [0, 1]. It is zero when Speaking is false.
	RMS float64
}

// Indicator is a non-authoritative "model is speaking" flag. [Indicator.Mark]
// raises it and arms a timer for the remaining playback time; repeated marks
// extend the timer. It exists purely for presentation.
type Indicator struct {
	mu     sync.Mutex
	notify func(Level)
	level  Level
	timer  *time.Timer
	token  uint64
}

// NewIndicator returns an Indicator that calls notify on every change. notify
// is invoked without internal locks held and must not block.
func NewIndicator(notify func(Level)) *Indicator {
	if notify == nil {
		notify = func(Level) {}
	}
	return &Indicator{notify: notify}
}

// Mark raises the indicator with the given volume level and keeps it raised
// for at least remaining. A later Mark with a shorter remaining time still
// replaces the timer, since the cursor only moves forward.
func (i *Indicator) Mark(remaining time.Duration, rms float64) {
	i.mu.Lock()
	if i.timer != nil {
		i.timer.Stop()
	}
	i.token++
	token := i.token
	i.level = Level{Speaking: true, RMS: rms}
	i.timer = time.AfterFunc(max(remaining, 0), func() { i.expire(token) })
	lvl := i.level
	i.mu.Unlock()

	i.notify(lvl)
}

func (i *Indicator) expire(token uint64) {
	i.mu.Lock()
	if token != i.token || !i.level.Speaking {
		i.mu.Unlock()
		return
	}
	i.level = Level{}
	i.timer = nil
	i.mu.Unlock()

	i.notify(Level{})
}

// Stop clears the indicator immediately and cancels any pending timer. It
// notifies only if the indicator was raised.
func (i *Indicator) Stop() {
	i.mu.Lock()
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	i.token++
	was := i.level.Speaking
	i.level = Level{}
	i.mu.Unlock()

	if was {
		i.notify(Level{})
	}
}

// Current returns the current indicator state.
func (i *Indicator) Current() Level {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.level
}
