package transcript

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	defaultRecorderQueue = 256
	defaultWriteTimeout  = 5 * time.Second
)

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithQueueSize sets how many entries may wait for storage before new ones
// are dropped. Defaults to 256.
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithWriteTimeout bounds each Append call. Defaults to 5s.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// WithRecorderLogger sets the recorder's logger.
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.log = l }
}

// Recorder queues entries and writes them to a [Log] on its own goroutine.
// Record never blocks.
type Recorder struct {
	log          *slog.Logger
	store        Log
	queue        chan Entry
	queueSize    int
	writeTimeout time.Duration
	dropped      atomic.Uint64
	failed       atomic.Uint64
}

// NewRecorder returns a Recorder writing to store. Call Run to start it.
func NewRecorder(store Log, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		log:          slog.Default().With("component", "transcript"),
		store:        store,
		queueSize:    defaultRecorderQueue,
		writeTimeout: defaultWriteTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	r.queue = make(chan Entry, r.queueSize)
	return r
}

// Record queues e for storage. When the queue is full e is dropped and
// Record returns false.
func (r *Recorder) Record(e Entry) bool {
	select {
	case r.queue <- e:
		return true
	default:
		if r.dropped.Add(1) == 1 {
			r.log.Warn("transcript queue full, dropping entries", "session_id", e.SessionID)
		}
		return false
	}
}

// Run writes queued entries until ctx is cancelled, then drains what is
// already queued and returns nil.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case e := <-r.queue:
			r.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-r.queue:
					r.write(e)
				default:
					return nil
				}
			}
		}
	}
}

// Dropped reports how many entries were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Failed reports how many entries the store rejected.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }

func (r *Recorder) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	if err := r.store.Append(ctx, e); err != nil {
		r.failed.Add(1)
		r.log.Warn("failed to store transcript", "session_id", e.SessionID, "role", e.Role, "err", err)
	}
}
