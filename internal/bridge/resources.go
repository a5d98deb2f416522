package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livecritic/pkg/audio"
	"github.com/MrWong99/livecritic/pkg/audio/capture"
	"github.com/MrWong99/livecritic/pkg/audio/device"
	"github.com/MrWong99/livecritic/pkg/audio/playback"
	"github.com/MrWong99/livecritic/pkg/provider/live"
)

// sessionResources owns everything one session acquires: the output context
// and its scheduler, the capture pipeline, the gateway handle, and the
// decode and send workers. It is released exactly once, as a unit.
//
// Fields below mu are written only by the setup goroutine. release waits for
// setup to finish before reading them.
type sessionResources struct {
	gen uint64
	id  string
	log *slog.Logger

	// done is closed when release starts. Every goroutine that posts to the
	// bridge or blocks on a session channel selects on it.
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	queue   chan audio.EncodedFrame // outbound FIFO
	jobs    chan audio.InboundBlob  // decode FIFO
	onDrop  func()
	workers sync.WaitGroup

	setupDone chan struct{}

	mu        sync.Mutex
	released  bool
	out       device.OutputContext
	scheduler *playback.Scheduler
	indicator *playback.Indicator
	capture   *capture.Pipeline
	handle    live.SessionHandle

	releaseOnce sync.Once
}

func newSessionResources(gen uint64, id string, queueSize, decodeQueue int, log *slog.Logger) *sessionResources {
	ctx, cancel := context.WithCancel(context.Background())
	return &sessionResources{
		gen:       gen,
		id:        id,
		log:       log,
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(chan audio.EncodedFrame, queueSize),
		jobs:      make(chan audio.InboundBlob, decodeQueue),
		onDrop:    func() {},
		setupDone: make(chan struct{}),
	}
}

func (r *sessionResources) isReleased() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

// enqueue is the capture sink. It runs on the audio device thread and never
// blocks: when the queue is full the newest frame is dropped so frames that
// are already queued keep their order.
func (r *sessionResources) enqueue(frame audio.EncodedFrame) {
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.queue <- frame:
	default:
		r.onDrop()
	}
}

// runSender drains the outbound queue into handle in order. Send errors are
// logged and the frame is abandoned.
func (r *sessionResources) runSender(handle live.SessionHandle, sent, failed func()) {
	defer r.workers.Done()
	for {
		select {
		case <-r.done:
			return
		case frame := <-r.queue:
			if err := handle.Send(frame); err != nil {
				if errors.Is(err, live.ErrClosed) {
					return
				}
				failed()
				r.log.Warn("failed to send audio frame", "seq", frame.Seq, "err", err)
				continue
			}
			sent()
		}
	}
}

// runDecoder decodes inbound blobs in arrival order and hands each result to
// deliver.
func (r *sessionResources) runDecoder(dec *audio.Decoder, deliver func(buf *audio.Buffer, err error, took time.Duration)) {
	defer r.workers.Done()
	for {
		select {
		case <-r.done:
			return
		case blob := <-r.jobs:
			start := time.Now()
			buf, err := dec.Decode(blob)
			deliver(buf, err, time.Since(start))
		}
	}
}

// release tears the session down. Teardown order: signal every goroutine,
// wait for setup, close the gateway handle (which unblocks a pending send),
// wait for the workers, then stop capture and close the output. Safe to call
// more than once.
func (r *sessionResources) release() {
	r.releaseOnce.Do(func() {
		r.mu.Lock()
		r.released = true
		r.mu.Unlock()

		close(r.done)
		r.cancel()
		<-r.setupDone

		if r.indicator != nil {
			r.indicator.Stop()
		}
		if r.handle != nil {
			if err := r.handle.Close(); err != nil {
				r.log.Warn("failed to close gateway session", "err", err)
			}
		}
		r.workers.Wait()
		if r.capture != nil {
			if err := r.capture.Stop(); err != nil {
				r.log.Warn("failed to stop capture", "err", err)
			}
		}
		if r.scheduler != nil {
			r.scheduler.Reset()
		}
		if r.out != nil {
			if err := r.out.Close(); err != nil {
				r.log.Warn("failed to close audio output", "err", err)
			}
		}
		r.log.Debug("session resources released")
	})
}
