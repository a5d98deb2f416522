// Package bridge implements the realtime audio session bridge: it connects
// the microphone to a live.Gateway and plays the gateway's speech back
// through the speaker.
//
// All state lives on a single event-loop goroutine. Device callbacks, gateway
// callbacks, decode results and indicator timers never touch state directly;
// they post typed events tagged with the generation of the session that
// produced them. Every teardown bumps the generation, so results that arrive
// after a session ended are discarded instead of acting on released
// resources.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/livecritic/internal/observe"
	"github.com/MrWong99/livecritic/pkg/audio"
	"github.com/MrWong99/livecritic/pkg/audio/capture"
	"github.com/MrWong99/livecritic/pkg/audio/device"
	"github.com/MrWong99/livecritic/pkg/audio/playback"
	"github.com/MrWong99/livecritic/pkg/provider/live"
)

const (
	defaultOutboundQueue = 64
	defaultDecodeQueue   = 64
	eventQueue           = 256
)

// Config controls how sessions are opened.
type Config struct {
	// Live is passed to the gateway on every Connect.
	Live live.Config

	// Capture selects the input device.
	Capture capture.Config

	// OutputDevice selects the playback device. Empty means the system
	// default.
	OutputDevice string

	// OutboundQueue bounds the number of encoded frames waiting to be sent.
	// Zero means 64.
	OutboundQueue int

	// DecodeQueue bounds the number of inbound blobs waiting to be decoded.
	// Zero means 64.
	DecodeQueue int
}

// TranscriptEvent is a transcript fragment observed during a session.
type TranscriptEvent struct {
	SessionID  string
	Transcript live.Transcript
	At         time.Time
}

// Option is a functional option for configuring a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge's logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithStateHook registers fn to be called on every state change.
func WithStateHook(fn func(Status)) Option {
	return func(b *Bridge) { b.stateHooks = append(b.stateHooks, fn) }
}

// WithTranscriptHook registers fn to be called for every transcript fragment.
func WithTranscriptHook(fn func(TranscriptEvent)) Option {
	return func(b *Bridge) { b.transcriptHooks = append(b.transcriptHooks, fn) }
}

// WithSpeakingHook registers fn to be called when the speaking indicator
// changes.
func WithSpeakingHook(fn func(playback.Level)) Option {
	return func(b *Bridge) { b.speakingHooks = append(b.speakingHooks, fn) }
}

// WithCaptureOptions passes options to every capture pipeline the bridge
// creates.
func WithCaptureOptions(opts ...capture.Option) Option {
	return func(b *Bridge) { b.captureOpts = append(b.captureOpts, opts...) }
}

// Bridge owns at most one live session at a time. Hooks run on the event
// loop and must not block or call back into the Bridge.
type Bridge struct {
	gateway live.Gateway
	devices device.Backend
	cfg     Config

	log             *slog.Logger
	metrics         *observe.Metrics
	stateHooks      []func(Status)
	transcriptHooks []func(TranscriptEvent)
	speakingHooks   []func(playback.Level)
	captureOpts     []capture.Option

	events    chan any
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	status    atomic.Pointer[Status]

	// Loop-owned state.
	state        State
	gen          uint64
	res          *sessionResources
	pending      *connectReq
	connectStart time.Time
	current      Status
}

// New creates a Bridge and starts its event loop. Call Close to stop it.
func New(gw live.Gateway, devices device.Backend, cfg Config, opts ...Option) *Bridge {
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = defaultOutboundQueue
	}
	if cfg.DecodeQueue <= 0 {
		cfg.DecodeQueue = defaultDecodeQueue
	}
	b := &Bridge{
		gateway:  gw,
		devices:  devices,
		cfg:      cfg,
		log:      slog.Default().With("component", "bridge"),
		events:   make(chan any, eventQueue),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	b.current = Status{State: StateIdle, Since: time.Now()}
	snapshot := b.current
	b.status.Store(&snapshot)

	go b.loop()
	return b
}

// ── Events ─────────────────────────────────────────────────────────────────────

type connectReq struct {
	ctx   context.Context
	reply chan error
}

type disconnectReq struct {
	done chan struct{}
}

type updateLive struct {
	cfg  live.Config
	done chan struct{}
}

type setupResult struct {
	gen uint64
	err error
}

type inbound struct {
	gen        uint64
	blob       *audio.InboundBlob
	transcript *live.Transcript
}

type decoded struct {
	gen  uint64
	buf  *audio.Buffer
	err  error
	took time.Duration
}

type speakingChanged struct {
	gen   uint64
	level playback.Level
}

type transportFailed struct {
	gen uint64
	err error
}

type remoteClosed struct {
	gen    uint64
	reason string
}

// post delivers ev to the loop unless the session has been released or the
// bridge is closed.
func (b *Bridge) post(res *sessionResources, ev any) {
	select {
	case b.events <- ev:
	case <-res.done:
	case <-b.quit:
	}
}

// ── Public API ─────────────────────────────────────────────────────────────────

// Connect opens the audio devices, performs the gateway handshake and
// returns once the session is live or has failed. It fails with
// [ErrSessionActive] while another session is connecting or live, with an
// error wrapping [device.ErrDeviceUnavailable] or [live.ErrHandshakeFailure]
// on setup failure, and with [ErrDisconnected] if Disconnect interrupts it.
// Cancelling ctx aborts the handshake.
func (b *Bridge) Connect(ctx context.Context) (err error) {
	ctx, span := observe.StartSpan(ctx, "bridge.Connect",
		trace.WithAttributes(attribute.String("gateway", b.gateway.Name())),
	)
	defer func() { observe.EndSpan(span, err) }()

	req := &connectReq{ctx: ctx, reply: make(chan error, 1)}
	select {
	case b.events <- req:
	case <-b.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err = <-req.reply:
		return err
	case <-b.loopDone:
		return ErrClosed
	}
}

// Disconnect tears down the current session, if any, and moves the bridge to
// StateIdle. It is synchronous and idempotent: when it returns every device
// and the gateway session are released and no hook fires for that session
// again.
func (b *Bridge) Disconnect() {
	req := disconnectReq{done: make(chan struct{})}
	select {
	case b.events <- req:
	case <-b.loopDone:
		return
	}
	select {
	case <-req.done:
	case <-b.loopDone:
	}
}

// UpdateLive replaces the gateway configuration used by future sessions. A
// session that is already connecting or live keeps the configuration it
// started with.
func (b *Bridge) UpdateLive(cfg live.Config) {
	req := updateLive{cfg: cfg, done: make(chan struct{})}
	select {
	case b.events <- req:
	case <-b.loopDone:
		return
	}
	select {
	case <-req.done:
	case <-b.loopDone:
	}
}

// Status returns a snapshot of the bridge state. Safe for concurrent use.
func (b *Bridge) Status() Status {
	return *b.status.Load()
}

// Done is closed once the event loop has stopped after Close.
func (b *Bridge) Done() <-chan struct{} { return b.loopDone }

// Close disconnects and stops the event loop. Further calls to Connect fail
// with [ErrClosed]. Idempotent.
func (b *Bridge) Close() error {
	b.Disconnect()
	b.closeOnce.Do(func() { close(b.quit) })
	<-b.loopDone
	return nil
}

// ── Event loop ─────────────────────────────────────────────────────────────────

func (b *Bridge) loop() {
	defer close(b.loopDone)
	for {
		select {
		case <-b.quit:
			if b.pending != nil {
				b.pending.reply <- ErrClosed
				b.pending = nil
			}
			b.teardown()
			return
		case ev := <-b.events:
			b.handle(ev)
		}
	}
}

func (b *Bridge) handle(ev any) {
	switch ev := ev.(type) {
	case *connectReq:
		b.onConnect(ev)
	case disconnectReq:
		b.onDisconnect()
		close(ev.done)
	case updateLive:
		b.cfg.Live = ev.cfg
		b.log.Info("gateway configuration updated for next session",
			"model", ev.cfg.Model, "voice", ev.cfg.Voice)
		close(ev.done)
	case setupResult:
		if ev.gen == b.gen {
			b.onSetupResult(ev.err)
		}
	case inbound:
		if ev.gen == b.gen && b.res != nil {
			b.onInbound(ev)
		}
	case decoded:
		if ev.gen == b.gen && b.res != nil {
			b.onDecoded(ev)
		}
	case speakingChanged:
		if ev.gen == b.gen && b.res != nil {
			b.setSpeaking(ev.level)
		}
	case transportFailed:
		if ev.gen == b.gen && b.res != nil {
			b.res.log.Error("session transport failed", "err", ev.err)
			b.fail(ev.err)
		}
	case remoteClosed:
		if ev.gen == b.gen && b.res != nil {
			if b.state == StateConnecting {
				b.res.log.Warn("session closed by gateway during setup", "reason", ev.reason)
				b.fail(fmt.Errorf("bridge: %w: closed during setup: %s", live.ErrHandshakeFailure, ev.reason))
				return
			}
			b.res.log.Info("session closed by gateway", "reason", ev.reason)
			b.endSession(StateClosed, nil)
		}
	default:
		b.log.Error("unknown bridge event", "type", fmt.Sprintf("%T", ev))
	}
}

func (b *Bridge) onConnect(req *connectReq) {
	if !b.state.canConnect() {
		b.log.Warn("connect rejected: session already active", "state", b.state, "session_id", b.current.SessionID)
		req.reply <- ErrSessionActive
		return
	}

	b.gen++
	id := uuid.NewString()
	res := newSessionResources(b.gen, id, b.cfg.OutboundQueue, b.cfg.DecodeQueue,
		observe.SessionLogger(req.ctx, b.log, id))
	res.onDrop = func() {
		b.metrics.FramesDropped.Add(context.Background(), 1)
		res.log.Debug("outbound queue full, dropping capture frame")
	}

	b.res = res
	b.pending = req
	b.connectStart = time.Now()
	b.current.SessionID = id
	b.setState(StateConnecting, nil)

	go b.setup(req.ctx, res, b.cfg)
}

func (b *Bridge) onDisconnect() {
	if b.pending != nil {
		b.pending.reply <- ErrDisconnected
		b.pending = nil
	}
	b.teardown()
	if b.state != StateIdle {
		b.setState(StateIdle, nil)
	}
}

func (b *Bridge) onSetupResult(err error) {
	if err != nil {
		b.res.log.Error("failed to start session", "kind", Kind(err), "err", err)
		b.fail(err)
		return
	}

	req := b.pending
	b.pending = nil

	took := time.Since(b.connectStart)
	b.metrics.RecordHandshake(context.Background(), b.gateway.Name(), took.Seconds())
	b.metrics.ActiveSessions.Add(context.Background(), 1)
	b.res.log.Info("session live", "gateway", b.gateway.Name(), "took", took)
	b.setState(StateLive, nil)
	if req != nil {
		req.reply <- nil
	}
}

func (b *Bridge) onInbound(ev inbound) {
	ctx := context.Background()
	if tr := ev.transcript; tr != nil {
		b.metrics.RecordTranscript(ctx, string(tr.Role))
		te := TranscriptEvent{SessionID: b.res.id, Transcript: *tr, At: time.Now()}
		for _, fn := range b.transcriptHooks {
			fn(te)
		}
	}
	if ev.blob != nil {
		b.metrics.BlobsReceived.Add(ctx, 1)
		select {
		case b.res.jobs <- *ev.blob:
		default:
			b.metrics.DecodeErrors.Add(ctx, 1)
			b.res.log.Warn("decode queue full, dropping inbound audio", "mime_type", ev.blob.MIMEType)
		}
	}
}

func (b *Bridge) onDecoded(ev decoded) {
	ctx := context.Background()
	res := b.res
	b.metrics.DecodeDuration.Record(ctx, ev.took.Seconds())
	if ev.err != nil {
		// Dropping the segment leaves the cursor and the session untouched.
		b.metrics.DecodeErrors.Add(ctx, 1)
		res.log.Warn("dropping undecodable audio segment", "err", ev.err)
		return
	}

	start, err := res.scheduler.Schedule(ev.buf)
	if err != nil {
		res.log.Warn("failed to schedule playback", "err", err)
		return
	}
	dur := ev.buf.Duration()
	lead := max(start-res.out.Now(), 0)
	b.metrics.PlaybackScheduled.Add(ctx, dur.Seconds())
	b.metrics.PlaybackLead.Record(ctx, lead.Seconds())
	res.log.Debug("scheduled playback", "start", start, "duration", dur, "lead", lead)

	level := playback.Level{Speaking: true, RMS: audio.RMS(ev.buf.Samples)}
	res.indicator.Mark(lead+dur, level.RMS)
	b.setSpeaking(level)
}

// fail records err, tears the session down and moves to StateError.
func (b *Bridge) fail(err error) {
	b.metrics.RecordSessionError(context.Background(), b.gateway.Name(), Kind(err))
	if b.pending != nil {
		b.pending.reply <- err
		b.pending = nil
	}
	b.endSession(StateError, err)
}

// endSession releases the current session and moves to a terminal state.
func (b *Bridge) endSession(to State, err error) {
	b.teardown()
	b.setState(to, err)
}

// teardown releases the current session and invalidates its generation.
func (b *Bridge) teardown() {
	if b.res == nil {
		return
	}
	b.res.release()
	b.res = nil
	b.gen++
	if b.state == StateLive {
		b.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	if b.current.Speaking {
		b.current.Speaking = false
		b.current.Level = 0
	}
}

func (b *Bridge) setState(to State, err error) {
	from := b.state
	b.state = to
	b.current.State = to
	b.current.Err = err
	b.current.Since = time.Now()
	if to != StateLive {
		b.current.Speaking = false
		b.current.Level = 0
	}
	snapshot := b.current
	b.status.Store(&snapshot)

	attrs := []any{"from", from, "to", to}
	if b.current.SessionID != "" {
		attrs = append(attrs, "session_id", b.current.SessionID)
	}
	if err != nil {
		attrs = append(attrs, "err", err)
	}
	b.log.Info("session state changed", attrs...)

	for _, fn := range b.stateHooks {
		fn(snapshot)
	}
}

func (b *Bridge) setSpeaking(level playback.Level) {
	if b.current.Speaking == level.Speaking && b.current.Level == level.RMS {
		return
	}
	b.current.Speaking = level.Speaking
	b.current.Level = level.RMS
	snapshot := b.current
	b.status.Store(&snapshot)
	for _, fn := range b.speakingHooks {
		fn(level)
	}
}

// ── Session setup ──────────────────────────────────────────────────────────────

// setup acquires the session's resources off the loop and reports the result
// as a setupResult event. Acquisition order: output context, capture, gateway
// session, workers.
func (b *Bridge) setup(ctx context.Context, res *sessionResources, cfg Config) {
	defer close(res.setupDone)
	err := b.acquire(ctx, res, cfg)
	b.post(res, setupResult{gen: res.gen, err: err})
}

func (b *Bridge) acquire(ctx context.Context, res *sessionResources, cfg Config) error {
	out, err := b.devices.OpenOutput(device.OutputConfig{
		DeviceName: cfg.OutputDevice,
		SampleRate: audio.OutputSampleRate,
		Channels:   audio.Channels,
	})
	if err != nil {
		if !errors.Is(err, device.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", device.ErrDeviceUnavailable, err)
		}
		return fmt.Errorf("bridge: open output: %w", err)
	}
	res.out = out
	res.scheduler = playback.NewScheduler(out)
	res.indicator = playback.NewIndicator(func(l playback.Level) {
		// The rising edge is applied by the loop itself.
		if !l.Speaking {
			b.post(res, speakingChanged{gen: res.gen, level: l})
		}
	})
	if res.isReleased() {
		return ErrDisconnected
	}

	res.capture = capture.New(append([]capture.Option{capture.WithLogger(res.log)}, b.captureOpts...)...)
	if err := res.capture.Start(b.devices, cfg.Capture, res.enqueue); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	if res.isReleased() {
		return ErrDisconnected
	}

	hctx, hcancel := context.WithCancel(ctx)
	defer hcancel()
	stop := context.AfterFunc(res.ctx, hcancel)
	defer stop()

	handle, err := b.gateway.Connect(hctx, cfg.Live, b.callbacks(res))
	if err != nil {
		if res.isReleased() {
			return ErrDisconnected
		}
		if !errors.Is(err, live.ErrHandshakeFailure) {
			err = fmt.Errorf("%w: %w", live.ErrHandshakeFailure, err)
		}
		return fmt.Errorf("bridge: connect %s: %w", b.gateway.Name(), err)
	}
	res.handle = handle

	ctxBg := context.Background()
	res.workers.Add(2)
	go res.runSender(handle,
		func() { b.metrics.FramesSent.Add(ctxBg, 1) },
		func() { b.metrics.SendErrors.Add(ctxBg, 1) },
	)
	go res.runDecoder(audio.NewDecoder(), func(buf *audio.Buffer, err error, took time.Duration) {
		b.post(res, decoded{gen: res.gen, buf: buf, err: err, took: took})
	})
	return nil
}

func (b *Bridge) callbacks(res *sessionResources) live.Callbacks {
	return live.Callbacks{
		OnOpen: func() {
			res.log.Debug("gateway handshake complete")
		},
		OnMessage: func(blob *audio.InboundBlob, tr *live.Transcript) {
			b.post(res, inbound{gen: res.gen, blob: blob, transcript: tr})
		},
		OnError: func(err error) {
			b.post(res, transportFailed{gen: res.gen, err: err})
		},
		OnClose: func(reason string) {
			b.post(res, remoteClosed{gen: res.gen, reason: reason})
		},
	}
}
