// Package app wires the livecritic subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the transcript log, the
// session bridge and the HTTP control surface, Run serves until the context
// is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithTranscriptLog,
// WithMetrics, etc.) and pass mock gateway and device implementations to New.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livecritic/internal/bridge"
	"github.com/MrWong99/livecritic/internal/config"
	"github.com/MrWong99/livecritic/internal/health"
	"github.com/MrWong99/livecritic/internal/observe"
	"github.com/MrWong99/livecritic/internal/transcript"
	"github.com/MrWong99/livecritic/internal/transcript/postgres"
	"github.com/MrWong99/livecritic/pkg/audio/capture"
	"github.com/MrWong99/livecritic/pkg/audio/device"
	"github.com/MrWong99/livecritic/pkg/provider/live"
)

// shutdownGrace bounds the HTTP server shutdown inside Run.
const shutdownGrace = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	bridge      *bridge.Bridge
	transcripts transcript.Log
	recorder    *transcript.Recorder
	health      *health.Handler
	watcher     *config.Watcher

	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar
	bridgeOpts     []bridge.Option
	checkers       []health.Checker

	// listener is set by WithListener; otherwise Run listens on
	// cfg.Server.ListenAddr.
	listener net.Listener

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTranscriptLog injects a transcript log instead of creating one from
// config.
func WithTranscriptLog(l transcript.Log) Option {
	return func(a *App) { a.transcripts = l }
}

// WithMetrics sets the metrics sink and the handler served on /metrics.
func WithMetrics(m *observe.Metrics, handler http.Handler) Option {
	return func(a *App) {
		a.metrics = m
		a.metricsHandler = handler
	}
}

// WithLogLevel lets config reloads change the log level at runtime.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithWatcher runs w alongside the server; its changes should be routed to
// [App.ApplyConfig].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithBridgeOptions passes extra options to the session bridge.
func WithBridgeOptions(opts ...bridge.Option) Option {
	return func(a *App) { a.bridgeOpts = append(a.bridgeOpts, opts...) }
}

// WithListener makes Run serve on l instead of cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg, the realtime gateway and the audio device
// backend.
func New(ctx context.Context, cfg *config.Config, gw live.Gateway, devices device.Backend, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Transcript log ────────────────────────────────────────────────
	if err := a.initTranscripts(ctx); err != nil {
		return nil, fmt.Errorf("app: init transcripts: %w", err)
	}
	a.recorder = transcript.NewRecorder(a.transcripts,
		transcript.WithRecorderLogger(a.log.With("component", "transcript")))

	// ── 2. Session bridge ────────────────────────────────────────────────
	bopts := append([]bridge.Option{
		bridge.WithLogger(a.log.With("component", "bridge")),
		bridge.WithMetrics(a.metrics),
		bridge.WithTranscriptHook(a.recordTranscript),
	}, a.bridgeOpts...)
	a.bridge = bridge.New(gw, devices, BridgeConfig(cfg), bopts...)
	a.closers = append(a.closers, a.bridge.Close)

	// ── 3. Health ────────────────────────────────────────────────────────
	checkers := append([]health.Checker{
		health.Func("bridge", a.bridgeRunning),
	}, a.checkers...)
	a.health = health.New(checkers...)

	return a, nil
}

func (a *App) initTranscripts(ctx context.Context) error {
	if a.transcripts != nil {
		return nil
	}
	dsn := a.cfg.Transcripts.PostgresDSN
	if dsn == "" {
		a.transcripts = transcript.NewMemory()
		return nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.transcripts = store
	a.checkers = append(a.checkers, health.Ping("transcripts", store))
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	a.log.Info("transcripts persisted to postgres")
	return nil
}

// BridgeConfig maps the application config onto the session bridge config.
func BridgeConfig(cfg *config.Config) bridge.Config {
	return bridge.Config{
		Live: LiveConfig(cfg.Gateway),
		Capture: capture.Config{
			DeviceName:       cfg.Audio.InputDevice,
			EchoCancellation: cfg.Audio.EchoCancellation,
		},
		OutputDevice:  cfg.Audio.OutputDevice,
		OutboundQueue: cfg.Audio.OutboundQueue,
	}
}

// LiveConfig maps the gateway config onto the per-session handshake config.
func LiveConfig(g config.GatewayConfig) live.Config {
	return live.Config{
		Model:        g.Model,
		Voice:        g.Voice,
		Instructions: g.Instructions,
		Transcribe:   g.TranscribeEnabled(),
	}
}

// Bridge returns the session bridge.
func (a *App) Bridge() *bridge.Bridge { return a.bridge }

// Transcripts returns the transcript log.
func (a *App) Transcripts() transcript.Log { return a.transcripts }

func (a *App) recordTranscript(e bridge.TranscriptEvent) {
	a.recorder.Record(transcript.Entry{
		SessionID: e.SessionID,
		Role:      e.Transcript.Role,
		Text:      e.Transcript.Text,
		At:        e.At,
	})
}

// bridgeRunning reports false once the bridge has been closed.
func (a *App) bridgeRunning() bool {
	select {
	case <-a.bridge.Done():
		return false
	default:
		return true
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control surface, drains transcripts and, when configured,
// connects a session at startup. It blocks until ctx is cancelled or the HTTP
// server fails.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("control server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return a.recorder.Run(gctx) })
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	if a.cfg.Server.Autoconnect {
		g.Go(func() error {
			if err := a.bridge.Connect(gctx); err != nil {
				a.log.Error("autoconnect failed", "kind", bridge.Kind(err), "err", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// ApplyConfig applies the hot-reloadable parts of a config change. Gateway
// session settings take effect on the next Connect.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.bridge.UpdateLive(LiveConfig(new.Gateway))
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart to take effect", "fields", d.RestartRequired)
	}
}

// SlogLevel converts a config log level to an slog level.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse init order: the bridge
// first, so the devices and the gateway session are released before storage
// closes. If ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
