// Command livecritic bridges the local microphone and speaker to a realtime
// speech model and exposes an HTTP control surface for the session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/livecritic/internal/app"
	"github.com/MrWong99/livecritic/internal/config"
	"github.com/MrWong99/livecritic/internal/observe"
	"github.com/MrWong99/livecritic/internal/resilience"
	"github.com/MrWong99/livecritic/pkg/audio/device/malgo"
	"github.com/MrWong99/livecritic/pkg/provider/live"
	"github.com/MrWong99/livecritic/pkg/provider/live/gemini"
	"github.com/MrWong99/livecritic/pkg/provider/live/openai"
)

// version is overridden at build time with -ldflags "-X main.version=…".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "livecritic.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload gateway settings and log level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	var (
		cfg     *config.Config
		watcher *config.Watcher
		err     error
		onEdit  func(old, new *config.Config)
	)
	if *watch {
		watcher, err = config.NewWatcher(*configPath, func(old, new *config.Config) {
			if onEdit != nil {
				onEdit(old, new)
			}
		})
		if watcher != nil {
			cfg = watcher.Current()
		}
	} else {
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livecritic: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livecritic: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(level))

	slog.Info("livecritic starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Gateway ───────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinGateways(reg)
	inner, err := reg.CreateGateway(cfg.Gateway)
	if err != nil {
		slog.Error("failed to build gateway", "err", err)
		return 1
	}
	gw := resilience.Guard(inner, resilience.WithGuardLogger(slog.Default().With("component", "breaker")))

	// ── Audio devices ─────────────────────────────────────────────────────────
	devices, err := malgo.New()
	if err != nil {
		slog.Error("failed to initialise audio backend", "err", err)
		return 1
	}
	defer devices.Close()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, devices.Name())

	opts := []app.Option{
		app.WithMetrics(tel.Metrics, tel.Handler),
		app.WithLogLevel(level),
	}
	if watcher != nil {
		opts = append(opts, app.WithWatcher(watcher))
	}
	application, err := app.New(ctx, cfg, gw, devices, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	onEdit = application.ApplyConfig

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Gateway wiring ────────────────────────────────────────────────────────────

// registerBuiltinGateways wires all built-in gateway factories into reg.
func registerBuiltinGateways(reg *config.Registry) {
	reg.RegisterGateway("gemini-live", func(c config.GatewayConfig) (live.Gateway, error) {
		if c.APIKey == "" {
			return nil, errors.New("gemini-live: api_key is required")
		}
		var opts []gemini.Option
		if c.Model != "" {
			opts = append(opts, gemini.WithModel(c.Model))
		}
		if c.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(c.BaseURL))
		}
		opts = append(opts, gemini.WithLogger(slog.Default().With("component", "gemini")))
		return gemini.New(c.APIKey, opts...), nil
	})
	reg.RegisterGateway("openai-realtime", func(c config.GatewayConfig) (live.Gateway, error) {
		if c.APIKey == "" {
			return nil, errors.New("openai-realtime: api_key is required")
		}
		var opts []openai.Option
		if c.Model != "" {
			opts = append(opts, openai.WithModel(c.Model))
		}
		if c.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(c.BaseURL))
		}
		opts = append(opts, openai.WithLogger(slog.Default().With("component", "openai")))
		return openai.New(c.APIKey, opts...), nil
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, backend string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       livecritic startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Gateway", cfg.Gateway.Name, cfg.Gateway.Model)
	printRow("Voice", cfg.Gateway.Voice, "")
	printRow("Audio", backend, "")
	printRow("Microphone", orDefault(cfg.Audio.InputDevice), "")
	printRow("Speaker", orDefault(cfg.Audio.OutputDevice), "")
	if cfg.Transcripts.PostgresDSN != "" {
		printRow("Transcripts", "postgres", "")
	} else {
		printRow("Transcripts", "memory", "")
	}
	printRow("Autoconnect", fmt.Sprint(cfg.Server.Autoconnect), "")
	printRow("Listen addr", cfg.Server.ListenAddr, "")
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func orDefault(name string) string {
	if name == "" {
		return "(system default)"
	}
	return name
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
