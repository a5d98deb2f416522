package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// APIKeyEnvVar is consulted first when gateway.api_key is empty.
const APIKeyEnvVar = "LIVECRITIC_API_KEY"

// GatewayAPIKeyEnvVars maps gateway names to the vendor variable consulted
// after [APIKeyEnvVar].
var GatewayAPIKeyEnvVars = map[string]string{
	"gemini-live":     "GEMINI_API_KEY",
	"openai-realtime": "OPENAI_API_KEY",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.Getenv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills values that may come from the environment. getenv is
// usually [os.Getenv].
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg.Gateway.APIKey != "" {
		return
	}
	gateway := cfg.Gateway.Name
	if gateway == "" {
		gateway = DefaultGateway
	}
	for _, name := range []string{APIKeyEnvVar, GatewayAPIKeyEnvVars[gateway]} {
		if name == "" {
			continue
		}
		if v := strings.TrimSpace(getenv(name)); v != "" {
			cfg.Gateway.APIKey = v
			return
		}
	}
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Gateway.Name == "" {
		cfg.Gateway.Name = DefaultGateway
	}
	if cfg.Audio.OutboundQueue == 0 {
		cfg.Audio.OutboundQueue = DefaultOutboundQueue
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr != "" && !strings.Contains(cfg.Server.ListenAddr, ":") {
		errs = append(errs, fmt.Errorf("server.listen_addr %q must be host:port", cfg.Server.ListenAddr))
	}

	// Gateway
	if cfg.Gateway.Name == "" {
		errs = append(errs, errors.New("gateway.name is required"))
	}
	if cfg.Gateway.APIKey == "" {
		vars := APIKeyEnvVar
		if v, ok := GatewayAPIKeyEnvVars[cfg.Gateway.Name]; ok {
			vars += " or " + v
		}
		errs = append(errs, fmt.Errorf("gateway.api_key is required (or set %s)", vars))
	}
	if cfg.Gateway.BaseURL != "" &&
		!strings.HasPrefix(cfg.Gateway.BaseURL, "ws://") && !strings.HasPrefix(cfg.Gateway.BaseURL, "wss://") {
		errs = append(errs, fmt.Errorf("gateway.base_url %q must use ws:// or wss://", cfg.Gateway.BaseURL))
	}
	if cfg.Gateway.Instructions == "" {
		slog.Warn("gateway.instructions is empty; the model will answer without a persona")
	}

	// Audio
	if cfg.Audio.OutboundQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.outbound_queue %d must not be negative", cfg.Audio.OutboundQueue))
	}

	// Transcripts
	if cfg.Transcripts.PostgresDSN == "" {
		slog.Debug("transcripts.postgres_dsn is empty; transcripts are kept in memory only")
	}

	return errors.Join(errs...)
}
