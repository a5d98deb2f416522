package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked; the rest
// take effect on the next start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if any gateway setting that is sent during the
	// handshake changed. The new values apply to the next session.
	SessionChanged bool
	ModelChanged   bool
	VoiceChanged   bool
	PromptChanged  bool

	// RestartRequired lists fields that changed but cannot be hot-reloaded.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	og, ng := old.Gateway, new.Gateway
	d.ModelChanged = og.Model != ng.Model
	d.VoiceChanged = og.Voice != ng.Voice
	d.PromptChanged = og.Instructions != ng.Instructions || og.TranscribeEnabled() != ng.TranscribeEnabled()
	d.SessionChanged = d.ModelChanged || d.VoiceChanged || d.PromptChanged

	restart := []struct {
		name    string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"gateway.name", og.Name != ng.Name},
		{"gateway.api_key", og.APIKey != ng.APIKey},
		{"gateway.base_url", og.BaseURL != ng.BaseURL},
		{"audio", old.Audio != new.Audio},
		{"transcripts.postgres_dsn", old.Transcripts != new.Transcripts},
	}
	for _, f := range restart {
		if f.changed {
			d.RestartRequired = append(d.RestartRequired, f.name)
		}
	}

	return d
}
