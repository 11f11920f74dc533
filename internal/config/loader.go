package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies defaults, and
// returns a validated [Config]. It is a convenience wrapper around
// [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its documented default.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.Gateway.SessionKey == "" {
		cfg.Gateway.SessionKey = "voice:default"
	}
	if cfg.Gateway.AgentID == "" {
		cfg.Gateway.AgentID = "voice"
	}
	if cfg.STT.Model == "" {
		cfg.STT.Model = "whisper-1"
	}
	if cfg.TTS.Model == "" {
		cfg.TTS.Model = "gpt-4o-mini-tts"
	}
	if cfg.TTS.Voice == "" {
		cfg.TTS.Voice = "nova"
	}
	if cfg.VAD.SilenceThresholdMs == 0 {
		cfg.VAD.SilenceThresholdMs = 500
	}
	if cfg.VAD.MinSpeechMs == 0 {
		cfg.VAD.MinSpeechMs = 200
	}
	if cfg.VAD.MaxUtteranceSec == 0 {
		cfg.VAD.MaxUtteranceSec = 120
	}
	if cfg.Resilience.MaxReconnectAttempts == 0 {
		cfg.Resilience.MaxReconnectAttempts = 5
	}
	if cfg.Resilience.ReconnectBackoffMs == 0 {
		cfg.Resilience.ReconnectBackoffMs = 1000
	}
	if cfg.Resilience.ReconnectBackoffMaxMs == 0 {
		cfg.Resilience.ReconnectBackoffMaxMs = 30000
	}
	if cfg.Resilience.IdleDisconnectMin == 0 {
		cfg.Resilience.IdleDisconnectMin = 10
	}
	if cfg.Resilience.GraceAnnounceSec == 0 {
		cfg.Resilience.GraceAnnounceSec = 30
	}
	if cfg.Resilience.UserLeftGraceSec == 0 {
		cfg.Resilience.UserLeftGraceSec = 60
	}
	if cfg.Heartbeat.IntervalMs == 0 {
		cfg.Heartbeat.IntervalMs = 15000
	}
	if cfg.Heartbeat.SilencePromptSec == 0 {
		cfg.Heartbeat.SilencePromptSec = 60
	}
	if cfg.Heartbeat.BotStallThresholdSec == 0 {
		cfg.Heartbeat.BotStallThresholdSec = 45
	}
	if cfg.Heartbeat.Initiative == "" {
		cfg.Heartbeat.Initiative = InitiativeNormal
	}
	if cfg.Cache.MaxSizeMb == 0 {
		cfg.Cache.MaxSizeMb = 50
	}
	if cfg.Observability.MetricsLogIntervalSec == 0 {
		cfg.Observability.MetricsLogIntervalSec = 60
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Any error here is fatal before a connection is opened.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	if cfg.Discord.GuildID == "" {
		errs = append(errs, errors.New("discord.guild_id is required"))
	}
	if cfg.Discord.ChannelID == "" {
		errs = append(errs, errors.New("discord.channel_id is required"))
	}
	if cfg.Discord.TargetUserID == "" {
		errs = append(errs, errors.New("discord.target_user_id is required"))
	}

	if cfg.Gateway.URL == "" {
		errs = append(errs, errors.New("gateway.url is required"))
	}
	if cfg.Gateway.Token == "" {
		errs = append(errs, errors.New("gateway.token is required"))
	}

	if !cfg.Heartbeat.Initiative.IsValid() {
		errs = append(errs, fmt.Errorf("heartbeat.initiative %q is invalid; valid values: passive, normal, active", cfg.Heartbeat.Initiative))
	}

	if cfg.Resilience.ReconnectBackoffMs > cfg.Resilience.ReconnectBackoffMaxMs {
		errs = append(errs, fmt.Errorf("resilience.reconnect_backoff_ms %d exceeds reconnect_backoff_max_ms %d",
			cfg.Resilience.ReconnectBackoffMs, cfg.Resilience.ReconnectBackoffMaxMs))
	}

	if cfg.CacheEnabled() && cfg.PreWarmOnConnect() && cfg.Cache.BakedPhrasesDir == "" {
		errs = append(errs, errors.New("cache.baked_phrases_dir is required when pre-warm is enabled"))
	}

	if cfg.Observability.HealthPort < 0 || cfg.Observability.HealthPort > 65535 {
		errs = append(errs, fmt.Errorf("observability.health_port %d is out of range [0, 65535]", cfg.Observability.HealthPort))
	}

	return errors.Join(errs...)
}

// SlogLevel maps the configured level to its slog equivalent.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
