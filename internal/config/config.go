// Package config provides the configuration schema, loader, defaults, and
// validation for the voxclaw voice bridge.
package config

// LogLevel controls log verbosity for the voxclaw process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Initiative controls how proactively the bot speaks up during silences.
type Initiative string

const (
	// InitiativePassive never prompts on silence.
	InitiativePassive Initiative = "passive"

	// InitiativeNormal prompts after the configured silence window.
	InitiativeNormal Initiative = "normal"

	// InitiativeActive prompts after a fixed 30-second silence window,
	// regardless of the configured one.
	InitiativeActive Initiative = "active"
)

// IsValid reports whether i is a recognised initiative level.
func (i Initiative) IsValid() bool {
	switch i {
	case InitiativePassive, InitiativeNormal, InitiativeActive:
		return true
	}
	return false
}

// Config is the root configuration structure for voxclaw.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	Discord       DiscordConfig       `yaml:"discord"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	STT           STTConfig           `yaml:"stt"`
	TTS           TTSConfig           `yaml:"tts"`
	VAD           VADConfig           `yaml:"vad"`
	Resilience    ResilienceConfig    `yaml:"resilience"`
	Heartbeat     HeartbeatConfig     `yaml:"heartbeat"`
	Cache         CacheConfig         `yaml:"cache"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DiscordConfig identifies the bot account and the voice channel it bridges.
type DiscordConfig struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// GuildID is the guild containing the target voice channel.
	GuildID string `yaml:"guild_id"`

	// ChannelID is the voice channel to join.
	ChannelID string `yaml:"channel_id"`

	// TargetUserID is the single user whose speech is bridged.
	TargetUserID string `yaml:"target_user_id"`

	// AutoJoin joins the channel automatically when the target user is
	// present. Default: true.
	AutoJoin *bool `yaml:"auto_join"`
}

// GatewayConfig addresses the chat-completion gateway.
type GatewayConfig struct {
	// URL is the gateway base URL (e.g., "https://gateway.example.com").
	// Chat completions are served under <url>/v1/chat/completions.
	URL string `yaml:"url"`

	// Token is the bearer token for the gateway.
	Token string `yaml:"token"`

	// SessionKey scopes the conversation on the gateway side.
	// Default: "voice:default".
	SessionKey string `yaml:"session_key"`

	// AgentID identifies this bridge to the gateway. Default: "voice".
	AgentID string `yaml:"agent_id"`

	// Model is the chat model requested from the gateway.
	Model string `yaml:"model"`
}

// STTConfig selects the speech-to-text provider.
type STTConfig struct {
	// Provider is the STT provider name (e.g., "openai").
	Provider string `yaml:"provider"`

	// Model is the transcription model. Default: "whisper-1".
	Model string `yaml:"model"`

	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Language is an optional BCP-47 hint passed to the provider.
	Language string `yaml:"language"`
}

// TTSConfig selects the text-to-speech provider and voice. Provider, Model,
// Voice, and Instructions together form the cache config hash; changing any
// of them invalidates every cached synthesis.
type TTSConfig struct {
	// Provider is the TTS provider name (e.g., "openai", "elevenlabs").
	Provider string `yaml:"provider"`

	// Model is the synthesis model. Default: "gpt-4o-mini-tts".
	Model string `yaml:"model"`

	// Voice is the provider voice identifier. Default: "nova".
	Voice string `yaml:"voice"`

	// Instructions is an optional style prompt forwarded to the provider.
	Instructions string `yaml:"instructions"`

	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`
}

// VADConfig tunes utterance segmentation on the capture side.
type VADConfig struct {
	// SilenceThresholdMs is the trailing silence that ends an utterance.
	// Default: 500.
	SilenceThresholdMs int `yaml:"silence_threshold_ms"`

	// MinSpeechMs is the minimum utterance length considered speech.
	// Default: 200.
	MinSpeechMs int `yaml:"min_speech_ms"`

	// MaxUtteranceSec caps a single utterance. Default: 120.
	MaxUtteranceSec int `yaml:"max_utterance_sec"`

	// NoiseFilterEnabled drops transcripts that look like non-speech.
	// Default: true.
	NoiseFilterEnabled *bool `yaml:"noise_filter_enabled"`
}

// ResilienceConfig tunes reconnect and teardown behaviour.
type ResilienceConfig struct {
	// MaxReconnectAttempts bounds the reconnect state machine. Default: 5.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// ReconnectBackoffMs is the initial backoff delay. Default: 1000.
	ReconnectBackoffMs int `yaml:"reconnect_backoff_ms"`

	// ReconnectBackoffMaxMs caps the exponential backoff. Default: 30000.
	ReconnectBackoffMaxMs int `yaml:"reconnect_backoff_max_ms"`

	// IdleDisconnectMin leaves the channel after this many minutes without
	// user speech. Default: 10.
	IdleDisconnectMin int `yaml:"idle_disconnect_min"`

	// GraceAnnounceSec announces the upcoming idle disconnect this many
	// seconds before it happens. Default: 30.
	GraceAnnounceSec int `yaml:"grace_announce_sec"`

	// UserLeftGraceSec waits this long for the target user to return
	// before leaving. Default: 60.
	UserLeftGraceSec int `yaml:"user_left_grace_sec"`
}

// HeartbeatConfig tunes the session liveness ticker.
type HeartbeatConfig struct {
	// IntervalMs is the tick interval. Default: 15000.
	IntervalMs int `yaml:"interval_ms"`

	// SilencePromptSec prompts the user after this much mutual silence.
	// Default: 60.
	SilencePromptSec int `yaml:"silence_prompt_sec"`

	// BotStallThresholdSec detects a stalled reply after this long.
	// Default: 45.
	BotStallThresholdSec int `yaml:"bot_stall_threshold_sec"`

	// Initiative selects how proactively the bot fills silences.
	// Default: normal.
	Initiative Initiative `yaml:"initiative"`
}

// CacheConfig tunes the TTS synthesis cache and the baked-phrase store.
type CacheConfig struct {
	// Enabled toggles caching entirely. Default: true.
	Enabled *bool `yaml:"enabled"`

	// MaxSizeMb bounds the in-memory cache. Default: 50.
	MaxSizeMb int `yaml:"max_size_mb"`

	// PreWarmOnConnect synthesises the baked phrase set on first join.
	// Default: true.
	PreWarmOnConnect *bool `yaml:"pre_warm_on_connect"`

	// BakedPhrasesDir is the on-disk store for baked phrases.
	BakedPhrasesDir string `yaml:"baked_phrases_dir"`
}

// ObservabilityConfig tunes metric logging and the HTTP probe.
type ObservabilityConfig struct {
	// MetricsLogIntervalSec logs a metrics snapshot this often during an
	// active session. Default: 60.
	MetricsLogIntervalSec int `yaml:"metrics_log_interval_sec"`

	// HealthPort serves /health and /metrics when > 0. Default: 0 (off).
	HealthPort int `yaml:"health_port"`
}

// AutoJoin returns the effective auto-join flag.
func (c *Config) AutoJoin() bool {
	return c.Discord.AutoJoin == nil || *c.Discord.AutoJoin
}

// NoiseFilterEnabled returns the effective noise-filter flag.
func (c *Config) NoiseFilterEnabled() bool {
	return c.VAD.NoiseFilterEnabled == nil || *c.VAD.NoiseFilterEnabled
}

// CacheEnabled returns the effective cache flag.
func (c *Config) CacheEnabled() bool {
	return c.Cache.Enabled == nil || *c.Cache.Enabled
}

// PreWarmOnConnect returns the effective pre-warm flag.
func (c *Config) PreWarmOnConnect() bool {
	return c.Cache.PreWarmOnConnect == nil || *c.Cache.PreWarmOnConnect
}
