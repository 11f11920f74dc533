package config_test

import (
	"strings"
	"testing"

	"github.com/Hideous-Monster/voxclaw/internal/config"
)

const minimalYAML = `
discord:
  token: "bot-token"
  guild_id: "guild-1"
  channel_id: "channel-1"
  target_user_id: "user-1"
gateway:
  url: "https://gateway.example.com/v1"
  token: "gw-token"
cache:
  baked_phrases_dir: "/var/lib/voxclaw/baked"
`

func TestLoadFromReader_MinimalConfigGetsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"log_level", cfg.LogLevel, config.LogInfo},
		{"gateway.session_key", cfg.Gateway.SessionKey, "voice:default"},
		{"gateway.agent_id", cfg.Gateway.AgentID, "voice"},
		{"stt.model", cfg.STT.Model, "whisper-1"},
		{"tts.model", cfg.TTS.Model, "gpt-4o-mini-tts"},
		{"tts.voice", cfg.TTS.Voice, "nova"},
		{"vad.silence_threshold_ms", cfg.VAD.SilenceThresholdMs, 500},
		{"vad.min_speech_ms", cfg.VAD.MinSpeechMs, 200},
		{"vad.max_utterance_sec", cfg.VAD.MaxUtteranceSec, 120},
		{"resilience.max_reconnect_attempts", cfg.Resilience.MaxReconnectAttempts, 5},
		{"resilience.reconnect_backoff_ms", cfg.Resilience.ReconnectBackoffMs, 1000},
		{"resilience.reconnect_backoff_max_ms", cfg.Resilience.ReconnectBackoffMaxMs, 30000},
		{"resilience.idle_disconnect_min", cfg.Resilience.IdleDisconnectMin, 10},
		{"resilience.grace_announce_sec", cfg.Resilience.GraceAnnounceSec, 30},
		{"resilience.user_left_grace_sec", cfg.Resilience.UserLeftGraceSec, 60},
		{"heartbeat.interval_ms", cfg.Heartbeat.IntervalMs, 15000},
		{"heartbeat.silence_prompt_sec", cfg.Heartbeat.SilencePromptSec, 60},
		{"heartbeat.bot_stall_threshold_sec", cfg.Heartbeat.BotStallThresholdSec, 45},
		{"heartbeat.initiative", cfg.Heartbeat.Initiative, config.InitiativeNormal},
		{"cache.max_size_mb", cfg.Cache.MaxSizeMb, 50},
		{"observability.metrics_log_interval_sec", cfg.Observability.MetricsLogIntervalSec, 60},
	}
	for _, tc := range checks {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
			}
		})
	}

	if !cfg.AutoJoin() {
		t.Error("AutoJoin() = false, want true by default")
	}
	if !cfg.NoiseFilterEnabled() {
		t.Error("NoiseFilterEnabled() = false, want true by default")
	}
	if !cfg.CacheEnabled() {
		t.Error("CacheEnabled() = false, want true by default")
	}
	if !cfg.PreWarmOnConnect() {
		t.Error("PreWarmOnConnect() = false, want true by default")
	}
}

func TestLoadFromReader_MissingRequiredFields(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`log_level: info`))
	if err == nil {
		t.Fatal("expected error for empty config, got nil")
	}
	for _, want := range []string{
		"discord.token",
		"discord.guild_id",
		"discord.channel_id",
		"discord.target_user_id",
		"gateway.url",
		"gateway.token",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "\nbogus_field: 1\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadFromReader_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "\nlog_level: verbose\n"))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestLoadFromReader_InvalidInitiative(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
heartbeat:
  initiative: aggressive
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid initiative, got nil")
	}
	if !strings.Contains(err.Error(), "initiative") {
		t.Errorf("error should mention initiative, got: %v", err)
	}
}

func TestLoadFromReader_BackoffOrdering(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
resilience:
  reconnect_backoff_ms: 60000
  reconnect_backoff_max_ms: 30000
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for backoff exceeding max, got nil")
	}
}

func TestLoadFromReader_PreWarmRequiresBakedDir(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(minimalYAML, "  baked_phrases_dir: \"/var/lib/voxclaw/baked\"\n", "", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing baked_phrases_dir, got nil")
	}
	if !strings.Contains(err.Error(), "baked_phrases_dir") {
		t.Errorf("error should mention baked_phrases_dir, got: %v", err)
	}
}

func TestLoadFromReader_ExplicitFalseFlagsRespected(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(minimalYAML, "  target_user_id: \"user-1\"\n",
		"  target_user_id: \"user-1\"\n  auto_join: false\n", 1)
	yaml += `
vad:
  noise_filter_enabled: false
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AutoJoin() {
		t.Error("AutoJoin() = true, want false")
	}
	if cfg.NoiseFilterEnabled() {
		t.Error("NoiseFilterEnabled() = true, want false")
	}
}
