// Command voxclaw bridges a Discord voice channel to the OpenClaw chat
// gateway: it captures the target user's speech, transcribes it, streams
// the reply back sentence by sentence, and plays the synthesised audio
// into the same channel.
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

	"github.com/bwmarrin/discordgo"

	"github.com/Hideous-Monster/voxclaw/internal/config"
	"github.com/Hideous-Monster/voxclaw/internal/gateway"
	"github.com/Hideous-Monster/voxclaw/internal/health"
	"github.com/Hideous-Monster/voxclaw/internal/observe"
	"github.com/Hideous-Monster/voxclaw/internal/session"
	"github.com/Hideous-Monster/voxclaw/internal/ttscache"
	discordvoice "github.com/Hideous-Monster/voxclaw/pkg/voice/discord"
)

const shutdownTimeout = 15 * time.Second

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxclaw: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxclaw: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("voxclaw starting",
		"config", *configPath,
		"guild_id", cfg.Discord.GuildID,
		"channel_id", cfg.Discord.ChannelID,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	mp, shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxclaw",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}
	metrics := observe.NewMetrics(mp)

	// ── Health server (optional) ──────────────────────────────────────────────
	var healthSrv *health.Server
	if cfg.Observability.HealthPort > 0 {
		healthSrv = health.New(cfg.Observability.HealthPort, metrics)
		go func() {
			if err := healthSrv.Start(); err != nil {
				slog.Error("health server error", "err", err)
			}
		}()
	}

	// ── Discord session ───────────────────────────────────────────────────────
	discordSession, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		slog.Error("failed to create discord session", "err", err)
		return 1
	}
	discordSession.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	platform := discordvoice.New(discordSession)

	if err := discordSession.Open(); err != nil {
		slog.Error("failed to open discord gateway", "err", err)
		return 1
	}
	defer discordSession.Close()
	slog.Info("discord gateway connected")

	// ── Providers & cache ─────────────────────────────────────────────────────
	var cache *ttscache.Cache
	if cfg.CacheEnabled() {
		cache = ttscache.New(metrics)
	}

	orchestrator := session.NewOrchestrator(session.OrchestratorConfig{
		Platform: platform,
		Config:   cfg,
		Metrics:  metrics,
		Cache:    cache,
		STT:      gateway.NewSTTClient(cfg.STT, cfg.VAD.MinSpeechMs),
		Chat:     gateway.NewChatClient(cfg.Gateway),
		TTS:      gateway.NewTTSClient(cfg.TTS),
	})

	slog.Info("voxclaw ready — press Ctrl+C to shut down")

	if err := orchestrator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if healthSrv != nil {
		if err := healthSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("health server shutdown error", "err", err)
		}
	}
	if err := shutdownMetrics(shutdownCtx); err != nil {
		slog.Warn("metrics shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}
