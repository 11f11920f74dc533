// Package session coordinates one voice session end to end: presence
// driven join and leave, the capture loop, the liveness heartbeat, the
// reconnect state machine, and teardown.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Hideous-Monster/voxclaw/internal/config"
	"github.com/Hideous-Monster/voxclaw/internal/heartbeat"
	"github.com/Hideous-Monster/voxclaw/internal/observe"
	"github.com/Hideous-Monster/voxclaw/internal/pipeline"
	"github.com/Hideous-Monster/voxclaw/internal/ttscache"
	"github.com/Hideous-Monster/voxclaw/pkg/voice"
)

// readyTimeout bounds the initial wait for a joined connection to reach
// Ready.
const readyTimeout = 15 * time.Second

// livenessSynthTimeout bounds ad-hoc synthesis of liveness lines.
const livenessSynthTimeout = 10 * time.Second

// Spoken liveness lines. The silence fallback is used only when no baked
// check-in phrase is cached.
const (
	silenceFallbackLine = "Still there?"
	graceLine           = "I haven't heard anything in a while, so I'll drop off soon unless you need me."
	recoveryLine        = "Sorry, I lost my train of thought there. Could you say that again?"
)

// Baked phrase sets, pre-warmed on connect so the bot can respond to
// liveness events without a synthesis round-trip.
var (
	greetingPhrases = []string{
		"Hey, I'm here. What's up?",
		"Hello! I'm listening.",
		"Hi there, ready when you are.",
	}
	checkInPhrases = []string{
		"Still there?",
		"You still with me?",
		"Anything else on your mind?",
	}
)

// TTSClient is the synthesis surface the orchestrator needs: the default
// container for ad-hoc lines and OGG Opus for the baked store.
type TTSClient interface {
	Synthesise(ctx context.Context, text string) ([]byte, error)
	SynthesiseBaked(ctx context.Context, text string) ([]byte, error)
}

// OrchestratorConfig wires an [Orchestrator].
type OrchestratorConfig struct {
	Platform voice.Platform
	Config   *config.Config
	Metrics  *observe.Metrics

	// Cache is nil when caching is disabled.
	Cache *ttscache.Cache

	STT  pipeline.Transcriber
	Chat pipeline.ChatStreamer
	TTS  TTSClient
}

// Orchestrator owns the lifecycle of the bot's presence in the configured
// voice channel. It joins when the target user appears, keeps the session
// alive through the heartbeat and reconnector, and tears down on idle
// timeout, user departure, or reconnect exhaustion.
type Orchestrator struct {
	cfg OrchestratorConfig

	mu            sync.Mutex
	ctx           context.Context
	conn          voice.Connection
	pipe          Pipeline
	hb            *heartbeat.Heartbeat
	capturer      *Capturer
	reconnector   *Reconnector
	joining       bool
	tearingDown   bool
	sessionID     string
	graceTimer    *time.Timer
	metricsDone   chan struct{}
	stallRecovery bool

	waitReady time.Duration

	// newPipeline is swapped out by tests.
	newPipeline func(player voice.Player, onBotSpeech func()) Pipeline
}

// NewOrchestrator creates an Orchestrator. Call [Orchestrator.Run] to
// start listening for presence events.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		waitReady: readyTimeout,
	}
	o.newPipeline = func(player voice.Player, onBotSpeech func()) Pipeline {
		return pipeline.New(pipeline.Config{
			STT:         cfg.STT,
			Chat:        cfg.Chat,
			TTS:         cfg.TTS,
			Player:      player,
			Metrics:     cfg.Metrics,
			Cache:       cfg.Cache,
			CacheConfig: cacheConfigFrom(cfg.Config.TTS),
			CacheMaxMb:  cfg.Config.Cache.MaxSizeMb,
			NoiseFilter: cfg.Config.NoiseFilterEnabled(),
			OnBotSpeech: onBotSpeech,
		})
	}
	return o
}

// cacheConfigFrom maps the TTS configuration to the cache's hashing input.
func cacheConfigFrom(cfg config.TTSConfig) ttscache.TTSConfig {
	return ttscache.TTSConfig{
		Provider:     cfg.Provider,
		Model:        cfg.Model,
		Voice:        cfg.Voice,
		Instructions: cfg.Instructions,
	}
}

// Run registers the platform event handlers and blocks until ctx is
// cancelled, then tears the session down.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.ctx = ctx
	o.mu.Unlock()

	o.cfg.Platform.OnSpeakingStart(func(userID string) {
		o.mu.Lock()
		capturer := o.capturer
		o.mu.Unlock()
		if capturer != nil {
			capturer.OnSpeakingStart(userID)
		}
	})
	o.cfg.Platform.OnPresenceChange(o.handlePresence)

	slog.Info("orchestrator running",
		"guild_id", o.cfg.Config.Discord.GuildID,
		"channel_id", o.cfg.Config.Discord.ChannelID,
		"target_user_id", o.cfg.Config.Discord.TargetUserID,
	)

	<-ctx.Done()
	o.teardown("shutdown")
	return ctx.Err()
}

// handlePresence reacts to the target user entering or leaving the
// configured channel.
func (o *Orchestrator) handlePresence(userID, oldChannelID, newChannelID string) {
	if userID != o.cfg.Config.Discord.TargetUserID {
		return
	}
	channel := o.cfg.Config.Discord.ChannelID

	if newChannelID == channel {
		o.mu.Lock()
		if o.graceTimer != nil {
			o.graceTimer.Stop()
			o.graceTimer = nil
			slog.Info("target user returned, grace timer cancelled", "user_id", userID)
		}
		join := o.cfg.Config.AutoJoin() && o.conn == nil && !o.joining
		ctx := o.ctx
		o.mu.Unlock()
		if join {
			go o.joinChannel(ctx)
		}
		return
	}

	if oldChannelID == channel {
		o.mu.Lock()
		connected := o.conn != nil
		if connected && o.graceTimer == nil {
			grace := time.Duration(o.cfg.Config.Resilience.UserLeftGraceSec) * time.Second
			slog.Info("target user left, starting grace timer", "user_id", userID, "grace", grace)
			o.graceTimer = time.AfterFunc(grace, func() {
				o.teardown("target user did not return")
			})
		}
		o.mu.Unlock()
	}
}

// joinChannel acquires the voice connection and brings up the session:
// pipeline, heartbeat, reconnector, capture loop, metrics timer, and the
// pre-warmed greeting.
func (o *Orchestrator) joinChannel(ctx context.Context) {
	o.mu.Lock()
	if o.joining || o.conn != nil {
		o.mu.Unlock()
		return
	}
	o.joining = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.joining = false
		o.mu.Unlock()
	}()

	discord := o.cfg.Config.Discord
	conn, err := o.cfg.Platform.JoinChannel(ctx, discord.GuildID, discord.ChannelID)
	if err != nil {
		slog.Error("voice join failed", "channel_id", discord.ChannelID, "err", err)
		return
	}

	sessionID := uuid.NewString()
	o.cfg.Metrics.Inc(observe.CounterSessions)
	slog.Info("voice session starting", "session_id", sessionID, "channel_id", discord.ChannelID)

	player := o.cfg.Platform.NewPlayer()
	pipe := o.newPipeline(player, func() {
		o.mu.Lock()
		hb := o.hb
		o.mu.Unlock()
		if hb != nil {
			hb.ReportBotSpeech()
		}
	})

	if err := conn.Subscribe(player); err != nil {
		slog.Error("player subscription failed", "err", err)
		_ = conn.Destroy()
		return
	}

	if err := conn.WaitForState(ctx, voice.StateReady, o.waitReady); err != nil {
		slog.Error("connection never became ready", "err", err)
		_ = conn.Destroy()
		return
	}

	hbCfg := o.cfg.Config.Heartbeat
	res := o.cfg.Config.Resilience
	hb := heartbeat.New(heartbeat.Config{
		Interval:          time.Duration(hbCfg.IntervalMs) * time.Millisecond,
		SilencePrompt:     time.Duration(hbCfg.SilencePromptSec) * time.Second,
		BotStallThreshold: time.Duration(hbCfg.BotStallThresholdSec) * time.Second,
		Initiative:        hbCfg.Initiative,
		IdleDisconnect:    time.Duration(res.IdleDisconnectMin) * time.Minute,
		GraceAnnounce:     time.Duration(res.GraceAnnounceSec) * time.Second,
	}, heartbeat.Callbacks{
		OnSilencePrompt: o.onSilencePrompt,
		OnBotStall:      o.onBotStall,
		OnDesync:        o.onDesync,
		OnGraceAnnounce: o.onGraceAnnounce,
		OnIdleTimeout:   func() { o.teardown("idle timeout") },
	}, o.cfg.Metrics)

	capturer := NewCapturer(CapturerConfig{
		Receiver:         func() voice.Receiver { return conn.Receiver() },
		TargetUserID:     discord.TargetUserID,
		SilenceThreshold: time.Duration(o.cfg.Config.VAD.SilenceThresholdMs) * time.Millisecond,
		MaxUtterance:     time.Duration(o.cfg.Config.VAD.MaxUtteranceSec) * time.Second,
		Pipeline:         pipe,
		Heartbeat:        hb,
		Metrics:          o.cfg.Metrics,
	})

	reconnector := NewReconnector(ReconnectorConfig{
		Connection:  conn,
		MaxAttempts: res.MaxReconnectAttempts,
		Backoff:     time.Duration(res.ReconnectBackoffMs) * time.Millisecond,
		MaxBackoff:  time.Duration(res.ReconnectBackoffMaxMs) * time.Millisecond,
		Metrics:     o.cfg.Metrics,
		OnReconnected: func() {
			if err := conn.Subscribe(player); err != nil {
				slog.Error("player re-subscription failed", "err", err)
			}
			capturer.Restart()
		},
		OnExhausted: func() { o.teardown("reconnect attempts exhausted") },
	})

	// The watcher is installed only after the initial Ready so the normal
	// join progression cannot trigger a reconnect.
	conn.OnStateChange(func(old, new voice.ConnState) {
		slog.Debug("voice state change", "from", old, "to", new)
		if new == voice.StateDisconnected {
			reconnector.NotifyDisconnect()
		}
	})

	metricsDone := make(chan struct{})

	o.mu.Lock()
	o.conn = conn
	o.pipe = pipe
	o.hb = hb
	o.capturer = capturer
	o.reconnector = reconnector
	o.sessionID = sessionID
	o.metricsDone = metricsDone
	o.stallRecovery = false
	o.mu.Unlock()

	hb.Start()
	go o.logMetrics(metricsDone)

	if o.cfg.Cache != nil && o.cfg.Config.PreWarmOnConnect() {
		o.preWarmPhrases(ctx)
	}
	o.playGreeting()

	slog.Info("voice session ready", "session_id", sessionID)
}

// preWarmPhrases bakes the greeting and check-in sets.
func (o *Orchestrator) preWarmPhrases(ctx context.Context) {
	dir := o.cfg.Config.Cache.BakedPhrasesDir
	maxMb := o.cfg.Config.Cache.MaxSizeMb
	cfg := cacheConfigFrom(o.cfg.Config.TTS)

	for label, phrases := range map[string][]string{
		ttscache.LabelGreetings: greetingPhrases,
		ttscache.LabelCheckIns:  checkInPhrases,
	} {
		if err := o.cfg.Cache.PreWarm(ctx, dir, phrases, label, o.cfg.TTS, cfg, maxMb); err != nil {
			slog.Warn("phrase pre-warm failed", "label", label, "err", err)
		}
	}
}

// playGreeting plays a random baked greeting when one is cached.
func (o *Orchestrator) playGreeting() {
	if o.cfg.Cache == nil {
		return
	}
	ph, ok := o.cfg.Cache.GetRandomPhrase(ttscache.LabelGreetings)
	if !ok {
		return
	}
	o.mu.Lock()
	pipe := o.pipe
	o.mu.Unlock()
	if pipe != nil {
		pipe.PlayDirect(phraseResource(ph))
	}
}

// phraseResource picks the container matching the phrase's origin.
func phraseResource(ph ttscache.Phrase) voice.Resource {
	container := voice.ContainerArbitrary
	if ph.BakedOgg {
		container = voice.ContainerOggOpus
	}
	return voice.Resource{Data: ph.Data, Container: container}
}

// logMetrics emits a metrics snapshot at INFO on the configured cadence.
func (o *Orchestrator) logMetrics(done chan struct{}) {
	interval := time.Duration(o.cfg.Config.Observability.MetricsLogIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			slog.Info("metrics snapshot", "metrics", o.cfg.Metrics.Snapshot())
		}
	}
}

// ─── liveness callbacks ───────────────────────────────────────────────────────

func (o *Orchestrator) onSilencePrompt() {
	o.mu.Lock()
	pipe := o.pipe
	o.mu.Unlock()
	if pipe == nil {
		return
	}

	if o.cfg.Cache != nil {
		if ph, ok := o.cfg.Cache.GetRandomPhrase(ttscache.LabelCheckIns); ok {
			pipe.PlayDirect(phraseResource(ph))
			return
		}
	}
	o.speakLine(pipe, silenceFallbackLine)
}

func (o *Orchestrator) onGraceAnnounce() {
	o.mu.Lock()
	pipe := o.pipe
	o.mu.Unlock()
	if pipe != nil {
		o.speakLine(pipe, graceLine)
	}
}

func (o *Orchestrator) onBotStall() {
	o.mu.Lock()
	pipe := o.pipe
	reconnector := o.reconnector
	first := !o.stallRecovery
	o.stallRecovery = !o.stallRecovery
	o.mu.Unlock()

	if pipe == nil || pipe.LastTranscript() == "" {
		return
	}

	if first {
		slog.Warn("bot stalled, forcing reconnect", "last_transcript", pipe.LastTranscript())
		pipe.Interrupt()
		o.speakLine(pipe, recoveryLine)
		if reconnector != nil {
			reconnector.NotifyDisconnect()
		}
		return
	}
	o.speakLine(pipe, recoveryLine)
}

func (o *Orchestrator) onDesync() {
	o.mu.Lock()
	capturer := o.capturer
	o.mu.Unlock()
	if capturer != nil {
		capturer.Restart()
	}
}

// speakLine synthesises and plays one ad-hoc line.
func (o *Orchestrator) speakLine(pipe Pipeline, line string) {
	ctx, cancel := context.WithTimeout(context.Background(), livenessSynthTimeout)
	defer cancel()
	buf, err := o.cfg.TTS.Synthesise(ctx, line)
	if err != nil {
		slog.Warn("liveness line synthesis failed", "line", line, "err", err)
		return
	}
	pipe.PlayDirect(voice.Resource{Data: buf, Container: voice.ContainerArbitrary})
}

// teardown dismantles the active session. Safe to call from any callback;
// only the first concurrent call acts.
func (o *Orchestrator) teardown(reason string) {
	o.mu.Lock()
	if o.tearingDown || o.conn == nil {
		o.mu.Unlock()
		return
	}
	o.tearingDown = true
	conn := o.conn
	hb := o.hb
	capturer := o.capturer
	reconnector := o.reconnector
	metricsDone := o.metricsDone
	sessionID := o.sessionID
	pipe := o.pipe
	if o.graceTimer != nil {
		o.graceTimer.Stop()
		o.graceTimer = nil
	}
	o.conn = nil
	o.pipe = nil
	o.hb = nil
	o.capturer = nil
	o.reconnector = nil
	o.metricsDone = nil
	o.mu.Unlock()

	slog.Info("voice session ending", "session_id", sessionID, "reason", reason)

	if hb != nil {
		hb.Stop()
	}
	if reconnector != nil {
		reconnector.Stop()
	}
	if capturer != nil {
		capturer.Stop()
	}
	if pipe != nil {
		pipe.Interrupt()
	}
	if metricsDone != nil {
		close(metricsDone)
	}
	if err := conn.Destroy(); err != nil {
		slog.Warn("connection destroy failed", "err", err)
	}

	o.mu.Lock()
	o.tearingDown = false
	o.mu.Unlock()
}
