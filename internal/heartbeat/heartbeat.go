// Package heartbeat implements the per-session liveness ticker. Each tick
// inspects the session's speech and frame timestamps and fires at most one
// callback per liveness stage: silence prompt, bot stall, audio desync, and
// the two-stage idle timeout.
package heartbeat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Hideous-Monster/voxclaw/internal/config"
	"github.com/Hideous-Monster/voxclaw/internal/observe"
)

const (
	// desyncWindow is how long the speaking flag may stay raised without an
	// inbound audio frame before the receive path is considered desynced.
	desyncWindow = 5 * time.Second

	// activeSilencePrompt overrides the configured silence window when
	// initiative is active.
	activeSilencePrompt = 30 * time.Second
)

// Callbacks are the liveness handlers, captured at construction so the
// heartbeat never needs a back-reference into its owner. All callbacks fire
// from the tick goroutine only and never concurrently with themselves.
type Callbacks struct {
	OnSilencePrompt func()
	OnBotStall      func()
	OnDesync        func()
	OnGraceAnnounce func()
	OnIdleTimeout   func()
}

// Config tunes the heartbeat stages.
type Config struct {
	Interval          time.Duration
	SilencePrompt     time.Duration
	BotStallThreshold time.Duration
	Initiative        config.Initiative
	IdleDisconnect    time.Duration
	GraceAnnounce     time.Duration
}

// Heartbeat tracks session liveness timestamps and drives the stage
// callbacks. All exported methods are safe for concurrent use.
type Heartbeat struct {
	cfg     Config
	cbs     Callbacks
	metrics *observe.Metrics

	mu                  sync.Mutex
	sessionStartAt      time.Time
	lastUserSpeechAt    time.Time
	lastBotSpeechAt     time.Time
	lastFrameReceivedAt time.Time
	userSpeaking        bool

	silencePromptFired bool
	botStallFired      bool
	graceAnnounced     bool
	idleTimeoutFired   bool

	stopOnce sync.Once
	done     chan struct{}

	now func() time.Time
}

// New creates a Heartbeat primed with the current time for every timestamp,
// so a freshly joined session starts its idle clock at zero.
func New(cfg Config, cbs Callbacks, metrics *observe.Metrics) *Heartbeat {
	h := &Heartbeat{
		cfg:     cfg,
		cbs:     cbs,
		metrics: metrics,
		done:    make(chan struct{}),
		now:     time.Now,
	}
	start := h.now()
	h.sessionStartAt = start
	h.lastUserSpeechAt = start
	h.lastBotSpeechAt = start
	h.lastFrameReceivedAt = start
	return h
}

// Start launches the tick loop. Stop terminates it.
func (h *Heartbeat) Start() {
	go func() {
		ticker := time.NewTicker(h.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.tick(h.now())
			case <-h.done:
				return
			}
		}
	}()
}

// Stop terminates the tick loop. Safe to call more than once.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// ReportUserSpeech timestamps user speech and clears all four stage guards:
// fresh user activity re-arms every stage.
func (h *Heartbeat) ReportUserSpeech() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastUserSpeechAt = h.now()
	h.silencePromptFired = false
	h.botStallFired = false
	h.graceAnnounced = false
	h.idleTimeoutFired = false
}

// ReportBotSpeech timestamps bot speech and clears the stall guard only.
func (h *Heartbeat) ReportBotSpeech() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastBotSpeechAt = h.now()
	h.botStallFired = false
}

// ReportAudioFrameReceived timestamps inbound audio frames.
func (h *Heartbeat) ReportAudioFrameReceived() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastFrameReceivedAt = h.now()
}

// SetUserSpeaking tracks the transient speaking flag from the voice
// platform's speaking events.
func (h *Heartbeat) SetUserSpeaking(speaking bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.userSpeaking = speaking
}

// tick evaluates every liveness stage against now. Callbacks run outside
// the state lock.
func (h *Heartbeat) tick(now time.Time) {
	h.mu.Lock()

	h.metrics.SetGauge(observe.GaugeSessionDurationSec, int64(now.Sub(h.sessionStartAt).Seconds()))

	sinceUser := now.Sub(h.lastUserSpeechAt)
	sinceBot := now.Sub(h.lastBotSpeechAt)
	sinceFrame := now.Sub(h.lastFrameReceivedAt)
	userSpokeLast := h.lastUserSpeechAt.After(h.lastBotSpeechAt)
	botSpokeLast := h.lastBotSpeechAt.After(h.lastUserSpeechAt)

	var fire []func()

	// Stage 1: silence prompt. Fires once per silence; re-armed by user
	// speech.
	if threshold, ok := h.silenceThreshold(); ok &&
		sinceUser > threshold && botSpokeLast && !h.silencePromptFired {
		h.silencePromptFired = true
		h.metrics.Inc(observe.CounterSilencePrompts)
		slog.Info("silence prompt triggered", "since_user_speech", sinceUser)
		if h.cbs.OnSilencePrompt != nil {
			fire = append(fire, h.cbs.OnSilencePrompt)
		}
	}

	// Stage 2: bot stall. The user spoke last and the bot has not answered
	// within the threshold.
	if userSpokeLast && sinceBot > h.cfg.BotStallThreshold && !h.botStallFired {
		h.botStallFired = true
		h.metrics.Inc(observe.CounterStallsDetected)
		slog.Warn("bot stall detected", "since_bot_speech", sinceBot)
		if h.cbs.OnBotStall != nil {
			fire = append(fire, h.cbs.OnBotStall)
		}
	}

	// Stage 3: audio desync. No guard: repeats every tick while the
	// speaking flag is raised with no frames arriving. The handler's
	// resubscription resets the frame window.
	if h.userSpeaking && sinceFrame > desyncWindow {
		slog.Warn("audio desync detected", "since_frame", sinceFrame)
		if h.cbs.OnDesync != nil {
			fire = append(fire, h.cbs.OnDesync)
		}
	}

	// Stage 4: two-stage idle timeout.
	idleSince := sinceUser
	if sinceBot < idleSince {
		idleSince = sinceBot
	}
	graceThreshold := h.cfg.IdleDisconnect - h.cfg.GraceAnnounce
	if idleSince > graceThreshold && !h.graceAnnounced {
		h.graceAnnounced = true
		slog.Info("idle grace announced", "idle_since", idleSince)
		if h.cbs.OnGraceAnnounce != nil {
			fire = append(fire, h.cbs.OnGraceAnnounce)
		}
	}
	stopped := false
	if idleSince > h.cfg.IdleDisconnect && h.graceAnnounced && !h.idleTimeoutFired {
		h.idleTimeoutFired = true
		stopped = true
		h.metrics.Inc(observe.CounterIdleDisconnects)
		slog.Info("idle timeout reached", "idle_since", idleSince)
		if h.cbs.OnIdleTimeout != nil {
			fire = append(fire, h.cbs.OnIdleTimeout)
		}
	}
	h.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
	if stopped {
		h.Stop()
	}
}

// silenceThreshold resolves the initiative-dependent silence window. The
// second return is false when prompting is disabled entirely.
func (h *Heartbeat) silenceThreshold() (time.Duration, bool) {
	switch h.cfg.Initiative {
	case config.InitiativePassive:
		return 0, false
	case config.InitiativeActive:
		return activeSilencePrompt, true
	default:
		return h.cfg.SilencePrompt, true
	}
}
