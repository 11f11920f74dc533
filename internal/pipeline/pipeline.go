// Package pipeline implements the utterance processing pipeline: PCM
// utterances enter a FIFO, are transcribed, streamed through the chat
// gateway sentence by sentence, synthesised, and played back in strict
// submission order.
//
// At most one utterance is processed at a time (the single-drain
// invariant); user interruption aborts the in-flight chat stream, clears
// both FIFOs, and hard-stops playback.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Hideous-Monster/voxclaw/internal/gateway"
	"github.com/Hideous-Monster/voxclaw/internal/observe"
	"github.com/Hideous-Monster/voxclaw/internal/ttscache"
	"github.com/Hideous-Monster/voxclaw/pkg/voice"
)

// Transcriber converts a PCM utterance to text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte) (string, error)
}

// ChatStreamer performs one streaming chat completion, invoking
// onFirstToken when the first content delta arrives and onSentence for
// every completed sentence.
type ChatStreamer interface {
	Stream(ctx context.Context, transcript string, onFirstToken func(), onSentence func(sentence string)) (string, error)
}

// Synthesiser converts one sentence to audio in the provider's default
// container.
type Synthesiser interface {
	Synthesise(ctx context.Context, text string) ([]byte, error)
}

// Utterance is one captured user utterance queued for processing.
type Utterance struct {
	// PCM is the concatenated decoded audio.
	PCM []byte

	// ID correlates all log events for this utterance.
	ID string
}

// chunk is one synthesised audio chunk awaiting playback.
type chunk struct {
	res   voice.Resource
	uttID string
}

const (
	// playbackPollInterval is how often the drain loop re-checks for
	// playback completion.
	playbackPollInterval = 100 * time.Millisecond

	// drainRetryDelay is the pause before re-driving the queue after a
	// processing failure.
	drainRetryDelay = time.Second
)

// Config wires a Pipeline's collaborators.
type Config struct {
	STT     Transcriber
	Chat    ChatStreamer
	TTS     Synthesiser
	Player  voice.Player
	Metrics *observe.Metrics

	// Cache may be nil when caching is disabled.
	Cache       *ttscache.Cache
	CacheConfig ttscache.TTSConfig
	CacheMaxMb  int

	// NoiseFilter drops filler-only transcripts when true.
	NoiseFilter bool

	// OnBotSpeech is invoked at every chunk playback start.
	OnBotSpeech func()
}

// Pipeline drives utterances from PCM to played-back speech. All exported
// methods are safe for concurrent use.
type Pipeline struct {
	cfg Config

	mu             sync.Mutex
	queue          []Utterance
	chunks         []chunk
	processing     bool
	playingAudio   bool
	e2eRecorded    bool
	gen            uint64
	currentCancel  context.CancelFunc
	currentUttID   string
	lastTranscript string
	utteranceStart time.Time

	pollInterval time.Duration
	retryDelay   time.Duration
}

// New creates a Pipeline and registers its playback-idle handler on the
// player.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		cfg:          cfg,
		pollInterval: playbackPollInterval,
		retryDelay:   drainRetryDelay,
	}
	cfg.Player.OnIdle(p.playNextChunk)
	return p
}

// Enqueue appends utt to the utterance FIFO and starts the drain loop if
// idle.
func (p *Pipeline) Enqueue(utt Utterance) {
	p.mu.Lock()
	p.queue = append(p.queue, utt)
	logEvent("UTTERANCE_RECEIVED", utt.ID, "pcm_bytes", len(utt.PCM), "queue_len", len(p.queue))
	start := !p.processing
	if start {
		p.processing = true
	}
	gen := p.gen
	p.mu.Unlock()

	if start {
		go p.drain(gen)
	}
}

// Interrupt aborts the in-flight chat stream, clears both FIFOs, hard-stops
// playback, and resets the pipeline to idle. No partial audio survives.
func (p *Pipeline) Interrupt() {
	p.mu.Lock()
	p.gen++
	cancel := p.currentCancel
	p.currentCancel = nil
	uttID := p.currentUttID
	p.queue = nil
	p.chunks = nil
	p.playingAudio = false
	p.processing = false
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.cfg.Player.Stop()
	logEvent("INTERRUPT", uttID)
}

// LastTranscript returns the transcript of the most recent utterance that
// passed the noise filter. Used by the stall-recovery path.
func (p *Pipeline) LastTranscript() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTranscript
}

// Idle reports whether nothing is queued, processing, or playing.
func (p *Pipeline) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.processing && !p.playingAudio && len(p.queue) == 0 && len(p.chunks) == 0
}

// ─── drain loop ───────────────────────────────────────────────────────────────

// drain processes queued utterances one at a time until the FIFO empties
// or the generation changes (interrupt).
func (p *Pipeline) drain(gen uint64) {
	for {
		p.mu.Lock()
		if p.gen != gen {
			p.mu.Unlock()
			return
		}
		if len(p.queue) == 0 {
			p.processing = false
			p.mu.Unlock()
			return
		}
		utt := p.queue[0]
		p.queue = p.queue[1:]
		p.currentUttID = utt.ID
		p.utteranceStart = time.Now()
		p.e2eRecorded = false
		ctx, cancel := context.WithCancel(context.Background())
		p.currentCancel = cancel
		p.mu.Unlock()

		err := p.process(ctx, gen, utt)
		cancel()

		if err != nil {
			if errors.Is(err, gateway.ErrCancelled) {
				slog.Debug("utterance cancelled", "utt_id", utt.ID)
				continue
			}
			slog.Error("utterance processing failed", "utt_id", utt.ID, "err", err)
			p.scheduleRetry(gen)
			return
		}
	}
}

// process runs one utterance through STT, chat, synthesis, and playback
// completion.
func (p *Pipeline) process(ctx context.Context, gen uint64, utt Utterance) error {
	logEvent("STT_START", utt.ID)
	sttStart := time.Now()
	p.cfg.Metrics.Inc(observe.CounterSTTRequests)
	transcript, err := p.cfg.STT.Transcribe(ctx, utt.PCM)
	if err != nil {
		return err
	}
	p.cfg.Metrics.RecordTiming(observe.TimingSTTLatency, float64(time.Since(sttStart).Milliseconds()))
	logEvent("STT_DONE", utt.ID, "chars", len(transcript))

	if transcript == "" {
		logEvent("UTTERANCE_COMPLETE", utt.ID, "reason", "empty_transcript")
		return nil
	}
	if p.cfg.NoiseFilter && isNoise(transcript) {
		logEvent("UTTERANCE_FILTERED", utt.ID, "transcript", transcript)
		return nil
	}

	p.mu.Lock()
	p.lastTranscript = transcript
	p.mu.Unlock()

	logEvent("LLM_START", utt.ID)
	llmStart := time.Now()
	full, err := p.cfg.Chat.Stream(ctx, transcript,
		func() { logEvent("LLM_FIRST_TOKEN", utt.ID) },
		func(sentence string) { p.handleSentence(ctx, gen, utt.ID, sentence) },
	)
	if err != nil {
		if !errors.Is(err, gateway.ErrCancelled) {
			p.cfg.Metrics.Inc(observe.CounterLLMErrors)
		}
		return err
	}
	p.cfg.Metrics.RecordTiming(observe.TimingLLMLatency, float64(time.Since(llmStart).Milliseconds()))
	logEvent("LLM_DONE", utt.ID, "chars", len(full))

	p.waitPlaybackComplete(gen)
	logEvent("UTTERANCE_COMPLETE", utt.ID)
	return nil
}

// handleSentence scrubs, resolves (cache or synthesis), and queues one
// sentence for playback. Synthesis failures are logged and skipped so the
// remaining sentences continue.
func (p *Pipeline) handleSentence(ctx context.Context, gen uint64, uttID, sentence string) {
	text := gateway.ScrubForTTS(sentence)
	if text == "" {
		return
	}

	var buf []byte
	cached := false
	if p.cacheEnabled() {
		key := ttscache.Key(p.cfg.CacheConfig, text)
		if hit, ok := p.cfg.Cache.Get(key); ok {
			buf, cached = hit, true
		} else {
			var err error
			if buf, err = p.synthesise(ctx, uttID, text); err != nil {
				return
			}
			p.cfg.Cache.Set(key, buf, p.cfg.CacheMaxMb)
		}
	} else {
		var err error
		if buf, err = p.synthesise(ctx, uttID, text); err != nil {
			return
		}
	}
	if cached {
		slog.Debug("tts cache hit", "utt_id", uttID, "chars", len(text))
	}

	p.mu.Lock()
	if p.gen != gen {
		// Interrupted while synthesising; the buffer has nowhere to go.
		p.mu.Unlock()
		return
	}
	p.chunks = append(p.chunks, chunk{
		res:   voice.Resource{Data: buf, Container: voice.ContainerArbitrary},
		uttID: uttID,
	})
	kick := !p.playingAudio
	p.mu.Unlock()

	if kick {
		p.playNextChunk()
	}
}

// synthesise calls the TTS provider with request metrics and event logs.
func (p *Pipeline) synthesise(ctx context.Context, uttID, text string) ([]byte, error) {
	logEvent("TTS_START", uttID, "chars", len(text))
	start := time.Now()
	p.cfg.Metrics.Inc(observe.CounterTTSRequests)
	buf, err := p.cfg.TTS.Synthesise(ctx, text)
	if err != nil {
		slog.Warn("sentence synthesis failed", "utt_id", uttID, "err", err)
		return nil, err
	}
	p.cfg.Metrics.RecordTiming(observe.TimingTTSLatency, float64(time.Since(start).Milliseconds()))
	logEvent("TTS_DONE", uttID, "bytes", len(buf))
	return buf, nil
}

func (p *Pipeline) cacheEnabled() bool {
	return p.cfg.Cache != nil
}

// ─── playback ─────────────────────────────────────────────────────────────────

// playNextChunk pops the head chunk and submits it to the player. Invoked
// on the first chunk of a response and again from the player's idle
// callback after each completed chunk.
func (p *Pipeline) playNextChunk() {
	p.mu.Lock()
	if len(p.chunks) == 0 {
		if p.playingAudio {
			p.playingAudio = false
			logEvent("PLAYBACK_DONE", p.currentUttID)
		}
		p.mu.Unlock()
		return
	}
	ch := p.chunks[0]
	p.chunks = p.chunks[1:]
	p.playingAudio = true
	if !p.e2eRecorded {
		p.e2eRecorded = true
		p.cfg.Metrics.RecordTiming(observe.TimingE2ELatency, float64(time.Since(p.utteranceStart).Milliseconds()))
	}
	p.mu.Unlock()

	if p.cfg.OnBotSpeech != nil {
		p.cfg.OnBotSpeech()
	}
	logEvent("PLAYBACK_START", ch.uttID, "bytes", len(ch.res.Data), "container", ch.res.Container.String())
	if err := p.cfg.Player.Play(ch.res); err != nil {
		slog.Error("chunk playback failed", "utt_id", ch.uttID, "err", err)
		p.mu.Lock()
		p.playingAudio = false
		p.mu.Unlock()
	}
}

// PlayDirect bypasses the FIFO and plays res immediately, used for baked
// phrases (greetings, check-ins, announcements). It does not disturb an
// in-flight utterance's chunk ordering; callers interrupt first when
// exclusivity matters.
func (p *Pipeline) PlayDirect(res voice.Resource) {
	if p.cfg.OnBotSpeech != nil {
		p.cfg.OnBotSpeech()
	}
	if err := p.cfg.Player.Play(res); err != nil {
		slog.Error("direct playback failed", "err", err)
	}
}

// waitPlaybackComplete blocks until the chunk FIFO is empty and playback
// has gone idle, polling at the configured interval. Returns early on
// interrupt (generation change).
func (p *Pipeline) waitPlaybackComplete(gen uint64) {
	for {
		p.mu.Lock()
		done := (len(p.chunks) == 0 && !p.playingAudio) || p.gen != gen
		p.mu.Unlock()
		if done {
			return
		}
		time.Sleep(p.pollInterval)
	}
}

// scheduleRetry resets processing state and re-drives the queue after the
// retry delay so a transient failure does not wedge the pipeline.
func (p *Pipeline) scheduleRetry(gen uint64) {
	p.mu.Lock()
	if p.gen == gen {
		p.processing = false
		p.currentCancel = nil
	}
	p.mu.Unlock()

	time.AfterFunc(p.retryDelay, func() {
		p.mu.Lock()
		start := !p.processing && len(p.queue) > 0
		if start {
			p.processing = true
		}
		g := p.gen
		p.mu.Unlock()
		if start {
			go p.drain(g)
		}
	})
}

// logEvent emits one structured pipeline event line.
func logEvent(name, uttID string, args ...any) {
	base := []any{"event", name, "utt_id", uttID}
	slog.Info(name, append(base, args...)...)
}
