package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"layeh.com/gopus"

	"github.com/Hideous-Monster/voxclaw/internal/heartbeat"
	"github.com/Hideous-Monster/voxclaw/internal/observe"
	"github.com/Hideous-Monster/voxclaw/internal/pipeline"
	"github.com/Hideous-Monster/voxclaw/pkg/voice"
)

// Voice platforms deliver 48 kHz stereo Opus in 20 ms frames.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960

	// pcmByteRate is decoded bytes per second: 48000 samples x 2 channels
	// x 2 bytes per sample.
	pcmByteRate = opusSampleRate * opusChannels * 2

	// decodeFailWarnAt and decodeFailResetAt bound a run of consecutive
	// undecodable packets: warn past the first, destroy the receive stream
	// past the second. The stream is re-established on the next speaking
	// start.
	decodeFailWarnAt  = 20
	decodeFailResetAt = 50
)

// Decoder decodes one Opus packet into interleaved little-endian PCM bytes.
type Decoder interface {
	Decode(opus []byte) ([]byte, error)
}

// opusDecoder wraps a gopus decoder. One decoder per capture stream keeps
// decoder state correct across consecutive frames.
type opusDecoder struct {
	dec *gopus.Decoder
}

// NewOpusDecoder creates a platform-rate Opus decoder.
func NewOpusDecoder() (Decoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("session: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

func (d *opusDecoder) Decode(opus []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(opus, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("session: opus decode: %w", err)
	}
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b, nil
}

// Pipeline is the subset of the audio pipeline the session layer drives.
type Pipeline interface {
	Enqueue(utt pipeline.Utterance)
	Interrupt()
	PlayDirect(res voice.Resource)
	LastTranscript() string
}

// CapturerConfig configures a [Capturer].
type CapturerConfig struct {
	// Receiver resolves the current connection's receiver; it is a function
	// so a reconnected session picks up the fresh receiver transparently.
	Receiver func() voice.Receiver

	// TargetUserID is the single user whose speech is captured.
	TargetUserID string

	// SilenceThreshold ends an utterance after this much trailing silence.
	SilenceThreshold time.Duration

	// MaxUtterance caps a single utterance's length.
	MaxUtterance time.Duration

	// NewDecoder creates one decoder per capture stream. Defaults to
	// [NewOpusDecoder].
	NewDecoder func() (Decoder, error)

	Pipeline  Pipeline
	Heartbeat *heartbeat.Heartbeat
	Metrics   *observe.Metrics
}

// Capturer turns the target user's speaking events into captured PCM
// utterances on the pipeline. At most one capture runs at a time; speaking
// starts during an active capture are dropped.
type Capturer struct {
	cfg      CapturerConfig
	maxBytes int

	mu        sync.Mutex
	capturing bool
	stream    voice.PacketStream
	uttSeq    int
	stopped   bool
}

// NewCapturer creates a Capturer. Call [Capturer.OnSpeakingStart] from the
// platform's speaking-start events.
func NewCapturer(cfg CapturerConfig) *Capturer {
	if cfg.NewDecoder == nil {
		cfg.NewDecoder = NewOpusDecoder
	}
	return &Capturer{
		cfg:      cfg,
		maxBytes: int(cfg.MaxUtterance.Seconds()) * pcmByteRate,
	}
}

// OnSpeakingStart begins a capture for the target user. Non-target users
// and starts during an active capture are ignored (the latter with a
// dropped-utterance log line).
func (c *Capturer) OnSpeakingStart(userID string) {
	if userID != c.cfg.TargetUserID {
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.uttSeq++
	uttID := fmt.Sprintf("utt-%03d", c.uttSeq)
	if c.capturing {
		c.mu.Unlock()
		slog.Info("UTTERANCE_DROPPED_CAPTURING", "event", "UTTERANCE_DROPPED_CAPTURING", "utt_id", uttID, "user_id", userID)
		return
	}
	c.capturing = true
	stacked := c.stream != nil
	c.mu.Unlock()

	if stacked {
		slog.Warn("LISTENER_STACKED", "event", "LISTENER_STACKED", "utt_id", uttID, "user_id", userID)
	}

	c.cfg.Heartbeat.ReportUserSpeech()
	c.cfg.Heartbeat.SetUserSpeaking(true)
	c.cfg.Pipeline.Interrupt()

	stream, err := c.cfg.Receiver().SubscribeOpus(userID, c.cfg.SilenceThreshold)
	if err != nil {
		slog.Error("opus subscription failed", "user_id", userID, "err", err)
		c.mu.Lock()
		c.capturing = false
		c.mu.Unlock()
		c.cfg.Heartbeat.SetUserSpeaking(false)
		return
	}

	decoder, err := c.cfg.NewDecoder()
	if err != nil {
		slog.Error("decoder creation failed", "err", err)
		stream.Close()
		c.mu.Lock()
		c.capturing = false
		c.mu.Unlock()
		c.cfg.Heartbeat.SetUserSpeaking(false)
		return
	}

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()

	go c.captureStream(uttID, stream, decoder)
}

// captureStream accumulates decoded PCM until the stream ends, then hands
// the utterance to the pipeline.
func (c *Capturer) captureStream(uttID string, stream voice.PacketStream, decoder Decoder) {
	var pcm []byte
	consecutiveFails := 0
	capped := false

	for pkt := range stream.Packets() {
		c.cfg.Heartbeat.ReportAudioFrameReceived()

		if capped || len(pcm) >= c.maxBytes {
			// Utterance cap reached: keep draining frames so the silence
			// window still closes the stream, but stop accumulating.
			if !capped {
				capped = true
				slog.Warn("utterance length cap reached", "utt_id", uttID, "bytes", len(pcm))
			}
			continue
		}

		frame, err := decoder.Decode(pkt.Opus)
		if err != nil {
			consecutiveFails++
			c.cfg.Metrics.Inc(observe.CounterDecodeErrors)
			if consecutiveFails > decodeFailResetAt {
				slog.Error("destroying receive stream after repeated decode failures",
					"utt_id", uttID, "consecutive_fails", consecutiveFails)
				stream.Close()
				break
			}
			if consecutiveFails > decodeFailWarnAt {
				slog.Warn("opus decode failing repeatedly",
					"utt_id", uttID, "consecutive_fails", consecutiveFails, "err", err)
			}
			continue
		}
		consecutiveFails = 0
		pcm = append(pcm, frame...)
	}

	c.mu.Lock()
	c.capturing = false
	if c.stream == stream {
		c.stream = nil
	}
	c.mu.Unlock()

	c.cfg.Heartbeat.SetUserSpeaking(false)

	if len(pcm) == 0 {
		slog.Debug("capture ended with no audio", "utt_id", uttID)
		return
	}
	c.cfg.Pipeline.Enqueue(pipeline.Utterance{PCM: pcm, ID: uttID})
}

// Restart closes any active stream so the next speaking start subscribes
// afresh. Used by the desync handler and after reconnects.
func (c *Capturer) Restart() {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.capturing = false
	c.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	slog.Info("capture loop restarted", "user_id", c.cfg.TargetUserID)
}

// Stop permanently disables the capturer and closes any active stream.
func (c *Capturer) Stop() {
	c.mu.Lock()
	c.stopped = true
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
}
