package discord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"

	"github.com/Hideous-Monster/voxclaw/pkg/voice"
)

// Compile-time interface assertion.
var _ voice.Player = (*Player)(nil)

// Discord voice is 48 kHz stereo Opus in 20 ms frames.
const (
	sampleRate    = 48000
	channels      = 2
	frameSize     = sampleRate * 20 / 1000 // 960 samples per channel
	frameBytes    = frameSize * channels * 2
	frameDuration = 20 * time.Millisecond
	maxOpusBytes  = 4000
)

// Player plays audio resources into a bound voice connection. Baked OGG
// Opus plays packet-for-packet; arbitrary containers are transcoded to
// PCM through ffmpeg and re-encoded.
//
// Player is safe for concurrent use. At most one resource plays at a
// time; a new Play pre-empts the current one.
type Player struct {
	mu      sync.Mutex
	vc      *discordgo.VoiceConnection
	idle    func()
	cancel  context.CancelFunc
	playing sync.WaitGroup
}

func newPlayer() *Player {
	return &Player{}
}

// bind attaches the player to a connection's send channel.
func (p *Player) bind(vc *discordgo.VoiceConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vc = vc
}

// Play implements [voice.Player]. It pre-empts any current playback and
// plays res asynchronously; the idle callback fires when the resource
// finishes naturally.
func (p *Player) Play(res voice.Resource) error {
	p.mu.Lock()
	vc := p.vc
	if vc == nil {
		p.mu.Unlock()
		return voice.ErrNotReady
	}
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	p.playing.Wait()

	p.playing.Add(1)
	go func() {
		defer p.playing.Done()
		p.setSpeaking(vc, true)
		err := p.playResource(ctx, vc, res)
		p.setSpeaking(vc, false)

		if err != nil {
			slog.Warn("playback failed", "container", res.Container.String(), "err", err)
		}
		if ctx.Err() == nil {
			p.fireIdle()
		}
	}()
	return nil
}

// Stop implements [voice.Player]. It hard-stops the current playback
// without firing the idle callback.
func (p *Player) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.playing.Wait()
}

// OnIdle implements [voice.Player]. One callback; later calls replace it.
func (p *Player) OnIdle(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle = fn
}

func (p *Player) fireIdle() {
	p.mu.Lock()
	fn := p.idle
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *Player) setSpeaking(vc *discordgo.VoiceConnection, speaking bool) {
	if err := vc.Speaking(speaking); err != nil {
		slog.Warn("speaking notification failed", "speaking", speaking, "err", err)
	}
}

// playResource routes by container type.
func (p *Player) playResource(ctx context.Context, vc *discordgo.VoiceConnection, res voice.Resource) error {
	switch res.Container {
	case voice.ContainerOggOpus:
		return p.playOggOpus(ctx, vc, res.Data)
	default:
		return p.playTranscoded(ctx, vc, res.Data)
	}
}

// playOggOpus sends baked Opus packets directly, paced at one frame per
// 20 ms.
func (p *Player) playOggOpus(ctx context.Context, vc *discordgo.VoiceConnection, data []byte) error {
	packets, err := oggOpusPackets(data)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for _, pkt := range packets {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		select {
		case vc.OpusSend <- pkt:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// playTranscoded decodes an arbitrary container to 48 kHz stereo PCM via
// ffmpeg and encodes it frame by frame.
func (p *Player) playTranscoded(ctx context.Context, vc *discordgo.VoiceConnection, data []byte) error {
	pcm, err := transcodeToPCM(ctx, data)
	if err != nil {
		return err
	}

	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return fmt.Errorf("discord: create opus encoder: %w", err)
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for off := 0; off+frameBytes <= len(pcm); off += frameBytes {
		frame := bytesToInt16s(pcm[off : off+frameBytes])
		opus, err := enc.Encode(frame, frameSize, maxOpusBytes)
		if err != nil {
			return fmt.Errorf("discord: opus encode: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		select {
		case vc.OpusSend <- opus:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// transcodeToPCM shells out to ffmpeg for container decoding; the provider
// container is whatever the TTS endpoint returned.
func transcodeToPCM(ctx context.Context, data []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le",
		"-ar", fmt.Sprint(sampleRate),
		"-ac", fmt.Sprint(channels),
		"pipe:1",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("discord: ffmpeg stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("discord: ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("discord: start ffmpeg: %w", err)
	}

	go func() {
		_, _ = stdin.Write(data)
		_ = stdin.Close()
	}()

	pcm, readErr := io.ReadAll(stdout)
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("discord: ffmpeg transcode: %w", err)
	}
	if readErr != nil {
		return nil, fmt.Errorf("discord: read ffmpeg output: %w", readErr)
	}
	return pcm, nil
}

// bytesToInt16s converts little-endian bytes to int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
