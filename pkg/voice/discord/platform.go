// Package discord provides a [voice.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It adapts
// Discord's SSRC-keyed Opus transport to per-user packet streams and plays
// synthesised audio back through the voice gateway.
//
// The platform requires an active *discordgo.Session owned by the caller.
package discord

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/Hideous-Monster/voxclaw/pkg/voice"
)

// Compile-time interface assertion.
var _ voice.Platform = (*Platform)(nil)

// Platform implements [voice.Platform] on a discordgo session.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session

	mu         sync.Mutex
	speakingCb func(userID string)
	presenceCb func(userID, oldChannelID, newChannelID string)
}

// New creates a Platform for the given session and registers the
// guild-level presence handler.
func New(session *discordgo.Session) *Platform {
	p := &Platform{session: session}
	session.AddHandler(p.handleVoiceStateUpdate)
	return p
}

// JoinChannel joins the voice channel neither muted nor deafened, so the
// bot both hears and speaks. The ctx governs setup only.
func (p *Platform) JoinChannel(ctx context.Context, guildID, channelID string) (voice.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vc, err := p.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	return newConnection(vc, p), nil
}

// NewPlayer creates an unbound [voice.Player]. Binding happens when the
// player is subscribed to a connection.
func (p *Platform) NewPlayer() voice.Player {
	return newPlayer()
}

// OnSpeakingStart registers the speaking-start callback. One callback;
// later calls replace it.
func (p *Platform) OnSpeakingStart(fn func(userID string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speakingCb = fn
}

// OnPresenceChange registers the presence callback. One callback; later
// calls replace it.
func (p *Platform) OnPresenceChange(fn func(userID, oldChannelID, newChannelID string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presenceCb = fn
}

// emitSpeaking fires the speaking-start callback, if any.
func (p *Platform) emitSpeaking(userID string) {
	p.mu.Lock()
	fn := p.speakingCb
	p.mu.Unlock()
	if fn != nil {
		fn(userID)
	}
}

// handleVoiceStateUpdate translates Discord's voice-state events into
// channel-to-channel presence transitions.
func (p *Platform) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	oldChannelID := ""
	if vsu.BeforeUpdate != nil {
		oldChannelID = vsu.BeforeUpdate.ChannelID
	}
	if oldChannelID == vsu.ChannelID {
		return
	}

	p.mu.Lock()
	fn := p.presenceCb
	p.mu.Unlock()
	if fn != nil {
		fn(vsu.UserID, oldChannelID, vsu.ChannelID)
	}
}
