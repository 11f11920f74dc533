package discord

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/Hideous-Monster/voxclaw/pkg/voice"
)

// Compile-time interface assertion.
var _ voice.Connection = (*Connection)(nil)

// statePollInterval is how often the watcher samples the underlying
// discordgo readiness flag.
const statePollInterval = time.Second

// Connection adapts a discordgo voice connection to [voice.Connection].
// discordgo exposes readiness as a flag rather than transitions, so a
// watcher goroutine samples it and synthesises the state machine:
// Ready while the flag holds, Disconnected when it drops, and
// Signalling -> Ready when it comes back.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc       *discordgo.VoiceConnection
	platform *Platform
	receiver *receiver

	mu      sync.Mutex
	state   voice.ConnState
	stateCb func(old, new voice.ConnState)
	waiters []stateWaiter

	done      chan struct{}
	closeOnce sync.Once
}

type stateWaiter struct {
	want voice.ConnState
	ch   chan struct{}
}

// newConnection wraps an already-joined voice connection and starts the
// receive demux and the state watcher.
func newConnection(vc *discordgo.VoiceConnection, platform *Platform) *Connection {
	c := &Connection{
		vc:       vc,
		platform: platform,
		state:    voice.StateReady,
		done:     make(chan struct{}),
	}
	c.receiver = newReceiver(c)

	vc.AddHandler(c.handleSpeakingUpdate)
	go c.receiver.run()
	go c.watchState()
	return c
}

// State implements [voice.Connection].
func (c *Connection) State() voice.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange implements [voice.Connection]. One callback; later calls
// replace it.
func (c *Connection) OnStateChange(fn func(old, new voice.ConnState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateCb = fn
}

// WaitForState implements [voice.Connection].
func (c *Connection) WaitForState(ctx context.Context, want voice.ConnState, timeout time.Duration) error {
	c.mu.Lock()
	if c.state == want {
		c.mu.Unlock()
		return nil
	}
	w := stateWaiter{want: want, ch: make(chan struct{})}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-w.ch:
		return nil
	case <-t.C:
		return voice.ErrNotReady
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receiver implements [voice.Connection].
func (c *Connection) Receiver() voice.Receiver {
	return c.receiver
}

// Subscribe implements [voice.Connection]. It binds the player's output to
// this connection's Opus send channel.
func (c *Connection) Subscribe(p voice.Player) error {
	player, ok := p.(*Player)
	if !ok {
		return voice.ErrNotReady
	}
	player.bind(c.vc)
	return nil
}

// Destroy implements [voice.Connection]. It disconnects the voice channel
// and stops the receive and watcher goroutines. Safe to call more than
// once.
func (c *Connection) Destroy() error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(voice.StateDestroyed)
		close(c.done)
		c.receiver.close()
		err = c.vc.Disconnect()
	})
	return err
}

// setState transitions the connection state, releasing matching waiters
// and firing the state-change callback.
func (c *Connection) setState(s voice.ConnState) {
	c.mu.Lock()
	old := c.state
	if old == s || old == voice.StateDestroyed {
		c.mu.Unlock()
		return
	}
	c.state = s
	cb := c.stateCb
	var release []chan struct{}
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.want == s {
			release = append(release, w.ch)
		} else {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
	c.mu.Unlock()

	for _, ch := range release {
		close(ch)
	}
	if cb != nil {
		cb(old, s)
	}
}

// watchState samples the discordgo readiness flag and synthesises state
// transitions from it.
func (c *Connection) watchState() {
	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		ready := c.vcReady()
		switch c.State() {
		case voice.StateReady:
			if !ready {
				slog.Warn("voice connection dropped")
				c.setState(voice.StateDisconnected)
			}
		case voice.StateDisconnected, voice.StateConnecting:
			if ready {
				// Recovered: replay the signalling progression for waiters.
				c.setState(voice.StateSignalling)
				c.setState(voice.StateReady)
			}
		case voice.StateSignalling:
			if ready {
				c.setState(voice.StateReady)
			}
		}
	}
}

func (c *Connection) vcReady() bool {
	c.vc.RLock()
	defer c.vc.RUnlock()
	return c.vc.Ready
}

// handleSpeakingUpdate records the SSRC-to-user mapping and forwards
// speaking starts to the platform callback.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	c.receiver.mapSSRC(uint32(vs.SSRC), vs.UserID)
	if vs.Speaking {
		c.platform.emitSpeaking(vs.UserID)
	}
}
