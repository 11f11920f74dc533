// Package mock provides in-memory mock implementations of the
// [voice.Platform], [voice.Connection], [voice.Player], and
// [voice.Receiver] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	conn := mock.NewConnection()
//	platform := &mock.Platform{JoinResult: conn}
//	got, err := platform.JoinChannel(ctx, "guild-1", "channel-42")
//	conn.SetState(voice.StateReady)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/Hideous-Monster/voxclaw/pkg/voice"
)

// ─── PacketStream ─────────────────────────────────────────────────────────────

// PacketStream is a mock implementation of [voice.PacketStream]. Tests feed
// packets via [PacketStream.Send] and terminate the stream with
// [PacketStream.End].
type PacketStream struct {
	ch        chan voice.OpusPacket
	closeOnce sync.Once

	mu          sync.Mutex
	CallCountClose int
}

// NewPacketStream creates a PacketStream with a buffered packet channel.
func NewPacketStream() *PacketStream {
	return &PacketStream{ch: make(chan voice.OpusPacket, 256)}
}

// Send delivers pkt to the subscriber. Panics if called after End.
func (s *PacketStream) Send(pkt voice.OpusPacket) { s.ch <- pkt }

// End closes the packet channel, simulating the after-silence end event.
// Safe to call more than once.
func (s *PacketStream) End() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Packets implements [voice.PacketStream].
func (s *PacketStream) Packets() <-chan voice.OpusPacket { return s.ch }

// Close implements [voice.PacketStream]. It ends the stream and counts the
// call.
func (s *PacketStream) Close() {
	s.mu.Lock()
	s.CallCountClose++
	s.mu.Unlock()
	s.End()
}

// CloseCalls returns how many times Close was called.
func (s *PacketStream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// ─── Receiver ─────────────────────────────────────────────────────────────────

// SubscribeCall records the arguments of one SubscribeOpus invocation.
type SubscribeCall struct {
	UserID  string
	Silence time.Duration
}

// Receiver is a mock implementation of [voice.Receiver]. Each SubscribeOpus
// call pops the next stream from Streams (or creates a fresh one when the
// list is exhausted).
type Receiver struct {
	mu sync.Mutex

	// Streams are handed out in order by SubscribeOpus. When empty, a new
	// [PacketStream] is created per call.
	Streams []*PacketStream

	// SubscribeError, when non-nil, is returned by every SubscribeOpus call.
	SubscribeError error

	// SubscribeCalls records every SubscribeOpus invocation in order.
	SubscribeCalls []SubscribeCall

	next int
}

// SubscribeOpus implements [voice.Receiver].
func (r *Receiver) SubscribeOpus(userID string, silence time.Duration) (voice.PacketStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SubscribeCalls = append(r.SubscribeCalls, SubscribeCall{UserID: userID, Silence: silence})
	if r.SubscribeError != nil {
		return nil, r.SubscribeError
	}
	if r.next < len(r.Streams) {
		s := r.Streams[r.next]
		r.next++
		return s, nil
	}
	s := NewPacketStream()
	r.Streams = append(r.Streams, s)
	r.next++
	return s, nil
}

// ─── Player ───────────────────────────────────────────────────────────────────

// Player is a mock implementation of [voice.Player]. Played resources are
// recorded in order; tests drive completion by calling [Player.FireIdle].
type Player struct {
	mu sync.Mutex

	// PlayError, when non-nil, is returned by every Play call.
	PlayError error

	// Played holds every resource submitted via Play, in order.
	Played []voice.Resource

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	idle func()
}

// Play implements [voice.Player].
func (p *Player) Play(res voice.Resource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PlayError != nil {
		return p.PlayError
	}
	p.Played = append(p.Played, res)
	return nil
}

// Stop implements [voice.Player].
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountStop++
}

// OnIdle implements [voice.Player].
func (p *Player) OnIdle(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle = fn
}

// FireIdle invokes the registered idle callback synchronously, simulating
// the end of the current resource.
func (p *Player) FireIdle() {
	p.mu.Lock()
	fn := p.idle
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// PlayedResources returns a copy of the recorded resources.
func (p *Player) PlayedResources() []voice.Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]voice.Resource, len(p.Played))
	copy(out, p.Played)
	return out
}

// StopCalls returns how many times Stop was called.
func (p *Player) StopCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCountStop
}

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock implementation of [voice.Connection] with a
// test-driven state machine. Use [Connection.SetState] to script
// transitions; registered state-change callbacks fire synchronously.
type Connection struct {
	mu sync.Mutex

	state    voice.ConnState
	stateCb  func(old, new voice.ConnState)
	waiters  []stateWaiter
	receiver *Receiver

	// DestroyError is returned by the first Destroy call.
	DestroyError error

	// CallCountDestroy records how many times Destroy was called.
	CallCountDestroy int

	// Subscribed holds every player passed to Subscribe, in order.
	Subscribed []voice.Player
}

type stateWaiter struct {
	want voice.ConnState
	ch   chan struct{}
}

// NewConnection creates a Connection in [voice.StateSignalling] with an
// empty mock receiver.
func NewConnection() *Connection {
	return &Connection{state: voice.StateSignalling, receiver: &Receiver{}}
}

// SetState transitions the mock to s, firing the state-change callback and
// releasing any matching WaitForState callers.
func (c *Connection) SetState(s voice.ConnState) {
	c.mu.Lock()
	old := c.state
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
	if cb != nil && old != s {
		cb(old, s)
	}
}

// State implements [voice.Connection].
func (c *Connection) State() voice.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange implements [voice.Connection].
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

// Receiver implements [voice.Connection]. The returned value is always the
// same *mock.Receiver, exposed for test scripting via [Connection.MockReceiver].
func (c *Connection) Receiver() voice.Receiver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiver
}

// MockReceiver returns the underlying mock receiver for scripting.
func (c *Connection) MockReceiver() *Receiver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiver
}

// Subscribe implements [voice.Connection].
func (c *Connection) Subscribe(p voice.Player) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Subscribed = append(c.Subscribed, p)
	return nil
}

// SubscribeCount returns how many players were subscribed.
func (c *Connection) SubscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Subscribed)
}

// Destroy implements [voice.Connection]. It transitions the connection to
// [voice.StateDestroyed].
func (c *Connection) Destroy() error {
	c.mu.Lock()
	c.CallCountDestroy++
	err := c.DestroyError
	c.DestroyError = nil
	c.mu.Unlock()
	c.SetState(voice.StateDestroyed)
	return err
}

// DestroyCalls returns how many times Destroy was called.
func (c *Connection) DestroyCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountDestroy
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// JoinCall records the arguments of one JoinChannel invocation.
type JoinCall struct {
	GuildID   string
	ChannelID string
}

// Platform is a mock implementation of [voice.Platform].
type Platform struct {
	mu sync.Mutex

	// JoinResult is returned by JoinChannel when JoinFunc is nil.
	JoinResult voice.Connection

	// JoinError, when non-nil, is returned by JoinChannel when JoinFunc is nil.
	JoinError error

	// JoinFunc, when set, fully overrides JoinChannel behaviour. Useful for
	// returning a different connection per attempt.
	JoinFunc func(ctx context.Context, guildID, channelID string) (voice.Connection, error)

	// JoinCalls records every JoinChannel invocation in order.
	JoinCalls []JoinCall

	// Players holds every player created by NewPlayer, in order.
	Players []*Player

	speakingCb func(userID string)
	presenceCb func(userID, oldChannelID, newChannelID string)
}

// JoinChannel implements [voice.Platform].
func (p *Platform) JoinChannel(ctx context.Context, guildID, channelID string) (voice.Connection, error) {
	p.mu.Lock()
	p.JoinCalls = append(p.JoinCalls, JoinCall{GuildID: guildID, ChannelID: channelID})
	fn := p.JoinFunc
	res, err := p.JoinResult, p.JoinError
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, guildID, channelID)
	}
	return res, err
}

// NewPlayer implements [voice.Platform].
func (p *Platform) NewPlayer() voice.Player {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl := &Player{}
	p.Players = append(p.Players, pl)
	return pl
}

// OnSpeakingStart implements [voice.Platform].
func (p *Platform) OnSpeakingStart(fn func(userID string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speakingCb = fn
}

// OnPresenceChange implements [voice.Platform].
func (p *Platform) OnPresenceChange(fn func(userID, oldChannelID, newChannelID string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presenceCb = fn
}

// FireSpeakingStart invokes the registered speaking-start callback.
func (p *Platform) FireSpeakingStart(userID string) {
	p.mu.Lock()
	fn := p.speakingCb
	p.mu.Unlock()
	if fn != nil {
		fn(userID)
	}
}

// FirePresenceChange invokes the registered presence-change callback.
func (p *Platform) FirePresenceChange(userID, oldChannelID, newChannelID string) {
	p.mu.Lock()
	fn := p.presenceCb
	p.mu.Unlock()
	if fn != nil {
		fn(userID, oldChannelID, newChannelID)
	}
}

// JoinCount returns how many times JoinChannel was called.
func (p *Platform) JoinCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.JoinCalls)
}
